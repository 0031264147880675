package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rebuybot/internal/config"
	"rebuybot/internal/engine"
	"rebuybot/internal/exchange"
	"rebuybot/internal/exchange/bybit"
	"rebuybot/internal/exchange/paper"
	"rebuybot/internal/logger"
	"rebuybot/internal/metrics"
	"rebuybot/internal/store"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	v, err := config.Open()
	if err != nil {
		panic(err)
	}
	cfg, err := config.Parse(v)
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	log.WithComponent("main").WithField("version", cfg.Runtime.Version).WithField("dry_run", cfg.Runtime.DryRun).Info("Бот запущен.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := config.NewWatcher(v, cfg, log)
	watcher.Start()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-watcher.Updates():
				for _, change := range upd.Changes {
					log.WithComponent("config").WithField("generation", upd.Generation).WithField("section", change.Section).WithField("key", change.Key).WithField("detail", change.Detail).Info("Применено изменение конфигурации.")
				}
				log.SetLevel(upd.Config.Log.Level)
			}
		}
	}()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("Не удалось открыть хранилище.")
	}
	defer st.Close()

	venue := bybit.New(bybit.Config{
		BaseURL:     cfg.Exchange.BaseUrl,
		WSPublicURL: cfg.Exchange.WSPublicURL,
		ApiKey:      cfg.Exchange.ApiKey,
		Secret:      cfg.Exchange.Secret,
		AccountType: cfg.Exchange.AccountType,
		RecvWindow:  cfg.Exchange.RecvWindow,
	}, log)
	venue.Start(ctx, cfg.SortedSymbols())
	defer venue.Close()

	var client exchange.Client = venue
	if cfg.Runtime.DryRun {
		log.WithComponent("main").Warn("Режим dry_run: ордера исполняются на бумажной бирже.")
		client = paper.New(venue, cfg.Paper.Balances, cfg.Runtime.FeeRate, log)
	}
	client = exchange.NewThrottle(client, cfg.Exchange.RateLimit, cfg.Exchange.RateBurst)

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.WithError(err).Error("Сервер метрик остановлен с ошибкой.")
			}
		}()
	}

	eng := engine.New(watcher, client, st, log)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := eng.Start(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Fatal("\"Двигатель\" завершился с ошибкой.")
		}
	}()

	select {
	case <-sigCh:
	case <-stopped:
	}

	cancel()
	<-stopped

	log.Info("Бот остановлен.")
}
