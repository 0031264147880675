package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"rebuybot/internal/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve exposes /metrics and /healthz until ctx is done.
func Serve(ctx context.Context, addr string, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithComponent("metrics").WithField("addr", addr).Info("HTTP сервер метрик запущен")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
