package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"rebuybot/internal/config"
	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/metrics"
	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ConfigSource hands out the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Config
}

type StateStore interface {
	LoadContexts(ctx context.Context) ([]models.PairStrategyContext, error)
	LoadContext(ctx context.Context, symbol, strategy string) (models.PairStrategyContext, bool, error)
	SaveContext(ctx context.Context, c models.PairStrategyContext) error
	LoadOrders(ctx context.Context, symbol, strategy string) ([]models.Order, error)
	SaveOrders(ctx context.Context, orders ...models.Order) error
	PairProfit(ctx context.Context, symbol string) (decimal.Decimal, error)
	SaveHeartbeat(ctx context.Context, hb models.Heartbeat) error
	LastHeartbeat(ctx context.Context) (models.Heartbeat, bool, error)
}

var errStepPanic = errors.New("panic in step")

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRetryBase sets the first backoff of startup retries.
func WithRetryBase(d time.Duration) Option {
	return func(e *Engine) {
		e.retryBase = d
	}
}

// Engine schedules one step per context per tick. Contexts run concurrently
// but a single context never has two steps in flight; the slot table is
// owned by the Run loop alone.
type Engine struct {
	cfg        ConfigSource
	client     exchange.Client
	store      StateStore
	log        *logger.Logger
	orders     *Lifecycle
	reconciler *Reconciler
	now        func() time.Time
	retryBase  time.Duration

	rulesMu sync.RWMutex
	rules   map[string]models.TradingRules

	slots         map[string]*slot
	running       int
	powered       bool
	lastHeartbeat time.Time
}

type slot struct {
	target         config.Target
	state          models.PairStrategyContext
	loaded         bool
	running        bool
	lastStart      time.Time
	dirty          bool
	needsReconcile bool
	disabledGen    uint64
	removed        bool
}

type slotJob struct {
	key        string
	target     config.Target
	state      models.PairStrategyContext
	loaded     bool
	dirty      bool
	reconcile  bool
	generation uint64
}

type slotResult struct {
	key        string
	state      models.PairStrategyContext
	loaded     bool
	dirty      bool
	reconciled bool
	generation uint64
	err        error
}

func New(cfg ConfigSource, client exchange.Client, store StateStore, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		client:    client,
		store:     store,
		log:       log,
		orders:    NewLifecycle(client, log),
		now:       time.Now,
		retryBase: time.Second,
		rules:     make(map[string]models.TradingRules),
		slots:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reconciler = NewReconciler(client, log, e.now)
	return e
}

// Start loads trading rules for every configured pair and runs the loop
// until ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	cfg := e.cfg.Current()
	e.reportLastRun(ctx)
	for _, symbol := range cfg.SortedSymbols() {
		rules, err := withRetry(ctx, e, 5, func() (models.TradingRules, error) {
			return e.client.GetTradingRules(ctx, symbol)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logEntry().WithError(err).WithField("symbol", symbol).Error("Не удалось получить ограничения торговой пары.")
			continue
		}
		e.setRules(symbol, rules)
		e.log.WithSymbol(symbol).WithFields(logrus.Fields{
			"tick_size":    rules.TickSize.String(),
			"step_size":    rules.StepSize.String(),
			"min_qty":      rules.MinQty.String(),
			"min_notional": rules.MinNotional.String(),
		}).Info("Получены ограничения торговой пары.")

		e.reportPair(ctx, cfg, symbol)
	}
	e.reportContexts(ctx, cfg)
	return e.Run(ctx)
}

// reportContexts logs persisted contexts, flagging those no longer configured.
func (e *Engine) reportContexts(ctx context.Context, cfg *config.Config) {
	saved, err := e.store.LoadContexts(ctx)
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось прочитать сохранённые контексты.")
		return
	}
	active := make(map[string]bool)
	for _, t := range cfg.Targets() {
		active[models.ContextKey(t.Symbol, t.Strategy)] = true
	}
	for _, c := range saved {
		entry := e.contextEntry(c.Symbol, c.Strategy).WithFields(logrus.Fields{
			"state": c.State,
			"cycle": c.CycleID,
		})
		if !active[c.Key()] && c.MidCycle() {
			entry.Warn("Сохранённый контекст в середине цикла отсутствует в конфигурации.")
			continue
		}
		entry.Debug("Сохранённый контекст.")
	}
}

func (e *Engine) Run(ctx context.Context) error {
	cfg := e.cfg.Current()
	e.powered = cfg.Runtime.Power
	metrics.SetPower(e.powered)
	e.logEntry().WithFields(logrus.Fields{
		"power":   e.powered,
		"dry_run": cfg.Runtime.DryRun,
		"tick":    cfg.Runtime.TickInterval.String(),
	}).Info("Планировщик запущен.")

	var events <-chan exchange.Event
	if s, ok := e.client.(exchange.Streamer); ok {
		events = s.Events()
	}

	done := make(chan slotResult)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain(done)
			e.logEntry().Info("Планировщик остановлен.")
			return nil
		case res := <-done:
			e.apply(res)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type == exchange.EventTypeReconnect {
				e.logEntry().Warn("Поток переподключён, все контексты будут сверены с биржей.")
				e.markReconcile()
			}
			continue
		case <-timer.C:
		}

		cfg = e.cfg.Current()
		e.syncSlots(cfg)
		e.syncPower(cfg)
		if e.powered {
			e.dispatch(ctx, cfg, done)
		}
		e.heartbeat(ctx, cfg)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.nextWait(cfg))
	}
}

func (e *Engine) drain(done <-chan slotResult) {
	for e.running > 0 {
		e.apply(<-done)
	}
}

// syncSlots adds slots for new targets and retires slots whose target was
// removed. A removed context keeps its persisted state.
func (e *Engine) syncSlots(cfg *config.Config) {
	seen := make(map[string]bool)
	for _, t := range cfg.Targets() {
		key := models.ContextKey(t.Symbol, t.Strategy)
		seen[key] = true

		sl, ok := e.slots[key]
		if !ok {
			e.slots[key] = &slot{target: t, needsReconcile: true}
			e.contextEntry(t.Symbol, t.Strategy).WithField("allocation", t.Allocation.String()).Info("Контекст добавлен.")
			continue
		}
		sl.target = t
		sl.removed = false
		if sl.disabledGen != 0 && sl.disabledGen != cfg.Generation {
			sl.disabledGen = 0
			sl.needsReconcile = true
			e.contextEntry(t.Symbol, t.Strategy).Info("Конфигурация изменилась, контекст снова включён.")
		}
	}

	for key, sl := range e.slots {
		if seen[key] {
			continue
		}
		if sl.running {
			sl.removed = true
			continue
		}
		delete(e.slots, key)
		e.contextEntry(sl.target.Symbol, sl.target.Strategy).Info("Контекст удалён из конфигурации, состояние сохранено.")
	}
}

func (e *Engine) syncPower(cfg *config.Config) {
	if cfg.Runtime.Power == e.powered {
		return
	}
	e.powered = cfg.Runtime.Power
	metrics.SetPower(e.powered)
	if e.powered {
		e.logEntry().Info("Торговля включена, контексты будут сверены с биржей.")
		e.markReconcile()
		return
	}
	e.logEntry().Warn("Торговля выключена, новые шаги не запускаются.")
}

func (e *Engine) markReconcile() {
	for _, sl := range e.slots {
		sl.needsReconcile = true
	}
}

func (e *Engine) dispatch(ctx context.Context, cfg *config.Config, done chan<- slotResult) {
	now := e.now()
	keys := make([]string, 0, len(e.slots))
	for key := range e.slots {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		sl := e.slots[key]
		if sl.running || sl.removed || sl.disabledGen != 0 {
			continue
		}
		if !sl.lastStart.IsZero() && now.Sub(sl.lastStart) < cfg.Runtime.TickInterval {
			continue
		}
		sl.running = true
		sl.lastStart = now
		e.running++

		job := slotJob{
			key:        key,
			target:     sl.target,
			state:      sl.state,
			loaded:     sl.loaded,
			dirty:      sl.dirty,
			reconcile:  sl.needsReconcile,
			generation: cfg.Generation,
		}
		go e.runSlot(ctx, cfg, job, done)
	}
}

// nextWait is the time until the earliest idle slot is due.
func (e *Engine) nextWait(cfg *config.Config) time.Duration {
	tick := cfg.Runtime.TickInterval
	if !e.powered {
		return tick
	}
	now := e.now()
	wait := tick
	for _, sl := range e.slots {
		if sl.running || sl.removed || sl.disabledGen != 0 {
			continue
		}
		due := sl.lastStart.Add(tick).Sub(now)
		if due < wait {
			wait = due
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (e *Engine) runSlot(ctx context.Context, cfg *config.Config, job slotJob, done chan<- slotResult) {
	res := slotResult{
		key:        job.key,
		state:      job.state,
		loaded:     job.loaded,
		dirty:      job.dirty,
		generation: job.generation,
	}
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("%w: %v", errStepPanic, r)
			e.contextEntry(job.target.Symbol, job.target.Strategy).WithField("stack", string(debug.Stack())).Error("Паника в шаге контекста.")
		}
		metrics.ObserveStep(job.target.Strategy, time.Since(started))
		done <- res
	}()

	e.execute(ctx, cfg, job, &res)
}

func (e *Engine) execute(ctx context.Context, cfg *config.Config, job slotJob, res *slotResult) {
	symbol, name := job.target.Symbol, job.target.Strategy
	entry := e.contextEntry(symbol, name)

	if !res.loaded {
		persisted, found, err := e.store.LoadContext(ctx, symbol, name)
		if err != nil {
			res.err = err
			return
		}
		if !found {
			persisted = models.NewContext(symbol, name)
		}
		res.state = persisted
		res.loaded = true
		metrics.SetState(symbol, name, string(persisted.State))
	}

	if res.dirty {
		if err := e.store.SaveContext(ctx, res.state); err != nil {
			res.err = err
			return
		}
		res.dirty = false
	}

	strategy, ok := cfg.Strategy(name)
	if !ok {
		res.err = &models.ConfigError{Field: "strategies." + name, Err: errors.New("стратегия не описана")}
		return
	}
	pairCfg, ok := cfg.Pair(symbol)
	if !ok {
		res.err = &models.ConfigError{Field: "pairs." + symbol, Err: errors.New("пара не описана")}
		return
	}
	rules, err := e.rulesFor(ctx, symbol, job.reconcile)
	if err != nil {
		res.err = err
		return
	}

	if job.reconcile {
		persistedOrders, err := e.store.LoadOrders(ctx, symbol, name)
		if err != nil {
			res.err = err
			return
		}
		out, err := e.reconciler.Reconcile(ctx, ReconcileInput{
			Strategy:  strategy,
			Rules:     rules,
			FeeRate:   cfg.Runtime.FeeRate,
			Persisted: res.state,
			Orders:    persistedOrders,
		})
		if err != nil {
			res.err = err
			return
		}
		if len(out.Upserts) > 0 {
			if err := e.store.SaveOrders(ctx, out.Upserts...); err != nil {
				res.err = err
				return
			}
		}
		if err := e.store.SaveContext(ctx, out.Context); err != nil {
			res.err = err
			return
		}
		if out.Context.State != res.state.State {
			metrics.RecordTransition(symbol, name, string(res.state.State), string(out.Context.State))
		}
		res.state = out.Context
		res.reconciled = true
		e.refreshProfit(ctx, symbol, out.Upserts)
	}

	env := stepEnv{
		cfg:      cfg,
		target:   job.target,
		pair:     pairCfg,
		strategy: strategy,
		rules:    rules,
		now:      e.now(),
	}
	from := res.state.State
	out := e.step(ctx, env, res.state)
	res.state = out.next

	if from != out.next.State {
		metrics.RecordTransition(symbol, name, string(from), string(out.next.State))
		entry.WithFields(logrus.Fields{
			"from":  from,
			"to":    out.next.State,
			"cycle": out.next.CycleID,
		}).Info("Смена состояния.")
	}

	if err := e.store.SaveContext(ctx, out.next); err != nil {
		res.dirty = true
		metrics.IncStepError(symbol, name, "save")
		entry.WithError(err).Error("Не удалось сохранить состояние, повтор перед следующим шагом.")
	}
	if len(out.retired) > 0 {
		if err := e.store.SaveOrders(ctx, out.retired...); err != nil {
			entry.WithError(err).Warn("Не удалось сохранить завершённые ордера.")
		} else {
			e.refreshProfit(ctx, symbol, out.retired)
		}
	}

	res.err = out.err
}

func (e *Engine) apply(res slotResult) {
	e.running--
	sl, ok := e.slots[res.key]
	if !ok {
		return
	}
	sl.running = false
	sl.state = res.state
	sl.loaded = res.loaded
	sl.dirty = res.dirty
	if res.reconciled {
		sl.needsReconcile = false
	}
	metrics.SetState(sl.target.Symbol, sl.target.Strategy, string(res.state.State))

	if sl.removed {
		delete(e.slots, res.key)
		e.contextEntry(sl.target.Symbol, sl.target.Strategy).Info("Контекст удалён из конфигурации, состояние сохранено.")
		return
	}
	if res.err == nil {
		return
	}

	entry := e.contextEntry(sl.target.Symbol, sl.target.Strategy).WithError(res.err)
	switch {
	case errors.Is(res.err, context.Canceled):
	case models.IsConfigError(res.err):
		sl.disabledGen = res.generation
		metrics.IncStepError(sl.target.Symbol, sl.target.Strategy, "config")
		entry.Error("Ошибка конфигурации, контекст отключён до изменения конфигурации.")
	case errors.Is(res.err, models.ErrOrderNotFound):
		sl.needsReconcile = true
		metrics.IncStepError(sl.target.Symbol, sl.target.Strategy, "resync")
		entry.Warn("Ордер контекста не найден на бирже, сверка на следующем тике.")
	case models.IsRetriable(res.err):
		metrics.IncStepError(sl.target.Symbol, sl.target.Strategy, "transport")
		entry.Warn("Временная ошибка, повтор на следующем тике.")
	case errors.Is(res.err, errStepPanic):
		metrics.IncStepError(sl.target.Symbol, sl.target.Strategy, "panic")
		entry.Error("Шаг контекста прерван паникой, повтор на следующем тике.")
	default:
		metrics.IncStepError(sl.target.Symbol, sl.target.Strategy, "other")
		entry.Error("Ошибка шага контекста.")
	}
}

func (e *Engine) setRules(symbol string, rules models.TradingRules) {
	e.rulesMu.Lock()
	e.rules[symbol] = rules
	e.rulesMu.Unlock()
}

// rulesFor returns cached rules; refresh forces a venue read, as rules may
// change while the bot was disconnected.
func (e *Engine) rulesFor(ctx context.Context, symbol string, refresh bool) (models.TradingRules, error) {
	if !refresh {
		e.rulesMu.RLock()
		rules, ok := e.rules[symbol]
		e.rulesMu.RUnlock()
		if ok {
			return rules, nil
		}
	}
	rules, err := e.client.GetTradingRules(ctx, symbol)
	if err != nil {
		if errors.Is(err, models.ErrRulesMissing) {
			return models.TradingRules{}, &models.ConfigError{Field: "pairs." + symbol, Err: err}
		}
		return models.TradingRules{}, err
	}
	e.setRules(symbol, rules)
	return rules, nil
}

// refreshProfit re-reads realized profit when a filled buy-back was stored.
func (e *Engine) refreshProfit(ctx context.Context, symbol string, orders []models.Order) {
	for _, o := range orders {
		if o.Side == models.OrderSideBuy && o.Status == models.OrderStatusFilled {
			e.exportProfit(ctx, symbol)
			return
		}
	}
}

func (e *Engine) exportProfit(ctx context.Context, symbol string) {
	profit, err := e.store.PairProfit(ctx, symbol)
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Не удалось прочитать прибыль пары.")
		return
	}
	value, _ := profit.Float64()
	metrics.SetRealizedProfit(symbol, value)
}
