package engine

import (
	"context"
	"testing"
	"time"

	"rebuybot/internal/config"
	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) countOrders(side models.OrderSide, strategy string) int {
	history, err := h.ex.GetOrderHistory(h.ctx, "BTCUSDT", time.Time{})
	if err != nil {
		return 0
	}
	n := 0
	for _, o := range history {
		if o.Side == side && ownedBy(o, strategy) {
			n++
		}
	}
	return n
}

func startEngine(t *testing.T, run func(context.Context) error) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()
	return func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				t.Errorf("engine stopped with %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("engine did not stop")
		}
	}
}

func fastConfig() *config.Config {
	cfg := testConfig()
	cfg.Runtime.TickInterval = 10 * time.Millisecond
	return cfg
}

func TestStartCompletesCycle(t *testing.T) {
	h := newHarness(t, fastConfig(), WithClock(time.Now))
	h.ex.SetClock(time.Now)
	stop := startEngine(t, h.engine.Start)

	waitFor(t, "the first sell", func() bool { return h.countOrders(models.OrderSideSell, "crazy_girl") == 1 })
	h.market.SetPrice("BTCUSDT", d("60100"))
	waitFor(t, "the buy-back", func() bool { return h.countOrders(models.OrderSideBuy, "crazy_girl") == 1 })
	h.market.SetPrice("BTCUSDT", d("59700"))
	waitFor(t, "the next cycle", func() bool { return h.countOrders(models.OrderSideSell, "crazy_girl") == 2 })
	stop()

	profit, err := h.store.PairProfit(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("PairProfit: %v", err)
	}
	if !profit.Equal(d("0.42027")) {
		t.Errorf("realized profit = %s, want 0.42027", profit)
	}

	if _, found, err := h.store.LoadContext(context.Background(), "BTCUSDT", "crazy_girl"); err != nil || !found {
		t.Fatalf("LoadContext: found=%v err=%v", found, err)
	}

	hb, found, err := h.store.LastHeartbeat(context.Background())
	if err != nil || !found {
		t.Fatalf("LastHeartbeat: found=%v err=%v", found, err)
	}
	if hb.Status != "on" || hb.Contexts != 1 {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestRunIsolatesFailingContexts(t *testing.T) {
	cfg := fastConfig()
	btc := cfg.Pairs["BTCUSDT"]
	btc.StrategyAllocation["ghost"] = d("0.1")
	cfg.Pairs["ETHUSDT"] = config.PairConfig{
		Symbol:             "ETHUSDT",
		TradingPercentage:  d("1"),
		StrategyAllocation: map[string]decimal.Decimal{"crazy_girl": d("0.2")},
	}

	h := newHarness(t, cfg, WithClock(time.Now))
	h.ex.SetClock(time.Now)
	h.market.SetPrice("ETHUSDT", d("3000"))
	h.market.SetRules("ETHUSDT", models.TradingRules{
		TickSize:    d("0.01"),
		StepSize:    d("0.0001"),
		MinNotional: d("5"),
		BaseCoin:    "ETH",
		QuoteCoin:   "USDT",
	})
	h.client.panicSymbol = "ETHUSDT"

	stop := startEngine(t, h.engine.Run)
	waitFor(t, "the healthy sell", func() bool { return h.countOrders(models.OrderSideSell, "crazy_girl") == 1 })
	time.Sleep(50 * time.Millisecond)
	stop()

	if n := h.countOrders(models.OrderSideSell, "ghost"); n != 0 {
		t.Errorf("ghost placed %d orders", n)
	}
	ghost := h.engine.slots[models.ContextKey("BTCUSDT", "ghost")]
	if ghost == nil || ghost.disabledGen != cfg.Generation {
		t.Errorf("ghost slot = %+v, want disabled for generation %d", ghost, cfg.Generation)
	}
	eth := h.engine.slots[models.ContextKey("ETHUSDT", "crazy_girl")]
	if eth == nil || eth.disabledGen != 0 || eth.running {
		t.Errorf("eth slot = %+v, want enabled and idle after panics", eth)
	}
}

func TestRunPowerOffPlacesNothing(t *testing.T) {
	cfg := fastConfig()
	cfg.Runtime.Power = false
	h := newHarness(t, cfg, WithClock(time.Now))
	h.ex.SetClock(time.Now)

	stop := startEngine(t, h.engine.Run)
	time.Sleep(60 * time.Millisecond)
	stop()

	if places, _ := h.client.counts(); places != 0 {
		t.Errorf("places = %d, want none while powered off", places)
	}
	hb, found, err := h.store.LastHeartbeat(context.Background())
	if err != nil || !found || hb.Status != "off" {
		t.Errorf("heartbeat = %+v found=%v err=%v", hb, found, err)
	}
}

func TestSyncSlotsReenablesOnNewGeneration(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	e := h.engine

	e.syncSlots(cfg)
	key := models.ContextKey("BTCUSDT", "crazy_girl")
	e.slots[key].disabledGen = cfg.Generation
	e.slots[key].needsReconcile = false

	e.syncSlots(cfg)
	if e.slots[key].disabledGen == 0 {
		t.Fatal("slot re-enabled without a config change")
	}

	next := testConfig()
	next.Generation = cfg.Generation + 1
	e.syncSlots(next)
	if e.slots[key].disabledGen != 0 || !e.slots[key].needsReconcile {
		t.Errorf("slot = %+v, want enabled and pending reconcile", e.slots[key])
	}

	next.Pairs = map[string]config.PairConfig{}
	e.syncSlots(next)
	if _, ok := e.slots[key]; ok {
		t.Error("slot of a removed target must be dropped")
	}
}

func TestReportLastRunMeasuresDowntime(t *testing.T) {
	h := newHarness(t, testConfig())

	if gap := h.engine.reportLastRun(h.ctx); gap != 0 {
		t.Errorf("first run gap = %s, want 0", gap)
	}

	if err := h.store.SaveHeartbeat(h.ctx, models.Heartbeat{
		Timestamp: h.clock.Now(),
		Status:    "on",
		Version:   "previous",
	}); err != nil {
		t.Fatalf("SaveHeartbeat: %v", err)
	}
	h.clock.Advance(5 * time.Minute)

	if gap := h.engine.reportLastRun(h.ctx); gap != 5*time.Minute {
		t.Errorf("gap = %s, want 5m", gap)
	}
}
