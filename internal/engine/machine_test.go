package engine

import (
	"errors"
	"testing"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

func pairGauge(t *testing.T, name, symbol string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "symbol" && lp.GetValue() == symbol {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{symbol=%s} not found", name, symbol)
	return 0
}

func TestMonitoringPlacesSell(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.sellPlaced()

	sell := c.ActiveSellOrder
	if !sell.Price.Equal(d("60060")) || !sell.Qty.Equal(d("0.002")) {
		t.Errorf("sell = %s @ %s, want 0.002 @ 60060.00", sell.Qty, sell.Price)
	}
	if !sell.TargetBuyPrice.Equal(d("59760")) {
		t.Errorf("target buy price = %s, want 59760.00", sell.TargetBuyPrice)
	}
	link, ok := parseLinkID(sell.LinkID)
	if !ok || link.Strategy != "crazy_girl" || link.Leg != legSell || link.CycleID != c.CycleID {
		t.Errorf("link id %q does not tag the cycle %s", sell.LinkID, c.CycleID)
	}
}

func TestMonitoringExportsHoldings(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sellPlaced()

	tests := []struct {
		name string
		want float64
	}{
		{"rebuybot_pair_free", 0.01},
		{"rebuybot_pair_locked", 0},
		{"rebuybot_pair_market_value", 600},
	}
	for _, tt := range tests {
		if v := pairGauge(t, tt.name, "BTCUSDT"); v != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, v, tt.want)
		}
	}
}

func TestSellingNeverPlacesSecondSell(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.sellPlaced()

	out := h.mustStep(c)
	if out.next.State != models.TradeStateSelling {
		t.Fatalf("state = %s, want SELLING while the sell rests", out.next.State)
	}

	stale := out.next.Clone()
	stale.State = models.TradeStateMonitoring
	out = h.mustStep(stale)
	if out.next.State != models.TradeStateSelling {
		t.Errorf("state = %s, want SELLING when an open sell is present", out.next.State)
	}

	if places, _ := h.client.counts(); places != 1 {
		t.Errorf("places = %d, want exactly one sell", places)
	}
}

func TestValidationSkipsSmallNotional(t *testing.T) {
	cfg := testConfig()
	pair := cfg.Pairs["BTCUSDT"]
	pair.TradingPercentage = d("0.5")
	cfg.Pairs["BTCUSDT"] = pair
	h := newHarness(t, cfg)

	env := h.env()
	env.rules.MinNotional = d("100")
	out := h.engine.step(h.ctx, env, models.NewContext("BTCUSDT", "crazy_girl"))
	if out.err != nil {
		t.Fatalf("step: %v", out.err)
	}
	if out.next.State != models.TradeStateMonitoring {
		t.Errorf("state = %s, want MONITORING when notional is below the minimum", out.next.State)
	}
	if places, _ := h.client.counts(); places != 0 {
		t.Errorf("places = %d, want none", places)
	}
}

func TestPlacementFailureKeepsState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.placeErr = models.NewTransportError("PlaceLimitOrder", errors.New("connection reset"))

	out := h.step(models.NewContext("BTCUSDT", "crazy_girl"))
	if !models.IsRetriable(out.err) {
		t.Fatalf("err = %v, want a retriable error", out.err)
	}
	if out.next.State != models.TradeStateMonitoring || out.next.ActiveSellOrder != nil {
		t.Errorf("context changed after a failed placement: %+v", out.next)
	}
}

func TestSellFillPlacesBuyBack(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.buyPlaced()

	if c.ActiveSellOrder != nil {
		t.Error("active sell must be cleared after the fill")
	}
	if c.ExecutedSellOrder == nil || !c.ExecutedSellOrder.ExecutedQty().Equal(d("0.002")) {
		t.Fatalf("executed sell = %+v", c.ExecutedSellOrder)
	}

	buy := c.ActiveBuyOrder
	if !buy.Price.Equal(d("59760")) || !buy.Qty.Equal(d("0.002")) {
		t.Errorf("buy = %s @ %s, want 0.002 @ 59760.00", buy.Qty, buy.Price)
	}
	if cycleOf(buy) != c.CycleID {
		t.Errorf("buy link %q is not in cycle %s", buy.LinkID, c.CycleID)
	}
	if !buy.Profit.Equal(d("0.42027")) {
		t.Errorf("expected profit = %s, want 0.42027", buy.Profit)
	}
}

func TestTimeoutCancelsOncePerTick(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.sellPlaced()
	h.client.cancelResult = exchange.CancelResultFailed
	h.clock.Advance(61 * time.Second)

	for i := 1; i <= 3; i++ {
		out := h.mustStep(c)
		c = out.next
		if c.State != models.TradeStateSelling {
			t.Fatalf("tick %d: state = %s, want SELLING after a failed cancel", i, c.State)
		}
		if _, cancels := h.client.counts(); cancels != i {
			t.Fatalf("tick %d: cancels = %d, want %d", i, cancels, i)
		}
		if !c.LastCancelAt.Equal(h.clock.Now()) {
			t.Fatalf("tick %d: last cancel = %s, want %s", i, c.LastCancelAt, h.clock.Now())
		}

		// A second step inside the same tick must not cancel again.
		c = h.mustStep(c).next
		if _, cancels := h.client.counts(); cancels != i {
			t.Fatalf("tick %d: repeated step cancels = %d, want %d", i, cancels, i)
		}
		h.clock.Advance(time.Second)
	}

	h.client.cancelResult = ""
	out := h.mustStep(c)
	if out.next.State != models.TradeStateMonitoring {
		t.Fatalf("state = %s, want MONITORING after the cancel", out.next.State)
	}
	if len(out.retired) != 1 || out.retired[0].Status != models.OrderStatusCanceled {
		t.Errorf("retired = %+v, want the canceled sell", out.retired)
	}
}

func TestCancelAlreadyFilledTakesFillPath(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.sellPlaced()
	h.client.cancelResult = exchange.CancelResultAlreadyFilled
	h.clock.Advance(61 * time.Second)

	out := h.mustStep(c)
	if out.next.State != models.TradeStateCooldown {
		t.Fatalf("state = %s, want COOLDOWN", out.next.State)
	}
	if out.next.ActiveBuyOrder == nil {
		t.Fatal("buy-back was not placed")
	}
	if !out.next.ExecutedSellOrder.FilledQty.Equal(d("0.002")) {
		t.Errorf("executed qty = %s", out.next.ExecutedSellOrder.FilledQty)
	}
}

func TestSellCanceledExternally(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.sellPlaced()

	if _, err := h.ex.CancelOrder(h.ctx, "BTCUSDT", c.ActiveSellOrder.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	out := h.mustStep(c)
	if out.next.State != models.TradeStateMonitoring || out.next.CycleID != "" {
		t.Errorf("context = %+v, want a fresh MONITORING", out.next)
	}
	if _, cancels := h.client.counts(); cancels != 0 {
		t.Errorf("cancels = %d, want none", cancels)
	}
}

func TestCooldownBuyFillReturnsToMonitoring(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.buyPlaced()

	out := h.mustStep(c)
	if out.next.State != models.TradeStateCooldown {
		t.Fatalf("state = %s, want COOLDOWN while the buy rests", out.next.State)
	}

	h.market.SetPrice("BTCUSDT", d("59700"))
	out = h.mustStep(out.next)
	if out.next.State != models.TradeStateMonitoring {
		t.Fatalf("state = %s, want MONITORING after the buy fill", out.next.State)
	}

	var buy *models.Order
	for i := range out.retired {
		if out.retired[i].Side == models.OrderSideBuy {
			buy = &out.retired[i]
		}
	}
	if buy == nil || buy.Status != models.OrderStatusFilled {
		t.Fatalf("retired = %+v, want the filled buy", out.retired)
	}
	if !buy.Profit.IsPositive() {
		t.Errorf("profit = %s, want positive", buy.Profit)
	}
}

func TestCooldownTimerWithoutBuy(t *testing.T) {
	h := newHarness(t, testConfig())
	now := h.clock.Now()

	c := models.NewContext("BTCUSDT", "crazy_girl")
	c.State = models.TradeStateCooldown
	c.CycleID = "abcdef012345"
	c.ExecutedSellOrder = &models.Order{
		ID:         "s1",
		LinkID:     linkID("crazy_girl", "abcdef012345", legSell),
		Symbol:     "BTCUSDT",
		Side:       models.OrderSideSell,
		Price:      d("60060"),
		Qty:        d("0.000001"),
		Status:     models.OrderStatusFilled,
		CreateTime: now.Add(-time.Minute),
		UpdateTime: now.Add(-30 * time.Second),
	}

	out := h.mustStep(c)
	if out.next.State != models.TradeStateCooldown {
		t.Fatalf("state = %s, want COOLDOWN before the timer expires", out.next.State)
	}

	h.clock.Advance(91 * time.Second)
	out = h.mustStep(out.next)
	if out.next.State != models.TradeStateMonitoring {
		t.Errorf("state = %s, want MONITORING after the cooldown", out.next.State)
	}
}

func TestBuyCanceledExternallyFollowsTimer(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.buyPlaced()

	if _, err := h.ex.CancelOrder(h.ctx, "BTCUSDT", c.ActiveBuyOrder.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	out := h.mustStep(c)
	if out.next.State != models.TradeStateCooldown || out.next.ActiveBuyOrder != nil {
		t.Fatalf("context = %+v, want COOLDOWN without a buy", out.next)
	}
	if len(out.retired) != 1 || out.retired[0].Status != models.OrderStatusCanceled {
		t.Errorf("retired = %+v, want the canceled buy", out.retired)
	}

	h.clock.Advance(121 * time.Second)
	out = h.mustStep(out.next)
	if out.next.State != models.TradeStateMonitoring {
		t.Errorf("state = %s, want MONITORING after the cooldown", out.next.State)
	}
}

func TestTinyFillSkipsBuyBack(t *testing.T) {
	h := newHarness(t, testConfig())

	c := models.NewContext("BTCUSDT", "crazy_girl")
	c.State = models.TradeStateSelling
	c.CycleID = "abcdef012345"
	c.ExecutedSellOrder = &models.Order{
		ID:             "s1",
		LinkID:         linkID("crazy_girl", "abcdef012345", legSell),
		Symbol:         "BTCUSDT",
		Side:           models.OrderSideSell,
		Price:          d("60060"),
		Qty:            d("0.002"),
		FilledQty:      d("0.00005"),
		Status:         models.OrderStatusCanceled,
		TargetBuyPrice: d("59760"),
		UpdateTime:     h.clock.Now(),
	}

	out := h.mustStep(c)
	if out.next.State != models.TradeStateCooldown || out.next.ActiveBuyOrder != nil {
		t.Errorf("context = %+v, want COOLDOWN without a buy", out.next)
	}
	if places, _ := h.client.counts(); places != 0 {
		t.Errorf("places = %d, want none below the minimum notional", places)
	}
}
