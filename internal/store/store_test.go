package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSaveAndLoadContext(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	if _, found, err := s.LoadContext(ctx, "BTCUSDT", "crazy_girl"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := models.NewContext("BTCUSDT", "crazy_girl")
	c.State = models.TradeStateSelling
	c.CycleID = "abc123"
	c.UpdatedAt = now
	c.ActiveSellOrder = &models.Order{
		ID:             "42",
		LinkID:         "crazy_girl-abc123-sell",
		Symbol:         "BTCUSDT",
		Strategy:       "crazy_girl",
		Side:           models.OrderSideSell,
		Type:           models.OrderTypeLimit,
		Price:          d("60060.00"),
		Qty:            d("0.002"),
		Status:         models.OrderStatusNew,
		TargetBuyPrice: d("59760.00"),
		CreateTime:     now,
	}

	if err := s.SaveContext(ctx, c); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	loaded, found, err := s.LoadContext(ctx, "BTCUSDT", "crazy_girl")
	if err != nil || !found {
		t.Fatalf("LoadContext: found=%v err=%v", found, err)
	}
	if loaded.State != models.TradeStateSelling || loaded.CycleID != "abc123" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.ActiveSellOrder == nil || !loaded.ActiveSellOrder.TargetBuyPrice.Equal(d("59760")) {
		t.Fatalf("active sell = %+v", loaded.ActiveSellOrder)
	}
	if !loaded.UpdatedAt.Equal(now) {
		t.Errorf("updated at = %s, want %s", loaded.UpdatedAt, now)
	}

	orders, err := s.LoadOrders(ctx, "BTCUSDT", "crazy_girl")
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "42" {
		t.Fatalf("referenced order must be saved with the context: %+v", orders)
	}
	if !orders[0].Price.Equal(d("60060")) {
		t.Errorf("order price = %s", orders[0].Price)
	}
}

func TestSaveContextOverwrites(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	c := models.NewContext("ETHUSDT", "sensible_guy")
	c.State = models.TradeStateCooldown
	if err := s.SaveContext(ctx, c); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	c.ResetToMonitoring(time.Now().UTC())
	if err := s.SaveContext(ctx, c); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	all, err := s.LoadContexts(ctx)
	if err != nil {
		t.Fatalf("LoadContexts failed: %v", err)
	}
	if len(all) != 1 || all[0].State != models.TradeStateMonitoring {
		t.Errorf("contexts = %+v", all)
	}
}

func TestSaveOrdersUpsertAndPairProfit(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	orders := []models.Order{
		{ID: "s1", Symbol: "BTCUSDT", Strategy: "g", Side: models.OrderSideSell, Status: models.OrderStatusFilled, Qty: d("1"), CreateTime: t0},
		{ID: "b1", Symbol: "BTCUSDT", Strategy: "g", Side: models.OrderSideBuy, Status: models.OrderStatusNew, Qty: d("1"), CreateTime: t0.Add(time.Minute)},
		{ID: "b2", Symbol: "BTCUSDT", Strategy: "h", Side: models.OrderSideBuy, Status: models.OrderStatusFilled, Profit: d("0.25"), CreateTime: t0.Add(2 * time.Minute)},
		{ID: "b3", Symbol: "ETHUSDT", Strategy: "g", Side: models.OrderSideBuy, Status: models.OrderStatusFilled, Profit: d("9"), CreateTime: t0},
	}
	if err := s.SaveOrders(ctx, orders...); err != nil {
		t.Fatalf("SaveOrders failed: %v", err)
	}

	filled := orders[1]
	filled.Status = models.OrderStatusFilled
	filled.FilledQty = d("1")
	filled.Profit = d("0.125")
	if err := s.SaveOrders(ctx, filled); err != nil {
		t.Fatalf("SaveOrders upsert failed: %v", err)
	}

	loaded, err := s.LoadOrders(ctx, "BTCUSDT", "g")
	if err != nil {
		t.Fatalf("LoadOrders failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "s1" || loaded[1].Status != models.OrderStatusFilled {
		t.Fatalf("orders = %+v", loaded)
	}

	profit, err := s.PairProfit(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("PairProfit failed: %v", err)
	}
	if !profit.Equal(d("0.375")) {
		t.Errorf("profit = %s, want 0.375", profit)
	}
}

func TestHeartbeatKeepsLatest(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)

	for i, status := range []string{"on", "off"} {
		hb := models.Heartbeat{
			Timestamp: time.Unix(int64(1000+i), 0).UTC(),
			Status:    status,
			Version:   "1.0.0",
			Contexts:  3,
		}
		if err := s.SaveHeartbeat(ctx, hb); err != nil {
			t.Fatalf("SaveHeartbeat failed: %v", err)
		}
	}

	hb, found, err := s.LastHeartbeat(ctx)
	if err != nil || !found {
		t.Fatalf("LastHeartbeat: found=%v err=%v", found, err)
	}
	if hb.Status != "off" || hb.Contexts != 3 {
		t.Errorf("heartbeat = %+v", hb)
	}
}
