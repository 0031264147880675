package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rebuybot/internal/config"
	"rebuybot/internal/exchange"
	"rebuybot/internal/exchange/paper"
	"rebuybot/internal/logger"
	"rebuybot/internal/models"
	"rebuybot/internal/store"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var btcRules = models.TradingRules{
	TickSize:    d("0.01"),
	StepSize:    d("0.000001"),
	MinQty:      d("0.000001"),
	MinNotional: d("5"),
	BaseCoin:    "BTC",
	QuoteCoin:   "USDT",
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedClient wraps the paper exchange with counters and injectable failures.
type scriptedClient struct {
	exchange.Client

	mu           sync.Mutex
	places       int
	cancels      int
	cancelResult exchange.CancelResult
	placeErr     error
	panicSymbol  string
}

func (c *scriptedClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	boom := c.panicSymbol != "" && c.panicSymbol == symbol
	c.mu.Unlock()
	if boom {
		panic("price feed exploded")
	}
	return c.Client.GetPrice(ctx, symbol)
}

func (c *scriptedClient) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (models.Order, error) {
	c.mu.Lock()
	c.places++
	err := c.placeErr
	c.mu.Unlock()
	if err != nil {
		return models.Order{}, err
	}
	return c.Client.PlaceLimitOrder(ctx, req)
}

func (c *scriptedClient) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResult, error) {
	c.mu.Lock()
	c.cancels++
	forced := c.cancelResult
	c.mu.Unlock()
	if forced != "" {
		return forced, nil
	}
	return c.Client.CancelOrder(ctx, symbol, orderID)
}

func (c *scriptedClient) counts() (places, cancels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.places, c.cancels
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Current() *config.Config {
	return s.cfg
}

func testConfig() *config.Config {
	girl := models.NewStrategy("crazy_girl", models.StrategyKindProportional, d("0.001"), d("0.996"), 60*time.Second, 120*time.Second)
	return &config.Config{
		Runtime: config.RuntimeConfig{
			Power:             true,
			TickInterval:      time.Second,
			HeartbeatInterval: time.Minute,
			FeeRate:           d("0.00075"),
			OrphanMargin:      d("0.25"),
			Version:           "test",
		},
		Strategies: map[string]models.Strategy{"crazy_girl": girl},
		Pairs: map[string]config.PairConfig{
			"BTCUSDT": {
				Symbol:             "BTCUSDT",
				TradingPercentage:  d("1"),
				StrategyAllocation: map[string]decimal.Decimal{"crazy_girl": d("0.2")},
			},
		},
		Generation: 1,
	}
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	cfg    *config.Config
	clock  *fakeClock
	market *paper.StaticMarket
	ex     *paper.Exchange
	client *scriptedClient
	store  *store.Store
	engine *Engine
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := logger.NewWriter(io.Discard, "error")

	market := paper.NewStaticMarket()
	market.SetPrice("BTCUSDT", d("60000"))
	market.SetRules("BTCUSDT", btcRules)

	ex := paper.New(market, map[string]decimal.Decimal{"BTC": d("0.01"), "USDT": d("1000")}, cfg.Runtime.FeeRate, log)
	ex.SetClock(clock.Now)
	client := &scriptedClient{Client: ex}

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	opts = append([]Option{WithClock(clock.Now), WithRetryBase(time.Millisecond)}, opts...)
	return &harness{
		t:      t,
		ctx:    context.Background(),
		cfg:    cfg,
		clock:  clock,
		market: market,
		ex:     ex,
		client: client,
		store:  st,
		engine: New(staticConfig{cfg: cfg}, client, st, log, opts...),
	}
}

func (h *harness) env() stepEnv {
	strategy, _ := h.cfg.Strategy("crazy_girl")
	pair, _ := h.cfg.Pair("BTCUSDT")
	return stepEnv{
		cfg:      h.cfg,
		target:   config.Target{Symbol: "BTCUSDT", Strategy: "crazy_girl", Allocation: pair.StrategyAllocation["crazy_girl"]},
		pair:     pair,
		strategy: strategy,
		rules:    btcRules,
		now:      h.clock.Now(),
	}
}

func (h *harness) step(c models.PairStrategyContext) stepOutcome {
	h.t.Helper()
	return h.engine.step(h.ctx, h.env(), c)
}

func (h *harness) mustStep(c models.PairStrategyContext) stepOutcome {
	h.t.Helper()
	out := h.step(c)
	if out.err != nil {
		h.t.Fatalf("step from %s: %v", c.State, out.err)
	}
	return out
}

// sellPlaced drives a fresh context to SELLING at the default price.
func (h *harness) sellPlaced() models.PairStrategyContext {
	h.t.Helper()
	out := h.mustStep(models.NewContext("BTCUSDT", "crazy_girl"))
	if out.next.State != models.TradeStateSelling || out.next.ActiveSellOrder == nil {
		h.t.Fatalf("expected SELLING with an active sell, got %+v", out.next)
	}
	return out.next
}

// buyPlaced fills the sell and returns the COOLDOWN context.
func (h *harness) buyPlaced() models.PairStrategyContext {
	h.t.Helper()
	c := h.sellPlaced()
	h.market.SetPrice("BTCUSDT", d("60100"))
	out := h.mustStep(c)
	if out.next.State != models.TradeStateCooldown || out.next.ActiveBuyOrder == nil {
		h.t.Fatalf("expected COOLDOWN with a buy-back, got %+v", out.next)
	}
	return out.next
}
