package paper

import (
	"context"
	"fmt"
	"sync"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

// StaticMarket is a settable price source for offline runs and tests.
type StaticMarket struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	rules  map[string]models.TradingRules
}

func NewStaticMarket() *StaticMarket {
	return &StaticMarket{
		prices: map[string]decimal.Decimal{},
		rules:  map[string]models.TradingRules{},
	}
}

func (m *StaticMarket) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *StaticMarket) SetRules(symbol string, rules models.TradingRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[symbol] = rules
}

func (m *StaticMarket) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("Нет цены для %s", symbol)
	}
	return price, nil
}

func (m *StaticMarket) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules, ok := m.rules[symbol]
	if !ok {
		return models.TradingRules{}, fmt.Errorf("%s: %w", symbol, models.ErrRulesMissing)
	}
	return rules, nil
}
