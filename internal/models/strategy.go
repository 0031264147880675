package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind selects how a strategy sizes its sell slice. The sizing rule is
// bound once when the configuration is loaded.
type StrategyKind int

const (
	StrategyKindProportional StrategyKind = iota + 1
	StrategyKindFixedNotional
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyKindProportional:
		return "proportional"
	case StrategyKindFixedNotional:
		return "fixed_notional"
	default:
		return "unknown"
	}
}

func ParseStrategyKind(kind string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "proportional":
		return StrategyKindProportional, nil
	case "fixed_notional", "orphan":
		return StrategyKindFixedNotional, nil
	default:
		return 0, fmt.Errorf("Неизвестный тип стратегии: %s", kind)
	}
}

type SizingInput struct {
	Pair              TradingPair
	Allocation        decimal.Decimal
	TradingPercentage decimal.Decimal
	Margin            decimal.Decimal
}

type SizingRule func(in SizingInput) decimal.Decimal

func (k StrategyKind) SizingRule() SizingRule {
	switch k {
	case StrategyKindFixedNotional:
		return sizeFixedNotional
	default:
		return sizeProportional
	}
}

func sizeProportional(in SizingInput) decimal.Decimal {
	return in.Allocation.Mul(in.Pair.Free).Mul(in.TradingPercentage)
}

// sizeFixedNotional sells just above the exchange minimum, independent of balance.
func sizeFixedNotional(in SizingInput) decimal.Decimal {
	if !in.Pair.Price.IsPositive() {
		return decimal.Zero
	}
	return in.Pair.Rules.MinNotional.Add(in.Margin).Div(in.Pair.Price)
}

// MaxStrategyNameLen keeps "<name>-<12 hex>-sell" within the venue's 36-char link id.
const MaxStrategyNameLen = 18

type Strategy struct {
	Name                 string
	Kind                 StrategyKind
	BuyIncreaseIndicator decimal.Decimal
	ProfitTarget         decimal.Decimal
	Timeout              time.Duration
	Cooldown             time.Duration
	Size                 SizingRule
}

func NewStrategy(name string, kind StrategyKind, buyIncrease, profitTarget decimal.Decimal, timeout, cooldown time.Duration) Strategy {
	return Strategy{
		Name:                 name,
		Kind:                 kind,
		BuyIncreaseIndicator: buyIncrease,
		ProfitTarget:         profitTarget,
		Timeout:              timeout,
		Cooldown:             cooldown,
		Size:                 kind.SizingRule(),
	}
}

// Validate rejects parameters that cannot produce a positive spread.
func (s Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("Пустое имя стратегии.")
	}
	if len(s.Name) > MaxStrategyNameLen {
		return fmt.Errorf("Стратегия %s: имя длиннее %d символов не помещается в orderLinkId", s.Name, MaxStrategyNameLen)
	}
	if s.BuyIncreaseIndicator.IsNegative() {
		return fmt.Errorf("Стратегия %s: buy_increase_indicator < 0", s.Name)
	}
	if !s.ProfitTarget.IsPositive() {
		return fmt.Errorf("Стратегия %s: profit_target должен быть > 0", s.Name)
	}
	if !s.ProfitTarget.LessThan(decimal.NewFromInt(1).Add(s.BuyIncreaseIndicator)) {
		return fmt.Errorf("Стратегия %s: profit_target (%s) должен быть меньше 1 + buy_increase_indicator (%s)", s.Name, s.ProfitTarget, s.BuyIncreaseIndicator)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("Стратегия %s: timeout должен быть > 0", s.Name)
	}
	if s.Cooldown < 0 {
		return fmt.Errorf("Стратегия %s: cooldown < 0", s.Name)
	}
	return nil
}
