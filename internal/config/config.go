package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange   ExchangeConfig
	Runtime    RuntimeConfig
	Log        LogConfig
	Store      StoreConfig
	Metrics    MetricsConfig
	Paper      PaperConfig
	Strategies map[string]models.Strategy
	Pairs      map[string]PairConfig

	// Generation increases with every accepted reload.
	Generation uint64
}

type ExchangeConfig struct {
	BaseUrl     string
	WSPublicURL string
	AccountType string
	ApiKey      string
	Secret      string
	RecvWindow  string
	RateLimit   float64
	RateBurst   int
}

type RuntimeConfig struct {
	DryRun            bool
	Power             bool
	ShowBuyOrders     bool
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	FeeRate           decimal.Decimal
	OrphanMargin      decimal.Decimal
	Version           string
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type StoreConfig struct {
	Path string
}

type MetricsConfig struct {
	Addr string
}

type PaperConfig struct {
	Balances map[string]decimal.Decimal
}

type PairConfig struct {
	Symbol             string
	TradingPercentage  decimal.Decimal
	StrategyAllocation map[string]decimal.Decimal
}

// Open prepares a viper instance bound to configs/config.yaml (or $REBUYBOT_CONFIG)
// and environment overrides with the REBUYBOT_ prefix.
func Open() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("REBUYBOT_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	v.SetEnvPrefix("REBUYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("Не удалось прочитать конфигурацию: %w", err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://api.bybit.com")
	v.SetDefault("exchange.ws_public_url", "wss://stream.bybit.com/v5/public/spot")
	v.SetDefault("exchange.account_type", "UNIFIED")
	v.SetDefault("exchange.recv_window", "5000")
	v.SetDefault("exchange.rate_limit", 8)
	v.SetDefault("exchange.rate_burst", 4)

	v.SetDefault("runtime.power", true)
	v.SetDefault("runtime.tick_interval", "5s")
	v.SetDefault("runtime.heartbeat_interval", "30s")
	v.SetDefault("runtime.fee_rate", "0.00075")
	v.SetDefault("runtime.orphan_margin", "0.25")
	v.SetDefault("runtime.version", "1.0.0")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)

	v.SetDefault("store.path", "data/rebuybot.db")
	v.SetDefault("metrics.addr", ":9102")
}

// Parse builds an immutable snapshot from v and validates it.
func Parse(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		BaseUrl:     v.GetString("exchange.base_url"),
		WSPublicURL: v.GetString("exchange.ws_public_url"),
		AccountType: v.GetString("exchange.account_type"),
		ApiKey:      envSub(v, "exchange.api_key"),
		Secret:      envSub(v, "exchange.secret"),
		RecvWindow:  v.GetString("exchange.recv_window"),
		RateLimit:   v.GetFloat64("exchange.rate_limit"),
		RateBurst:   v.GetInt("exchange.rate_burst"),
	}

	feeRate, err := parseDecimal(v, "runtime.fee_rate")
	if err != nil {
		return nil, err
	}
	orphanMargin, err := parseDecimal(v, "runtime.orphan_margin")
	if err != nil {
		return nil, err
	}
	cfg.Runtime = RuntimeConfig{
		DryRun:            v.GetBool("runtime.dry_run"),
		Power:             v.GetBool("runtime.power"),
		ShowBuyOrders:     v.GetBool("runtime.show_buy_orders"),
		TickInterval:      v.GetDuration("runtime.tick_interval"),
		HeartbeatInterval: v.GetDuration("runtime.heartbeat_interval"),
		FeeRate:           feeRate,
		OrphanMargin:      orphanMargin,
		Version:           v.GetString("runtime.version"),
	}

	cfg.Log = LogConfig{
		Level:      v.GetString("log.level"),
		Format:     v.GetString("log.format"),
		File:       v.GetString("log.file"),
		MaxSize:    v.GetInt("log.max_size"),
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAge:     v.GetInt("log.max_age"),
		Compress:   v.GetBool("log.compress"),
	}
	cfg.Store = StoreConfig{Path: v.GetString("store.path")}
	cfg.Metrics = MetricsConfig{Addr: v.GetString("metrics.addr")}

	cfg.Paper = PaperConfig{Balances: map[string]decimal.Decimal{}}
	for coin := range v.GetStringMap("paper.balances") {
		amount, err := parseDecimal(v, "paper.balances."+coin)
		if err != nil {
			return nil, err
		}
		cfg.Paper.Balances[strings.ToUpper(coin)] = amount
	}

	cfg.Strategies = map[string]models.Strategy{}
	for name := range v.GetStringMap("strategies") {
		strategy, err := parseStrategy(v, name)
		if err != nil {
			return nil, err
		}
		cfg.Strategies[name] = strategy
	}

	cfg.Pairs = map[string]PairConfig{}
	for key := range v.GetStringMap("pairs") {
		pair, err := parsePair(v, key)
		if err != nil {
			return nil, err
		}
		cfg.Pairs[pair.Symbol] = pair
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseStrategy(v *viper.Viper, name string) (models.Strategy, error) {
	prefix := "strategies." + name + "."
	kind, err := models.ParseStrategyKind(v.GetString(prefix + "kind"))
	if err != nil {
		return models.Strategy{}, err
	}
	buyIncrease, err := parseDecimal(v, prefix+"buy_increase_indicator")
	if err != nil {
		return models.Strategy{}, err
	}
	profitTarget, err := parseDecimal(v, prefix+"profit_target")
	if err != nil {
		return models.Strategy{}, err
	}
	timeout := time.Duration(v.GetInt64(prefix+"timeout")) * time.Second
	cooldown := time.Duration(v.GetInt64(prefix+"cooldown")) * time.Second

	return models.NewStrategy(name, kind, buyIncrease, profitTarget, timeout, cooldown), nil
}

func parsePair(v *viper.Viper, key string) (PairConfig, error) {
	prefix := "pairs." + key + "."
	pct, err := parseDecimal(v, prefix+"trading_percentage")
	if err != nil {
		return PairConfig{}, err
	}
	pair := PairConfig{
		Symbol:             strings.ToUpper(key),
		TradingPercentage:  pct,
		StrategyAllocation: map[string]decimal.Decimal{},
	}
	for name := range v.GetStringMap(prefix + "strategy_allocation") {
		alloc, err := parseDecimal(v, prefix+"strategy_allocation."+name)
		if err != nil {
			return PairConfig{}, err
		}
		pair.StrategyAllocation[name] = alloc
	}
	return pair, nil
}

func parseDecimal(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return decimal.Zero, nil
	}
	val, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Некорректное значение %s=%q: %w", key, raw, err)
	}
	return val, nil
}

func (c *Config) Validate() error {
	if c.Runtime.TickInterval <= 0 {
		return fmt.Errorf("runtime.tick_interval должен быть > 0")
	}
	if c.Runtime.FeeRate.IsNegative() {
		return fmt.Errorf("runtime.fee_rate < 0")
	}
	if c.Exchange.RateLimit <= 0 {
		return fmt.Errorf("exchange.rate_limit должен быть > 0")
	}
	for _, strategy := range c.Strategies {
		if err := strategy.Validate(); err != nil {
			return err
		}
	}
	one := decimal.NewFromInt(1)
	for symbol, pair := range c.Pairs {
		if pair.TradingPercentage.IsNegative() || pair.TradingPercentage.GreaterThan(one) {
			return fmt.Errorf("%s: trading_percentage вне диапазона [0, 1]", symbol)
		}
		for name, alloc := range pair.StrategyAllocation {
			if alloc.IsNegative() || alloc.GreaterThan(one) {
				return fmt.Errorf("%s: strategy_allocation.%s вне диапазона [0, 1]", symbol, name)
			}
		}
	}
	return nil
}

// Target is one schedulable (pair, strategy) combination of a snapshot.
type Target struct {
	Symbol     string
	Strategy   string
	Allocation decimal.Decimal
}

// Targets lists every (pair, strategy) with a positive allocation, in a stable order.
func (c *Config) Targets() []Target {
	var targets []Target
	for _, symbol := range c.SortedSymbols() {
		pair := c.Pairs[symbol]
		names := make([]string, 0, len(pair.StrategyAllocation))
		for name := range pair.StrategyAllocation {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			alloc := pair.StrategyAllocation[name]
			if !alloc.IsPositive() {
				continue
			}
			targets = append(targets, Target{Symbol: symbol, Strategy: name, Allocation: alloc})
		}
	}
	return targets
}

func (c *Config) SortedSymbols() []string {
	symbols := make([]string, 0, len(c.Pairs))
	for symbol := range c.Pairs {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (c *Config) Strategy(name string) (models.Strategy, bool) {
	strategy, ok := c.Strategies[name]
	return strategy, ok
}

func (c *Config) Pair(symbol string) (PairConfig, bool) {
	pair, ok := c.Pairs[symbol]
	return pair, ok
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
