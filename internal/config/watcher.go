package config

import (
	"sort"
	"sync"
	"sync/atomic"

	"rebuybot/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Change describes one difference between two accepted snapshots.
type Change struct {
	Section string
	Key     string
	Detail  string
}

type Update struct {
	Generation uint64
	Config     *Config
	Changes    []Change
}

// Watcher holds the current snapshot and swaps it when the file changes.
// A reload that fails to parse or validate is rejected and the previous
// snapshot stays in effect.
type Watcher struct {
	v       *viper.Viper
	log     *logger.Logger
	current atomic.Pointer[Config]
	updates chan Update
	mu      sync.Mutex
}

func NewWatcher(v *viper.Viper, initial *Config, log *logger.Logger) *Watcher {
	w := &Watcher{
		v:       v,
		log:     log,
		updates: make(chan Update, 8),
	}
	initial.Generation = 1
	w.current.Store(initial)
	return w
}

func (w *Watcher) Current() *Config {
	return w.current.Load()
}

func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

func (w *Watcher) Start() {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.log.WithFields(logrus.Fields{
			"file": e.Name,
			"op":   e.Op.String(),
		}).Info("Обнаружено изменение конфигурации")
		w.reload()
	})
	w.v.WatchConfig()
}

func (w *Watcher) reload() {
	next, err := Parse(w.v)
	if err != nil {
		w.log.WithError(err).Error("Новая конфигурация отклонена, продолжаем с прежней")
		return
	}
	w.Apply(next)
}

// Apply installs next as the current snapshot and publishes the diff.
// Subscribers that fall behind miss intermediate updates; Current is always authoritative.
func (w *Watcher) Apply(next *Config) Update {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.current.Load()
	next.Generation = prev.Generation + 1
	w.current.Store(next)

	upd := Update{
		Generation: next.Generation,
		Config:     next,
		Changes:    Diff(prev, next),
	}

	select {
	case w.updates <- upd:
	default:
		w.log.WithFields(logrus.Fields{"generation": upd.Generation}).Warn("Очередь обновлений конфигурации переполнена")
	}
	return upd
}

// Diff lists the changes between two snapshots relevant to the running bot.
func Diff(prev, next *Config) []Change {
	var changes []Change

	if prev.Runtime.Power != next.Runtime.Power {
		changes = append(changes, Change{Section: "runtime", Key: "power", Detail: boolWord(next.Runtime.Power)})
	}
	if prev.Runtime.TickInterval != next.Runtime.TickInterval {
		changes = append(changes, Change{Section: "runtime", Key: "tick_interval", Detail: next.Runtime.TickInterval.String()})
	}
	if prev.Runtime.ShowBuyOrders != next.Runtime.ShowBuyOrders {
		changes = append(changes, Change{Section: "runtime", Key: "show_buy_orders", Detail: boolWord(next.Runtime.ShowBuyOrders)})
	}
	if prev.Log.Level != next.Log.Level {
		changes = append(changes, Change{Section: "log", Key: "level", Detail: next.Log.Level})
	}

	for _, name := range unionKeys(prev.Strategies, next.Strategies) {
		before, inPrev := prev.Strategies[name]
		after, inNext := next.Strategies[name]
		switch {
		case !inPrev:
			changes = append(changes, Change{Section: "strategies", Key: name, Detail: "added"})
		case !inNext:
			changes = append(changes, Change{Section: "strategies", Key: name, Detail: "removed"})
		case before.Kind != after.Kind ||
			!before.BuyIncreaseIndicator.Equal(after.BuyIncreaseIndicator) ||
			!before.ProfitTarget.Equal(after.ProfitTarget) ||
			before.Timeout != after.Timeout ||
			before.Cooldown != after.Cooldown:
			changes = append(changes, Change{Section: "strategies", Key: name, Detail: "changed"})
		}
	}

	for _, symbol := range unionKeys(prev.Pairs, next.Pairs) {
		before, inPrev := prev.Pairs[symbol]
		after, inNext := next.Pairs[symbol]
		switch {
		case !inPrev:
			changes = append(changes, Change{Section: "pairs", Key: symbol, Detail: "added"})
		case !inNext:
			changes = append(changes, Change{Section: "pairs", Key: symbol, Detail: "removed"})
		case !samePair(before, after):
			changes = append(changes, Change{Section: "pairs", Key: symbol, Detail: "changed"})
		}
	}

	return changes
}

func samePair(a, b PairConfig) bool {
	if !a.TradingPercentage.Equal(b.TradingPercentage) || len(a.StrategyAllocation) != len(b.StrategyAllocation) {
		return false
	}
	for name, alloc := range a.StrategyAllocation {
		other, ok := b.StrategyAllocation[name]
		if !ok || !alloc.Equal(other) {
			return false
		}
	}
	return true
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func boolWord(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
