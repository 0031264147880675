// Package metrics exposes the bot's Prometheus collectors:
//
//	rebuybot_orders_placed_total{symbol,strategy,side}
//	rebuybot_order_cancels_total{symbol,strategy,result}
//	rebuybot_transitions_total{symbol,strategy,from,to}
//	rebuybot_step_errors_total{symbol,strategy,kind}
//	rebuybot_step_duration_seconds{strategy}
//	rebuybot_context_state{symbol,strategy,state}
//	rebuybot_open_buy_age_seconds{symbol,strategy}
//	rebuybot_realized_profit{symbol}
//	rebuybot_pair_free{symbol}
//	rebuybot_pair_locked{symbol}
//	rebuybot_pair_market_value{symbol}
//	rebuybot_power
//	rebuybot_heartbeat_timestamp_seconds
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebuybot_orders_placed_total",
			Help: "LIMIT orders accepted by the exchange",
		},
		[]string{"symbol", "strategy", "side"},
	)

	orderCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebuybot_order_cancels_total",
			Help: "Cancel attempts by outcome (CANCELED|ALREADY_FILLED|FAILED)",
		},
		[]string{"symbol", "strategy", "result"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebuybot_transitions_total",
			Help: "State machine transitions",
		},
		[]string{"symbol", "strategy", "from", "to"},
	)

	stepErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebuybot_step_errors_total",
			Help: "Failed steps by error kind (transport|config|resync|save|panic|other)",
		},
		[]string{"symbol", "strategy", "kind"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebuybot_step_duration_seconds",
			Help:    "Wall time of one state machine step",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"strategy"},
	)

	contextState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebuybot_context_state",
			Help: "1 for the current state of each context, 0 otherwise",
		},
		[]string{"symbol", "strategy", "state"},
	)

	openBuyAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebuybot_open_buy_age_seconds",
			Help: "Age of the resting buy-back order, 0 when none",
		},
		[]string{"symbol", "strategy"},
	)

	realizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebuybot_realized_profit",
			Help: "Realized net profit per pair in quote currency",
		},
		[]string{"symbol"},
	)

	pairFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebuybot_pair_free",
			Help: "Free base asset of the pair at the last MONITORING tick",
		},
		[]string{"symbol"},
	)

	pairLocked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebuybot_pair_locked",
			Help: "Base asset locked in open orders at the last MONITORING tick",
		},
		[]string{"symbol"},
	)

	pairMarketValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebuybot_pair_market_value",
			Help: "Free base asset valued at the last price, in quote currency",
		},
		[]string{"symbol"},
	)

	power = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebuybot_power",
			Help: "1 when trading is switched on",
		},
	)

	heartbeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebuybot_heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat",
		},
	)
)

var states = []string{"MONITORING", "SELLING", "COOLDOWN"}

func init() {
	prometheus.MustRegister(ordersPlaced, orderCancels, transitions, stepErrors, stepDuration)
	prometheus.MustRegister(contextState, openBuyAge, realizedProfit)
	prometheus.MustRegister(pairFree, pairLocked, pairMarketValue)
	prometheus.MustRegister(power, heartbeat)
}

func IncOrderPlaced(symbol, strategy, side string) {
	ordersPlaced.WithLabelValues(symbol, strategy, side).Inc()
}

func IncCancel(symbol, strategy, result string) {
	orderCancels.WithLabelValues(symbol, strategy, result).Inc()
}

func IncStepError(symbol, strategy, kind string) {
	stepErrors.WithLabelValues(symbol, strategy, kind).Inc()
}

func ObserveStep(strategy string, d time.Duration) {
	stepDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordTransition counts the move and flips the state gauges.
func RecordTransition(symbol, strategy, from, to string) {
	if from != to {
		transitions.WithLabelValues(symbol, strategy, from, to).Inc()
	}
	SetState(symbol, strategy, to)
}

func SetState(symbol, strategy, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		contextState.WithLabelValues(symbol, strategy, s).Set(v)
	}
}

func SetOpenBuyAge(symbol, strategy string, age time.Duration) {
	openBuyAge.WithLabelValues(symbol, strategy).Set(age.Seconds())
}

func SetRealizedProfit(symbol string, profit float64) {
	realizedProfit.WithLabelValues(symbol).Set(profit)
}

// SetPairHoldings records what the pair holds; total portfolio value is a sum
// over rebuybot_pair_market_value.
func SetPairHoldings(symbol string, free, locked, marketValue float64) {
	pairFree.WithLabelValues(symbol).Set(free)
	pairLocked.WithLabelValues(symbol).Set(locked)
	pairMarketValue.WithLabelValues(symbol).Set(marketValue)
}

func SetPower(on bool) {
	if on {
		power.Set(1)
	} else {
		power.Set(0)
	}
}

func SetHeartbeat(t time.Time) {
	heartbeat.Set(float64(t.Unix()))
}
