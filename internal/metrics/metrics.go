// Package metrics exposes Prometheus instruments for the trade cycle:
//   - trade_orders_total{market,side,kind}       orders acknowledged by the exchange
//   - trade_fills_amount_total{market,side}     executed quantity
//   - trade_transitions_total{market,from,to}   exit mode changes
//   - trade_outcomes_total{result}              TARGET, STOP, TIMEOUT, DESYNC, ERROR
//   - trade_api_errors_total{op}                transient exchange failures
//   - trade_persist_errors_total                failed session writes
//   - trade_best_bid / trade_threshold{market}  last observed bid and exit threshold
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	orders        *prometheus.CounterVec
	fills         *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	apiErrors     *prometheus.CounterVec
	persistErrors prometheus.Counter
	bestBid       *prometheus.GaugeVec
	threshold     *prometheus.GaugeVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trade_orders_total", Help: "Orders acknowledged by the exchange"},
			[]string{"market", "side", "kind"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trade_fills_amount_total", Help: "Executed quantity"},
			[]string{"market", "side"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trade_transitions_total", Help: "Exit mode transitions"},
			[]string{"market", "from", "to"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trade_outcomes_total", Help: "Terminal session outcomes"},
			[]string{"result"},
		),
		apiErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trade_api_errors_total", Help: "Transient exchange failures"},
			[]string{"op"},
		),
		persistErrors: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "trade_persist_errors_total", Help: "Failed session writes"},
		),
		bestBid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trade_best_bid", Help: "Last observed best bid"},
			[]string{"market"},
		),
		threshold: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trade_threshold", Help: "Exit threshold between resting sell and stop-armed"},
			[]string{"market"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.orders, m.fills, m.transitions, m.outcomes, m.apiErrors, m.persistErrors, m.bestBid, m.threshold)
	}
	return m
}

func (m *Metrics) OrderPlaced(market, side string, ioc bool) {
	if m == nil {
		return
	}
	kind := "limit"
	if ioc {
		kind = "ioc"
	}
	m.orders.WithLabelValues(market, side, kind).Inc()
}

func (m *Metrics) Filled(market, side string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.fills.WithLabelValues(market, side).Add(amount)
}

func (m *Metrics) Transition(market, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(market, from, to).Inc()
}

func (m *Metrics) Outcome(result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) APIError(op string) {
	if m == nil {
		return
	}
	m.apiErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

func (m *Metrics) ObserveBid(market string, bid float64) {
	if m == nil {
		return
	}
	m.bestBid.WithLabelValues(market).Set(bid)
}

func (m *Metrics) SetThreshold(market string, v float64) {
	if m == nil {
		return
	}
	m.threshold.WithLabelValues(market).Set(v)
}
