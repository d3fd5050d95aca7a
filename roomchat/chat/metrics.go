package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes session counters. A nil *Metrics records nothing.
type Metrics struct {
	rendered *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	polls    *prometheus.CounterVec
	state    *prometheus.GaugeVec
}

// NewMetrics creates the session collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "messages_rendered_total",
			Help:      "Messages rendered, by delivery path.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "messages_dropped_total",
			Help:      "Delivered messages that were not rendered.",
		}, []string{"reason"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "polls_total",
			Help:      "Fallback poll requests, by result.",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.rendered, m.dropped, m.polls, m.state)
	}
	return m
}

func (m *Metrics) render(source string) {
	if m == nil {
		return
	}
	m.rendered.WithLabelValues(source).Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) poll(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range []State{StateConnecting, StateLive, StateFallback} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}
