// Package metrics exposes node counters and gauges to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counter names
const (
	SyncRequests    = "agsys_sync_requests_total"
	SyncFailures    = "agsys_sync_failures_total"
	SyncRetries     = "agsys_sync_retries_total"
	SyncTimeouts    = "agsys_sync_timeouts_total"
	Logins          = "agsys_logins_total"
	Relogins        = "agsys_relogins_total"
	ScheduleChanges = "agsys_schedule_changes_total"
	FlowPulses      = "agsys_flow_pulses_total"
	StoreFailures   = "agsys_store_failures_total"
	PushMessages    = "agsys_push_messages_total"
	ProbeFaults     = "agsys_probe_faults_total"
)

// Gauge names
const (
	ValveOpen     = "agsys_valve_open"
	StoreDegraded = "agsys_store_degraded"
	FlowTotal     = "agsys_flow_total_liters"
	ScheduleSlots = "agsys_schedule_slots"
)

// Histogram names
const (
	SyncLatency = "agsys_sync_latency_seconds"
)

// Metrics holds the registered collectors
type Metrics struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// New creates the collectors and registers them with reg.
// A nil reg registers with the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counterHelp := map[string]string{
		SyncRequests:    "Sync client calls started.",
		SyncFailures:    "Sync client calls that ended without success.",
		SyncRetries:     "Sync client attempts repeated after a backoff.",
		SyncTimeouts:    "Sync client calls that exhausted their time budget.",
		Logins:          "Successful logins against the authenticate endpoint.",
		Relogins:        "Logins forced by an expired or rejected token.",
		ScheduleChanges: "Fetched schedules that replaced the stored one.",
		FlowPulses:      "Flow sensor pulses drained into the persisted total.",
		StoreFailures:   "Config store operations that failed.",
		PushMessages:    "Messages received on the push channel.",
		ProbeFaults:     "Temperature probe reads that returned the disconnected sentinel.",
	}
	gaugeHelp := map[string]string{
		ValveOpen:     "1 when the valve relay is energized.",
		StoreDegraded: "1 when the last full load of the config store failed.",
		FlowTotal:     "Persisted water volume total in liters.",
		ScheduleSlots: "Non-empty slots in the stored irrigation schedule.",
	}

	m := &Metrics{
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		histos:   make(map[string]prometheus.Observer, 1),
	}

	var collectors []prometheus.Collector
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		m.counters[name] = c
		collectors = append(collectors, c)
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		m.gauges[name] = g
		collectors = append(collectors, g)
	}
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    SyncLatency,
		Help:    "Wall time of sync client calls including retries.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	m.histos[SyncLatency] = latency
	collectors = append(collectors, latency)

	reg.MustRegister(collectors...)
	return m
}

// IncCounter adds v to a named counter
func (m *Metrics) IncCounter(name string, v float64) {
	if m == nil {
		return
	}
	if c, ok := m.counters[name]; ok {
		c.Add(v)
	}
}

// SetGauge sets a named gauge
func (m *Metrics) SetGauge(name string, v float64) {
	if m == nil {
		return
	}
	if g, ok := m.gauges[name]; ok {
		g.Set(v)
	}
}

// SetFlag sets a named gauge to 1 or 0
func (m *Metrics) SetFlag(name string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	m.SetGauge(name, v)
}

// ObserveLatency records a duration in seconds
func (m *Metrics) ObserveLatency(name string, seconds float64) {
	if m == nil {
		return
	}
	if h, ok := m.histos[name]; ok {
		h.Observe(seconds)
	}
}

// Collector returns the named counter or gauge, or nil when unknown
func (m *Metrics) Collector(name string) prometheus.Collector {
	if m == nil {
		return nil
	}
	if c, ok := m.counters[name]; ok {
		return c
	}
	if g, ok := m.gauges[name]; ok {
		return g
	}
	return nil
}
