package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes hub-agent metrics that are safe to scrape via
// Prometheus.
type Metrics struct {
	registry        *prometheus.Registry
	pushesTotal     *prometheus.CounterVec
	pushFailures    prometheus.Counter
	scanDuration    prometheus.Histogram
	hotplugWakes    prometheus.Counter
	keepaliveWakes  prometheus.Counter
	reconnectsTotal prometheus.Counter
	probesTotal     *prometheus.CounterVec
}

// New creates a fresh Metrics registry with agent metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	pushesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usbdevice",
		Name:      "hub_pushes_total",
		Help:      "Count of display pushes per channel",
	}, []string{"channel"})

	pushFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "usbdevice",
		Name:      "hub_push_failures_total",
		Help:      "Count of failed display pushes",
	})

	scanDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "usbdevice",
		Name:      "agent_scan_duration_seconds",
		Help:      "Duration of port enumeration passes in the agent loop",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	hotplugWakes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "usbdevice",
		Name:      "agent_hotplug_wakes_total",
		Help:      "Agent loop wakes caused by USB hotplug events",
	})

	keepaliveWakes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "usbdevice",
		Name:      "agent_keepalive_wakes_total",
		Help:      "Agent loop wakes caused by the keepalive timer",
	})

	reconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "usbdevice",
		Name:      "hub_reconnects_total",
		Help:      "Times the agent lost and re-detected the display hub",
	})

	probesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usbdevice",
		Name:      "bootloader_probes_total",
		Help:      "Bootloader probes by resulting state",
	}, []string{"state"})

	registry.MustRegister(
		pushesTotal,
		pushFailures,
		scanDuration,
		hotplugWakes,
		keepaliveWakes,
		reconnectsTotal,
		probesTotal,
	)

	return &Metrics{
		registry:        registry,
		pushesTotal:     pushesTotal,
		pushFailures:    pushFailures,
		scanDuration:    scanDuration,
		hotplugWakes:    hotplugWakes,
		keepaliveWakes:  keepaliveWakes,
		reconnectsTotal: reconnectsTotal,
		probesTotal:     probesTotal,
	}
}

// ObservePush records one display push attempt.
func (m *Metrics) ObservePush(channel string, ok bool) {
	if m == nil {
		return
	}
	m.pushesTotal.With(prometheus.Labels{"channel": channel}).Inc()
	if !ok {
		m.pushFailures.Inc()
	}
}

// ObserveScan records a port enumeration pass.
func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

// IncWake counts a loop wake, split by cause.
func (m *Metrics) IncWake(hotplug bool) {
	if m == nil {
		return
	}
	if hotplug {
		m.hotplugWakes.Inc()
	} else {
		m.keepaliveWakes.Inc()
	}
}

// IncReconnect counts a hub-lost/re-detect cycle.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// ObserveProbe records a bootloader probe outcome.
func (m *Metrics) ObserveProbe(state string) {
	if m == nil {
		return
	}
	m.probesTotal.With(prometheus.Labels{"state": state}).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
