// Package metrics exposes the bridging core's status as Prometheus
// metrics, grouped by subsystem the way the teacher's metrics package
// groups gauges and counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every metric the repeater core exposes. It implements
// bridge.MetricsSink so a *bridge.Machine can publish directly into it.
type Metrics struct {
	registry *prometheus.Registry

	bridgeState      *prometheus.GaugeVec
	macCloned        prometheus.Gauge
	forwardingActive prometheus.Gauge
	apClientCount    prometheus.Gauge

	macnatEntries   prometheus.Gauge
	dhcpAcksSniffed prometheus.Counter
	workerRuns      *prometheus.CounterVec

	framesForwarded *prometheus.CounterVec
	framesDelivered *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
}

// New creates a new Metrics instance, registered against its own registry
// so repeated construction in tests never collides with a process-global
// default registerer.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		bridgeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "repeater_bridge_state",
				Help: "Current bridging state, one gauge per state name set to 1 for the active state.",
			},
			[]string{"state"},
		),

		macCloned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repeater_bridge_mac_cloned",
				Help: "1 if the STA MAC is currently cloned to a downstream client, 0 otherwise.",
			},
		),

		forwardingActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repeater_bridge_forwarding_active",
				Help: "1 if layer-2 forwarding between STA and AP is active.",
			},
		),

		apClientCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repeater_bridge_ap_client_count",
				Help: "Number of downstream clients currently associated.",
			},
		),

		macnatEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repeater_macnat_entries",
				Help: "Number of entries currently used in the MAC-NAT table.",
			},
		),

		dhcpAcksSniffed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repeater_dhcpsniff_acks_total",
				Help: "Total number of DHCP ACKs recognized by the sniffer.",
			},
		),

		workerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repeater_bridge_worker_runs_total",
				Help: "Total worker sequence runs by kind (clone/restore) and outcome (ok/fallback/timeout).",
			},
			[]string{"kind", "outcome"},
		),

		framesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repeater_ingress_frames_forwarded_total",
				Help: "Frames forwarded at layer 2 to the peer interface, by direction.",
			},
			[]string{"direction"},
		),

		framesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repeater_ingress_frames_delivered_total",
				Help: "Frames delivered to the host IP stack, by interface.",
			},
			[]string{"interface"},
		),

		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repeater_ingress_frames_dropped_total",
				Help: "Frames freed without delivery or forwarding, by interface.",
			},
			[]string{"interface"},
		),
	}

	if err := m.Register(reg); err != nil {
		panic(err)
	}
	m.SetState("IDLE")
	return m
}

// Register registers all metrics with the given registerer. Already
// registered errors are ignored, matching the teacher's idempotent
// registration convention.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.bridgeState,
		m.macCloned,
		m.forwardingActive,
		m.apClientCount,
		m.macnatEntries,
		m.dhcpAcksSniffed,
		m.workerRuns,
		m.framesForwarded,
		m.framesDelivered,
		m.framesDropped,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the HTTP handler that serves this Metrics' own
// registry, pre-registered at construction time.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetState implements bridge.MetricsSink: it sets the gauge for state to
// 1 and every other known state to 0.
func (m *Metrics) SetState(state string) {
	for _, s := range []string{"IDLE", "MAC_CHANGING", "BRIDGING", "MAC_RESTORING"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.bridgeState.WithLabelValues(s).Set(v)
	}
}

// SetCloned implements bridge.MetricsSink.
func (m *Metrics) SetCloned(cloned bool) {
	m.macCloned.Set(boolToFloat(cloned))
}

// SetForwarding implements bridge.MetricsSink.
func (m *Metrics) SetForwarding(active bool) {
	m.forwardingActive.Set(boolToFloat(active))
}

// SetClientCount implements bridge.MetricsSink.
func (m *Metrics) SetClientCount(n int) {
	m.apClientCount.Set(float64(n))
}

// SetMACNATEntries records the MAC-NAT table's current occupancy.
func (m *Metrics) SetMACNATEntries(n int) {
	m.macnatEntries.Set(float64(n))
}

// IncDHCPAcksSniffed counts one recognized DHCP ACK.
func (m *Metrics) IncDHCPAcksSniffed() {
	m.dhcpAcksSniffed.Inc()
}

// IncWorkerRun counts one worker sequence completion.
func (m *Metrics) IncWorkerRun(kind, outcome string) {
	m.workerRuns.WithLabelValues(kind, outcome).Inc()
}

// IncFramesForwarded counts one frame forwarded toward direction.
func (m *Metrics) IncFramesForwarded(direction string) {
	m.framesForwarded.WithLabelValues(direction).Inc()
}

// IncFramesDelivered counts one frame delivered to iface's host stack.
func (m *Metrics) IncFramesDelivered(iface string) {
	m.framesDelivered.WithLabelValues(iface).Inc()
}

// IncFramesDropped counts one frame freed without delivery on iface.
func (m *Metrics) IncFramesDropped(iface string) {
	m.framesDropped.WithLabelValues(iface).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
