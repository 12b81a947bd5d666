package groupalloc

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	groupsInUse  prometheus.Gauge
	portsClaimed prometheus.Gauge
	conflicts    prometheus.Counter
	exhausted    prometheus.Counter
	applianceOps *prometheus.CounterVec
}

// newMetrics builds the allocator's collectors and registers them with reg
// when reg is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		groupsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bpshell_groups_in_use",
			Help: "Test groups currently owned by a reservation.",
		}),
		portsClaimed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bpshell_ports_claimed",
			Help: "Appliance ports currently claimed by a reservation.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bpshell_port_conflicts_total",
			Help: "Reserve calls rejected because a port belonged to another reservation.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bpshell_pool_exhausted_total",
			Help: "Reserve calls rejected because no test group was free.",
		}),
		applianceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpshell_appliance_port_ops_total",
			Help: "Port reserve and unreserve calls made to the appliance.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.groupsInUse, m.portsClaimed, m.conflicts, m.exhausted, m.applianceOps)
	}
	return m
}
