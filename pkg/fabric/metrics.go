package fabric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	Submits        *prometheus.CounterVec
	Withdraws      *prometheus.CounterVec
	Purges         prometheus.Counter
	InstallFailure *prometheus.CounterVec
	Installed      prometheus.Gauge
	PendingPurge   prometheus.Gauge
	L2Networks     prometheus.Gauge
	Packets        *prometheus.CounterVec
	Neighbour      *prometheus.CounterVec
	Refreshes      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "intent_submits_total",
			Help:      "Intents submitted to the installer.",
		}, []string{"kind"}),
		Withdraws: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "intent_withdraws_total",
			Help:      "Intents withdrawn from the installer.",
		}, []string{"kind"}),
		Purges: f.NewCounter(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "intent_purges_total",
			Help:      "Purge requests issued for retired intents.",
		}),
		InstallFailure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "intent_install_failures_total",
			Help:      "Installations reported failed by the installer.",
		}, []string{"kind"}),
		Installed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "microfabric",
			Name:      "intents_installed",
			Help:      "Intents currently considered installed.",
		}),
		PendingPurge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "microfabric",
			Name:      "intents_pending_purge",
			Help:      "Withdrawn intents waiting to be retired.",
		}),
		L2Networks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "microfabric",
			Name:      "l2_networks",
			Help:      "L2 networks known to the registry, including ones being removed.",
		}),
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "reactive_packets_total",
			Help:      "Punted IP packets by classification verdict.",
		}, []string{"verdict"}),
		Neighbour: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "neighbour_packets_total",
			Help:      "ARP and NDP packets by relay action.",
		}, []string{"action"}),
		Refreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "microfabric",
			Name:      "refreshes_total",
			Help:      "Completed refresh passes.",
		}),
	}
}
