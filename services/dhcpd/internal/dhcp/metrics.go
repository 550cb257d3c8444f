package dhcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dhcpd"

// Metrics of the allocation engine. They are registered on the registerer
// passed to NewMetrics.
type Metrics struct {
	PoolAvailable   prometheus.Gauge
	PendingOffers   prometheus.Gauge
	Quarantined     prometheus.Gauge
	Messages        *prometheus.CounterVec
	ProbeResults    *prometheus.CounterVec
	StoreFailures   prometheus.Counter
	MalformedPacket prometheus.Counter
	EventsDropped   *prometheus.CounterVec
}

// Reasons a lease event is not published.
const (
	dropQueueFull     = "queue_full"
	dropPublishFailed = "publish_failed"
)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PoolAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "available_addresses",
			Help:      "Addresses currently free to hand out",
		}),
		PendingOffers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pending_offers",
			Help:      "Offers waiting for a request",
		}),
		Quarantined: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "quarantined_addresses",
			Help:      "Addresses held back after a conflict",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Handled DHCP messages by type and outcome",
		}, []string{"message", "outcome"}),
		ProbeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Conflict probe results",
		}, []string{"result"}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Lease store operations that failed",
		}),
		MalformedPacket: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Datagrams dropped because they did not parse",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Lease events not published, by reason",
		}, []string{"reason"}),
	}
}
