package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

const namespace = "blk"

var (
	BiosSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "bios_submitted_total",
			Help:      "Bios accepted by a device request queue",
		},
		[]string{"device", "type"},
	)

	BiosRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "bios_rejected_total",
			Help:      "Bios refused at enqueue time",
		},
		[]string{"device", "reason"},
	)

	BiosMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "bios_merged_total",
			Help:      "Bios merged into an already pending request",
		},
		[]string{"device"},
	)

	RequestsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "requests_dispatched_total",
			Help:      "Requests handed from the software queue to the driver",
		},
		[]string{"device", "type"},
	)

	BiosCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "bios_completed_total",
			Help:      "Bios completed by the driver, by terminal status",
		},
		[]string{"device", "status"},
	)

	InflightRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "inflight_requests",
			Help:      "Requests submitted to hardware and not yet completed",
		},
		[]string{"device"},
	)

	QueueFullRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "queue_full_retries_total",
			Help:      "Submission attempts that found the hardware queue without descriptor space",
		},
		[]string{"device"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BiosSubmitted,
		BiosRejected,
		BiosMerged,
		RequestsDispatched,
		BiosCompleted,
		InflightRequests,
		QueueFullRetries,
	}
}

// Register registers every block layer collector with reg.
func Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
