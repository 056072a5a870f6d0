// Package metrics exposes database and view set activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoravur/liveview/pkg/database"
)

const namespace = "liveview"

// Observer implements database.Observer on top of Prometheus collectors.
type Observer struct {
	gatherer prometheus.Gatherer

	Statements        *prometheus.CounterVec
	StatementErrors   *prometheus.CounterVec
	StatementDuration *prometheus.HistogramVec
	Commits           *prometheus.CounterVec
	CommitDuration    prometheus.Histogram
	CommittedEvents   prometheus.Counter
	DeliveredEvents   *prometheus.CounterVec
	Requeries         *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
}

var _ database.Observer = (*Observer)(nil)

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := &Observer{
		gatherer: reg,
		Statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_total",
				Help:      "Statements executed, by kind and table.",
			},
			[]string{"kind", "table"},
		),
		StatementErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statement_errors_total",
				Help:      "Statements that failed, by kind and table.",
			},
			[]string{"kind", "table"},
		),
		StatementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "statement_duration_seconds",
				Help:      "Statement execution time.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 9),
			},
			[]string{"kind"},
		),
		Commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Transaction commits, by result.",
			},
			[]string{"result"},
		),
		CommitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Commit time including the uncommitted and committed phases.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 9),
			},
		),
		CommittedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "committed_events_total",
				Help:      "Data events carried by committed transactions.",
			},
		),
		DeliveredEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "viewset_events_total",
				Help:      "Data events delivered to view set listeners.",
			},
			[]string{"viewset"},
		),
		Requeries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "viewset_requeries_total",
				Help:      "Full view requeries caused by dynamic parameter changes.",
			},
			[]string{"viewset"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "viewset_deliveries_total",
				Help:      "Transactions delivered to view set listeners.",
			},
			[]string{"viewset"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "viewset_queue_depth",
				Help:      "Committed transactions waiting for the view set worker.",
			},
			[]string{"viewset"},
		),
	}
	reg.MustRegister(
		o.Statements,
		o.StatementErrors,
		o.StatementDuration,
		o.Commits,
		o.CommitDuration,
		o.CommittedEvents,
		o.DeliveredEvents,
		o.Requeries,
		o.Deliveries,
		o.QueueDepth,
	)
	return o
}

func (o *Observer) StatementExecuted(kind database.StatementKind, table string, d time.Duration, err error) {
	o.Statements.WithLabelValues(string(kind), table).Inc()
	o.StatementDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	if err != nil {
		o.StatementErrors.WithLabelValues(string(kind), table).Inc()
	}
}

func (o *Observer) TransactionCommitted(events int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.Commits.WithLabelValues(result).Inc()
	o.CommitDuration.Observe(d.Seconds())
	if err == nil {
		o.CommittedEvents.Add(float64(events))
	}
}

func (o *Observer) ViewSetDelivered(viewSet string, events int, requeried int) {
	o.Deliveries.WithLabelValues(viewSet).Inc()
	o.DeliveredEvents.WithLabelValues(viewSet).Add(float64(events))
	if requeried > 0 {
		o.Requeries.WithLabelValues(viewSet).Add(float64(requeried))
	}
}

func (o *Observer) ViewSetQueueDepth(viewSet string, depth int) {
	o.QueueDepth.WithLabelValues(viewSet).Set(float64(depth))
}

// Forget drops the per view set series of a disposed view set.
func (o *Observer) Forget(viewSet string) {
	o.Deliveries.DeleteLabelValues(viewSet)
	o.DeliveredEvents.DeleteLabelValues(viewSet)
	o.Requeries.DeleteLabelValues(viewSet)
	o.QueueDepth.DeleteLabelValues(viewSet)
}

// Handler serves the registry in the Prometheus text format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}
