package grouping

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bubblegroups_grouping_passes_total",
		Help: "Planning passes by outcome",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bubblegroups_grouping_pass_duration_seconds",
		Help:    "Time to run one planning pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	hostMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bubblegroups_host_mutations_total",
		Help: "Mutations issued against the browser by kind",
	}, []string{"kind"})

	hostRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bubblegroups_host_retries_total",
		Help: "Host mutations retried after a busy-tab error",
	})

	bucketErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bubblegroups_bucket_errors_total",
		Help: "Buckets that failed during a planning pass",
	})

	userChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bubblegroups_user_changes_total",
		Help: "Group edits attributed to the user by kind",
	}, []string{"kind"})

	identityMovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bubblegroups_identity_moves_total",
		Help: "Identity-change moves by outcome",
	}, []string{"outcome"})
)
