package cascade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Candidate outcomes.
const (
	OutcomeSkipped        = "skipped"
	OutcomeDispatched     = "dispatched"
	OutcomeDeduplicated   = "deduplicated"
	OutcomeAlreadyRebuilt = "already_rebuilt"
	OutcomeFailed         = "failed"
)

// Metrics counts what the handler did.
type Metrics struct {
	Reconciled *prometheus.CounterVec
	Candidates *prometheus.CounterVec
}

// NewMetrics registers the handler's collectors with reg. A nil reg keeps
// them unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebuildd",
			Subsystem: "cascade",
			Name:      "reconciled_builds_total",
			Help:      "Tracked builds moved to a new state by module state changes.",
		}, []string{"state"}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebuildd",
			Subsystem: "cascade",
			Name:      "candidates_total",
			Help:      "Dependent modules considered for rebuild, by outcome.",
		}, []string{"outcome"}),
	}
}
