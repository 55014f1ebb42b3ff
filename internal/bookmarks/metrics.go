package bookmarks

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors for validation telemetry and
// reupload-streak tracking. Registration is left to the caller (the bmksync
// CLI in the repository root registers these against its own registry when
// --metrics-addr is set)
// rather than using prometheus's global default registry.
type Metrics struct {
	Orphans                  prometheus.Counter
	MisparentedRoots         prometheus.Counter
	MultipleParents          prometheus.Counter
	MissingParents           prometheus.Counter
	NonFolderParents         prometheus.Counter
	ParentChildDisagreements prometheus.Counter
	MissingChildren          prometheus.Counter
	ConsecutiveReuploads     prometheus.Gauge
}

// NewMetrics constructs unregistered collectors; call Collectors() to obtain
// the slice for prometheus.Registry.MustRegister.
func NewMetrics() *Metrics {
	ns := "bmksync"
	return &Metrics{
		Orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_orphans_total",
			Help: "Remote tree nodes reparented to unfiled because their declared parent was missing.",
		}),
		MisparentedRoots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_misparented_roots_total",
			Help: "User roots found with an unexpected parent in the remote tree.",
		}),
		MultipleParents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_multiple_parents_total",
			Help: "Remote nodes claimed as a child by more than one parent.",
		}),
		MissingParents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_missing_parents_total",
			Help: "Remote nodes whose declared parent guid has no row.",
		}),
		NonFolderParents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_non_folder_parents_total",
			Help: "Remote nodes whose declared parent is not a folder.",
		}),
		ParentChildDisagreements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_parent_child_disagreements_total",
			Help: "Structure-table edges that disagree with a child's declared parent guid.",
		}),
		MissingChildren: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "remote_tree_missing_children_total",
			Help: "Structure-table entries referencing a child guid with no row.",
		}),
		ConsecutiveReuploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "consecutive_reupload_streak_guids",
			Help: "Number of guids currently on an active consecutive-reupload streak.",
		}),
	}
}

// Collectors returns every collector for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Orphans, m.MisparentedRoots, m.MultipleParents, m.MissingParents,
		m.NonFolderParents, m.ParentChildDisagreements, m.MissingChildren,
		m.ConsecutiveReuploads,
	}
}

// observe folds a ValidationStats snapshot into the counters.
func (m *Metrics) observe(v ValidationStats) {
	m.Orphans.Add(float64(v.Orphans))
	m.MisparentedRoots.Add(float64(v.MisparentedRoots))
	m.MultipleParents.Add(float64(v.MultipleParents))
	m.MissingParents.Add(float64(v.MissingParents))
	m.NonFolderParents.Add(float64(v.NonFolderParents))
	m.ParentChildDisagreements.Add(float64(v.ParentChildDisagreements))
	m.MissingChildren.Add(float64(v.MissingChildren))
}
