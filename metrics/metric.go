package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ShardMeta",
		Name:      "commits_total",
		Help:      "committed state transitions",
	}, []string{"shard", "op"})

	Conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ShardMeta",
		Name:      "version_conflicts_total",
		Help:      "compare-and-set races lost",
	}, []string{"shard"})

	ExpiredLeases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ShardMeta",
		Name:      "expired_leases_total",
		Help:      "reader and writer leases lapsed at transition time",
	}, []string{"shard", "kind"})

	FuelSpent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ShardMeta",
		Name:      "merge_fuel_spent_total",
		Help:      "units of compaction fuel consumed",
	}, []string{"shard"})

	RollupsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ShardMeta",
		Name:      "rollups_written_total",
		Help:      "full-state checkpoints written to the blob store",
	}, []string{"shard"})

	GCDeletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ShardMeta",
		Name:      "gc_deletions_total",
		Help:      "blobs deleted after falling out of the referenced state",
	}, []string{"shard", "kind"})
)

func init() {
	Registry.MustRegister(
		Commits,
		Conflicts,
		ExpiredLeases,
		FuelSpent,
		RollupsWritten,
		GCDeletions,
	)
}
