// Package fleet implements the scaling-group abstraction and the
// timeout/backoff reconciliation engine for an ASG-backed cluster.
package fleet

import "context"

// Node is the cluster-side view of a group member.
type Node interface {
	// Name is the cluster node name, used for logging.
	Name() string
	// InstanceID is the cloud instance id backing the node.
	InstanceID() string
	// Unschedulable reports whether the node is cordoned.
	Unschedulable() bool
	// Uncordon marks the node schedulable again.
	Uncordon(ctx context.Context) error
}

// Pod is the scheduling-side digest of a workload: its node selectors
// and NoSchedule taint tolerations.
type Pod interface {
	Selectors() map[string]string
	ToleratesAllNoSchedule() bool
	ToleratesNoScheduleKey(key string) bool
}
