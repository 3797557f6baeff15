// Package metrics exports the agent's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GroupsDiscovered tracks how many worker groups the catalog found
	// per region in the last iteration.
	GroupsDiscovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asgfleet",
			Name:      "groups_discovered",
			Help:      "Worker scaling groups discovered in the last catalog refresh",
		},
		[]string{"region"},
	)

	// GroupDesiredCapacity mirrors the provider's desired capacity.
	GroupDesiredCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asgfleet",
			Name:      "group_desired_capacity",
			Help:      "Desired capacity per scaling group",
		},
		[]string{"region", "group"},
	)

	// GroupActualCapacity counts the cluster nodes backing each group.
	GroupActualCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asgfleet",
			Name:      "group_actual_capacity",
			Help:      "Cluster nodes currently backing each scaling group",
		},
		[]string{"region", "group"},
	)

	// GroupTimedOut is 1 while a suppression channel holds the group
	// out of scaling decisions.
	GroupTimedOut = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asgfleet",
			Name:      "group_timed_out",
			Help:      "Whether a group is suppressed (1) on a channel (ordinary|spot)",
		},
		[]string{"region", "group", "channel"},
	)

	// CorrectiveActions counts actions taken by the reconciler:
	// timeouts marked and mutations issued. Mutations skipped under
	// dry-run are not counted; timeout markings always are.
	CorrectiveActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asgfleet",
			Name:      "corrective_actions_total",
			Help:      "Corrective mutations issued by the timeout reconciler",
		},
		[]string{"action"},
	)

	// SpotOutbidSeconds is the last computed average outbid duration
	// per spot group.
	SpotOutbidSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asgfleet",
			Name:      "spot_outbid_seconds",
			Help:      "Average duration the group's bid was beaten by market price, across zones with any outbid time",
		},
		[]string{"region", "group"},
	)

	// EstimatedHourlySavingsUSD is the spot-versus-on-demand savings
	// estimate per group.
	EstimatedHourlySavingsUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asgfleet",
			Name:      "estimated_hourly_savings_usd",
			Help:      "Estimated hourly savings of running the group on spot capacity",
		},
		[]string{"region", "group"},
	)

	// IterationErrors counts control-loop iterations that failed and
	// will be retried next cycle.
	IterationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asgfleet",
			Name:      "iteration_errors_total",
			Help:      "Control-loop iterations aborted by a provider error",
		},
	)
)
