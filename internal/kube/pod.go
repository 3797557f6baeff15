package kube

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/softcane/asg-fleet-agent/internal/fleet"
)

// Pod digests a workload's scheduling constraints into the shape the
// fleet core matches groups against: node selectors plus NoSchedule
// toleration flags.
type Pod struct {
	selectors          map[string]string
	wildcardNoSchedule bool
	noScheduleKeys     map[string]struct{}
}

// NewPod builds the digest from a pod spec.
func NewPod(pod *corev1.Pod) *Pod {
	p := &Pod{
		selectors:      make(map[string]string, len(pod.Spec.NodeSelector)),
		noScheduleKeys: make(map[string]struct{}),
	}
	for k, v := range pod.Spec.NodeSelector {
		p.selectors[k] = v
	}
	for _, tol := range pod.Spec.Tolerations {
		if tol.Effect != corev1.TaintEffectNoSchedule && tol.Effect != "" {
			continue
		}
		if tol.Operator != corev1.TolerationOpExists {
			continue
		}
		if tol.Key == "" {
			// an empty key with Exists tolerates everything
			p.wildcardNoSchedule = true
			continue
		}
		p.noScheduleKeys[tol.Key] = struct{}{}
	}
	return p
}

func (p *Pod) Selectors() map[string]string { return p.selectors }

func (p *Pod) ToleratesAllNoSchedule() bool { return p.wildcardNoSchedule }

func (p *Pod) ToleratesNoScheduleKey(key string) bool {
	_, ok := p.noScheduleKeys[key]
	return ok
}

// Compile-time interface check.
var _ fleet.Pod = (*Pod)(nil)
