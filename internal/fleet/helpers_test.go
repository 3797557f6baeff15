package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
)

// fakeNode implements Node in memory for tests.
type fakeNode struct {
	name          string
	instanceID    string
	unschedulable bool
	uncordonErr   error
	uncordoned    int
}

func (n *fakeNode) Name() string        { return n.name }
func (n *fakeNode) InstanceID() string  { return n.instanceID }
func (n *fakeNode) Unschedulable() bool { return n.unschedulable }

func (n *fakeNode) Uncordon(ctx context.Context) error {
	if n.uncordonErr != nil {
		return n.uncordonErr
	}
	n.uncordoned++
	n.unschedulable = false
	return nil
}

// fakePod implements Pod in memory for tests.
type fakePod struct {
	selectors map[string]string
	wildcard  bool
	keys      map[string]bool
}

func (p *fakePod) Selectors() map[string]string { return p.selectors }
func (p *fakePod) ToleratesAllNoSchedule() bool { return p.wildcard }
func (p *fakePod) ToleratesNoScheduleKey(key string) bool {
	return p.keys[key]
}

// groupSpec is the knobs newTestGroup exposes.
type groupSpec struct {
	region   string
	name     string
	desired  int32
	minSize  int32
	maxSize  int32
	spot     string // bid price; empty means on-demand
	nodes    []Node
	tags     map[string]string
	instType string
}

func newTestGroup(api cloudapi.AutoScalingAPI, spec groupSpec) *Group {
	if spec.region == "" {
		spec.region = "us-east-1"
	}
	if spec.instType == "" {
		spec.instType = "m4.large"
	}

	raw := astypes.AutoScalingGroup{
		AutoScalingGroupName:    aws.String(spec.name),
		LaunchConfigurationName: aws.String(spec.name + "-lc"),
		DesiredCapacity:         aws.Int32(spec.desired),
		MinSize:                 aws.Int32(spec.minSize),
		MaxSize:                 aws.Int32(spec.maxSize),
	}
	for k, v := range spec.tags {
		raw.Tags = append(raw.Tags, astypes.TagDescription{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}
	for _, n := range spec.nodes {
		raw.Instances = append(raw.Instances, astypes.Instance{
			InstanceId: aws.String(n.InstanceID()),
		})
	}

	lc := astypes.LaunchConfiguration{
		LaunchConfigurationName: aws.String(spec.name + "-lc"),
		InstanceType:            aws.String(spec.instType),
		ImageId:                 aws.String("ami-123456"),
	}
	if spec.spot != "" {
		lc.SpotPrice = aws.String(spec.spot)
	}

	return NewGroup(api, slog.Default(), spec.region, raw, lc, spec.nodes)
}

// newTestReconciler pins the reconciler clock for deterministic tests.
func newTestReconciler(clients cloudapi.Regional, now time.Time) *Reconciler {
	r := NewReconciler(clients, slog.Default())
	r.now = func() time.Time { return now }
	return r
}
