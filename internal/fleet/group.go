package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
)

// ID identifies a scaling group. All reconciler state is keyed by it.
type ID struct {
	Region string
	Name   string
}

func (id ID) String() string { return id.Region + "/" + id.Name }

// Group is one Auto Scaling Group joined with the cluster nodes it
// backs. A Group is rebuilt from a provider snapshot every control-loop
// iteration; only DesiredCapacity and the node list mutate in between,
// through SetDesiredCapacity and ScaleNodesIn.
type Group struct {
	api    cloudapi.AutoScalingAPI
	logger *slog.Logger

	Region          string
	Name            string
	DesiredCapacity int32
	MinSize         int32
	MaxSize         int32
	InstanceType    string
	ImageID         string

	// Spot is true when the launch configuration carries a bid price.
	Spot     bool
	BidPrice float64

	// Selectors are synthesized once at construction and immutable.
	Selectors map[string]string

	// InstanceIDs is the provider-side membership snapshot; Nodes is
	// the subset of cluster nodes whose instance ids are members.
	InstanceIDs map[string]struct{}
	Nodes       []Node

	// NoScheduleTaints carries the group's NoSchedule taint keys for
	// toleration matching.
	NoScheduleTaints map[string]string
}

// NewGroup builds a Group from the raw provider records.
func NewGroup(api cloudapi.AutoScalingAPI, logger *slog.Logger, region string, raw astypes.AutoScalingGroup, lc astypes.LaunchConfiguration, nodes []Node) *Group {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{
		api:              api,
		logger:           logger,
		Region:           region,
		Name:             aws.ToString(raw.AutoScalingGroupName),
		DesiredCapacity:  aws.ToInt32(raw.DesiredCapacity),
		MinSize:          aws.ToInt32(raw.MinSize),
		MaxSize:          aws.ToInt32(raw.MaxSize),
		InstanceType:     aws.ToString(lc.InstanceType),
		ImageID:          aws.ToString(lc.ImageId),
		Spot:             lc.SpotPrice != nil,
		InstanceIDs:      make(map[string]struct{}),
		NoScheduleTaints: make(map[string]string),
	}
	if lc.SpotPrice != nil {
		if bid, err := strconv.ParseFloat(*lc.SpotPrice, 64); err == nil {
			g.BidPrice = bid
		}
	}
	g.Selectors = synthesizeSelectors(region, lc, raw.Tags)

	for _, inst := range raw.Instances {
		if inst.InstanceId != nil {
			g.InstanceIDs[*inst.InstanceId] = struct{}{}
		}
	}
	for _, node := range nodes {
		if _, ok := g.InstanceIDs[node.InstanceID()]; ok {
			g.Nodes = append(g.Nodes, node)
		}
	}
	return g
}

// synthesizeSelectors maps the group's launch configuration and tags to
// the label set workloads match against. Tags under the kube/ namespace
// become bare selectors; two kube label aliases are added for
// compatibility with node labels.
func synthesizeSelectors(region string, lc astypes.LaunchConfiguration, tags []astypes.TagDescription) map[string]string {
	instanceType := aws.ToString(lc.InstanceType)
	selectors := map[string]string{
		"aws/type":   instanceType,
		"aws/ami-id": aws.ToString(lc.ImageId),
		"aws/region": region,
	}
	if instanceType != "" {
		selectors["aws/class"] = instanceType[:1]
	}
	for _, tag := range tags {
		key := aws.ToString(tag.Key)
		if after, ok := strings.CutPrefix(key, selectorTagPrefix); ok {
			selectors[after] = aws.ToString(tag.Value)
		}
	}
	selectors["beta.kubernetes.io/instance-type"] = selectors["aws/type"]
	selectors["failure-domain.beta.kubernetes.io/region"] = selectors["aws/region"]
	return selectors
}

func (g *Group) ID() ID { return ID{Region: g.Region, Name: g.Name} }

// ActualCapacity is the number of cluster nodes the group currently
// backs, which may lag the provider's desired capacity.
func (g *Group) ActualCapacity() int { return len(g.Nodes) }

// UnschedulableNodes returns the cordoned subset of the group's nodes.
func (g *Group) UnschedulableNodes() []Node {
	var out []Node
	for _, node := range g.Nodes {
		if node.Unschedulable() {
			out = append(out, node)
		}
	}
	return out
}

// SetDesiredCapacity sets the provider-side desired capacity exactly to
// desired, with the cooldown disabled so the change applies
// immediately, and mirrors the value locally. No min/max validation
// happens here; callers own that.
func (g *Group) SetDesiredCapacity(ctx context.Context, desired int32) error {
	g.logger.Info("setting desired capacity",
		"group", g.ID().String(),
		"desired", desired,
	)
	_, err := g.api.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(g.Name),
		DesiredCapacity:      aws.Int32(desired),
		HonorCooldown:        aws.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("failed to set desired capacity for group %s to %d: %w", g.Name, desired, err)
	}
	g.DesiredCapacity = desired
	return nil
}

// Scale grows the group toward target and reports whether capacity was
// increased. Cordoned nodes are uncordoned first, regardless of whether
// a capacity change follows, so existing instances are reused before
// new ones are requested. Scale never shrinks: racing a desired
// decrease against the provider's own termination choice is unsafe, so
// shrinking goes through ScaleNodesIn exclusively.
func (g *Group) Scale(ctx context.Context, target int32) (bool, error) {
	desired := min(g.MaxSize, target)
	unschedulable := g.UnschedulableNodes()
	schedulable := int32(g.ActualCapacity() - len(unschedulable))

	g.logger.Info("scaling group",
		"group", g.ID().String(),
		"target", desired,
		"desired_capacity", g.DesiredCapacity,
		"schedulable", schedulable,
		"unschedulable", len(unschedulable),
	)

	if schedulable < desired {
		for _, node := range unschedulable {
			if err := node.Uncordon(ctx); err != nil {
				g.logger.Warn("uncordon failed",
					"node", node.Name(),
					"error", err,
				)
				continue
			}
			schedulable++
			// uncordon only what we need
			if schedulable == desired {
				break
			}
		}
	}

	if g.DesiredCapacity != desired {
		if g.DesiredCapacity == g.MaxSize {
			g.logger.Info("group already at max size",
				"group", g.ID().String(),
				"desired_capacity", g.DesiredCapacity,
			)
			return false, nil
		}
		if g.DesiredCapacity < desired {
			if err := g.SetDesiredCapacity(ctx, desired); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	g.logger.Info("no capacity change needed",
		"group", g.ID().String(),
		"desired_capacity", g.DesiredCapacity,
		"schedulable", schedulable,
	)
	return false, nil
}

// ScaleNodesIn terminates the given nodes through the provider,
// decrementing desired capacity only while it sits above the group
// minimum (decrementing below min is rejected outright). A min-size
// rejection is logged and the remaining nodes still attempted; any
// other provider error aborts the batch.
func (g *Group) ScaleNodesIn(ctx context.Context, nodes []Node) error {
	for _, node := range nodes {
		decrement := g.DesiredCapacity > g.MinSize
		_, err := g.api.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
			InstanceId:                     aws.String(node.InstanceID()),
			ShouldDecrementDesiredCapacity: aws.Bool(decrement),
		})
		if err != nil {
			if cloudapi.IsMinSizeViolation(err) {
				g.logger.Error("failed to terminate instance",
					"group", g.ID().String(),
					"instance", node.InstanceID(),
					"error", err,
				)
				continue
			}
			return fmt.Errorf("failed to terminate instance %s in group %s: %w", node.InstanceID(), g.Name, err)
		}
		g.removeNode(node)
		g.logger.Info("scaled node in",
			"group", g.ID().String(),
			"node", node.Name(),
		)
	}
	return nil
}

func (g *Group) removeNode(node Node) {
	for i, n := range g.Nodes {
		if n == node {
			g.Nodes = append(g.Nodes[:i], g.Nodes[i+1:]...)
			return
		}
	}
}

// Contains reports whether the node's instance is a group member.
func (g *Group) Contains(node Node) bool {
	_, ok := g.InstanceIDs[node.InstanceID()]
	return ok
}

// MatchesSelectors reports whether every given label/value pair matches
// the group's selectors exactly.
func (g *Group) MatchesSelectors(selectors map[string]string) bool {
	for label, value := range selectors {
		if g.Selectors[label] != value {
			return false
		}
	}
	return true
}

// ToleratesTaints reports whether the pod both selects this group and
// tolerates every NoSchedule taint the group carries, via a wildcard or
// a per-key toleration.
func (g *Group) ToleratesTaints(pod Pod) bool {
	for label, value := range pod.Selectors() {
		if g.Selectors[label] != value {
			return false
		}
	}
	for key := range g.NoScheduleTaints {
		if !pod.ToleratesAllNoSchedule() && !pod.ToleratesNoScheduleKey(key) {
			return false
		}
	}
	return true
}

func (g *Group) String() string {
	return fmt.Sprintf("Group(%s, %s)", g.ID(), g.InstanceType)
}
