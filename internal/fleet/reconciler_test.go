package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
)

const instanceLimitMessage = "You have requested more instances (12) than your current instance limit of 10 allows for the specified instance type. Please visit http://aws.amazon.com/contact-us/ec2-request to request an adjustment to this limit. Launching EC2 instance failed."

func failedActivity(id, group, message string, start time.Time) astypes.Activity {
	return astypes.Activity{
		ActivityId:           aws.String(id),
		AutoScalingGroupName: aws.String(group),
		StatusCode:           astypes.ScalingActivityStatusCodeFailed,
		StatusMessage:        aws.String(message),
		StartTime:            aws.Time(start),
		Progress:             aws.Int32(100),
	}
}

func TestReconciler_InstanceLimitCapsDesired(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		failedActivity("act-1", "workers", instanceLimitMessage, now.Add(-10*time.Minute)),
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 12, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}

	if len(fake.SetDesiredCalls) != 1 {
		t.Fatalf("got %d SetDesiredCapacity calls, want 1", len(fake.SetDesiredCalls))
	}
	// requested 12, so the account can hold at most 11
	if fake.SetDesiredCalls[0].Desired != 11 {
		t.Errorf("capped desired=%d, want 11", fake.SetDesiredCalls[0].Desired)
	}
	if !r.IsTimedOut(g) {
		t.Error("expected group to be timed out")
	}
	ordinary, _ := r.SuppressedUntil(g)
	wantExpiry := now.Add(-10 * time.Minute).Add(time.Hour)
	if !ordinary.Equal(wantExpiry) {
		t.Errorf("expiry=%v, want activity start + 1h (%v)", ordinary, wantExpiry)
	}
}

func TestReconciler_InstanceLimitUnderCapDoesNothing(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		failedActivity("act-1", "workers", instanceLimitMessage, now.Add(-10*time.Minute)),
	}

	// already at the cap; the stale failure must not suppress the group
	g := newTestGroup(fake, groupSpec{name: "workers", desired: 11, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if len(fake.SetDesiredCalls) != 0 {
		t.Errorf("got %d SetDesiredCapacity calls, want 0", len(fake.SetDesiredCalls))
	}
	if r.IsTimedOut(g) {
		t.Error("expected no timeout when desired already fits the limit")
	}
}

func TestReconciler_DryRunRecordsTimeoutWithoutMutating(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		failedActivity("act-1", "workers", instanceLimitMessage, now.Add(-10*time.Minute)),
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 12, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, true); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if len(fake.SetDesiredCalls) != 0 {
		t.Errorf("dry run issued %d SetDesiredCapacity calls, want 0", len(fake.SetDesiredCalls))
	}
	if !r.IsTimedOut(g) {
		t.Error("expected dry run to still record the timeout")
	}
}

func TestReconciler_CleanPassClearsTimeout(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 4, maxSize: 20})
	r := newTestReconciler(clients, now)
	r.timeouts[g.ID()] = now.Add(30 * time.Minute)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.IsTimedOut(g) {
		t.Error("expected a pass without failures to clear the timeout")
	}
}

func TestReconciler_CapacityLimitReverts(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	act := failedActivity("act-1", "workers", "Insufficient capacity. Launching EC2 instance failed.", now.Add(-10*time.Minute))
	act.Cause = aws.String("At 2026-08-30T10:05:17Z an instance was started in response to a difference between desired and actual capacity, increasing the capacity from 2 to 4.")
	fake.Activities = []astypes.Activity{act}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 4, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if len(fake.SetDesiredCalls) != 1 || fake.SetDesiredCalls[0].Desired != 2 {
		t.Fatalf("calls=%+v, want one reverting desired to 2", fake.SetDesiredCalls)
	}
	if !r.IsTimedOut(g) {
		t.Error("expected reverted group to be timed out")
	}
}

func TestReconciler_CapacityLimitAlreadyRevertedNoTimeout(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	act := failedActivity("act-1", "workers", "Insufficient capacity. Launching EC2 instance failed.", now.Add(-10*time.Minute))
	act.Cause = aws.String("At 2026-08-30T10:05:17Z an instance was started in response to a difference between desired and actual capacity, increasing the capacity from 2 to 4.")
	fake.Activities = []astypes.Activity{act}

	// desired already back at the original
	g := newTestGroup(fake, groupSpec{name: "workers", desired: 2, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if len(fake.SetDesiredCalls) != 0 {
		t.Errorf("got %d SetDesiredCapacity calls, want 0", len(fake.SetDesiredCalls))
	}
	if r.IsTimedOut(g) {
		t.Error("expected no timeout when nothing was reverted")
	}
}

func TestReconciler_AZLimitOnlyAffectsPinnedGroups(t *testing.T) {
	message := "We currently do not have sufficient m4.large capacity in the Availability Zone you requested (us-east-1a)."
	cause := "At 2026-08-30T10:05:17Z an instance was started in response to a difference between desired and actual capacity, increasing the capacity from 1 to 3."

	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	actPinned := failedActivity("act-1", "workers-only-az-1a", message, now.Add(-10*time.Minute))
	actPinned.Cause = aws.String(cause)
	actFree := failedActivity("act-2", "workers", message, now.Add(-10*time.Minute))
	actFree.Cause = aws.String(cause)
	fake.Activities = []astypes.Activity{actPinned, actFree}

	pinned := newTestGroup(fake, groupSpec{name: "workers-only-az-1a", desired: 3, maxSize: 20})
	free := newTestGroup(fake, groupSpec{name: "workers", desired: 3, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{pinned, free}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if !r.IsTimedOut(pinned) {
		t.Error("expected zone-pinned group to be timed out")
	}
	if r.IsTimedOut(free) {
		t.Error("expected multi-zone group to shrug off the zone failure")
	}
	if len(fake.SetDesiredCalls) != 1 || fake.SetDesiredCalls[0].GroupName != "workers-only-az-1a" {
		t.Errorf("calls=%+v, want one reversion for the pinned group only", fake.SetDesiredCalls)
	}
}

func TestReconciler_SpotCancelledIsBenign(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		// newest: our own cancellation; older: a real limit failure
		failedActivity("act-2", "workers", "Spot instance request: sir-abc has been cancelled.", now.Add(-5*time.Minute)),
		failedActivity("act-1", "workers", instanceLimitMessage, now.Add(-10*time.Minute)),
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 12, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	// the cancellation is skipped, the limit failure behind it still applies
	if !r.IsTimedOut(g) {
		t.Error("expected the older limit failure to time the group out")
	}
	if len(fake.SetDesiredCalls) != 1 || fake.SetDesiredCalls[0].Desired != 11 {
		t.Errorf("calls=%+v, want one capping desired to 11", fake.SetDesiredCalls)
	}
}

func TestReconciler_SpotLimitSettlesToActual(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		failedActivity("act-1", "workers", "Max spot instance count exceeded. Placing Spot instance request failed.", now.Add(-10*time.Minute)),
	}

	node := &fakeNode{name: "node-1", instanceID: "i-aaa"}
	g := newTestGroup(fake, groupSpec{name: "workers", desired: 5, maxSize: 20, nodes: []Node{node}, spot: "0.30"})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if !r.IsTimedOut(g) {
		t.Error("expected spot-limit failure to time the group out")
	}
	if len(fake.SetDesiredCalls) != 1 || fake.SetDesiredCalls[0].Desired != 1 {
		t.Errorf("calls=%+v, want desired settled to actual capacity 1", fake.SetDesiredCalls)
	}
}

func TestReconciler_StaleSpotRequestCancelled(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		{
			ActivityId:           aws.String("act-1"),
			AutoScalingGroupName: aws.String("workers"),
			StatusCode:           astypes.ScalingActivityStatusCodeWaitingForSpotInstanceId,
			StatusMessage:        aws.String("Placed Spot instance request: sir-wait1. Waiting for instance(s)"),
			StartTime:            aws.Time(now.Add(-10 * time.Minute)),
			Progress:             aws.Int32(30),
		},
	}
	ec2fake := clients.Spot("us-east-1")
	ec2fake.SpotRequests["sir-wait1"] = ec2types.SpotInstanceRequest{
		SpotInstanceRequestId: aws.String("sir-wait1"),
		State:                 ec2types.SpotInstanceStateOpen,
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 5, maxSize: 20, spot: "0.30"})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if !r.IsTimedOut(g) {
		t.Error("expected stale spot wait to time the group out")
	}
	if len(ec2fake.CancelCalls) != 1 || ec2fake.CancelCalls[0] != "sir-wait1" {
		t.Errorf("cancel calls=%v, want [sir-wait1]", ec2fake.CancelCalls)
	}
	if len(fake.SetDesiredCalls) != 1 || fake.SetDesiredCalls[0].Desired != 4 {
		t.Errorf("calls=%+v, want desired decremented to 4", fake.SetDesiredCalls)
	}
}

func TestReconciler_FreshSpotRequestLeftAlone(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		{
			ActivityId:           aws.String("act-1"),
			AutoScalingGroupName: aws.String("workers"),
			StatusCode:           astypes.ScalingActivityStatusCodeWaitingForSpotInstanceId,
			StatusMessage:        aws.String("Placed Spot instance request: sir-wait1. Waiting for instance(s)"),
			StartTime:            aws.Time(now.Add(-2 * time.Minute)),
			Progress:             aws.Int32(30),
		},
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 5, maxSize: 20, spot: "0.30"})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.IsTimedOut(g) {
		t.Error("expected a request within the wait budget to be left alone")
	}
	if len(clients.Spot("us-east-1").CancelCalls) != 0 {
		t.Error("expected no cancellations")
	}
}

func TestReconciler_ZoneRebalanceWaitIgnored(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		{
			ActivityId:           aws.String("act-1"),
			AutoScalingGroupName: aws.String("workers"),
			StatusCode:           astypes.ScalingActivityStatusCodeWaitingForSpotInstanceId,
			StatusMessage:        aws.String("Placed Spot instance request: sir-wait1. Waiting for instance(s)"),
			Cause:                aws.String("At 2026-08-30T10:05:17Z an instance was launched to aid in balancing the group's zones."),
			StartTime:            aws.Time(now.Add(-30 * time.Minute)),
			Progress:             aws.Int32(30),
		},
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 5, maxSize: 20, spot: "0.30"})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.IsTimedOut(g) {
		t.Error("expected rebalance launches to be ignored however old")
	}
	if len(clients.Spot("us-east-1").CancelCalls) != 0 {
		t.Error("expected no cancellations for a rebalance launch")
	}
}

func TestReconciler_WatermarkBoundsNextScan(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	completed := failedActivity("act-done", "workers", "", now.Add(-5*time.Minute))
	completed.StatusCode = astypes.ScalingActivityStatusCodeSuccessful
	fake.Activities = []astypes.Activity{
		completed,
		failedActivity("act-old", "workers", instanceLimitMessage, now.Add(-10*time.Minute)),
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 11, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.lastActivity["us-east-1"] != "act-done" {
		t.Fatalf("watermark=%q, want act-done", r.lastActivity["us-east-1"])
	}

	// second pass: consumption stops at the watermark, so the old limit
	// failure is never revisited even if desired has since grown past it
	g.DesiredCapacity = 12
	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.IsTimedOut(g) {
		t.Error("expected an activity behind the watermark to stay consumed")
	}
}

func TestReconciler_WatermarkKeptWhenNothingCompleted(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		{
			ActivityId:           aws.String("act-progress"),
			AutoScalingGroupName: aws.String("workers"),
			StatusCode:           astypes.ScalingActivityStatusCodeInProgress,
			StartTime:            aws.Time(now.Add(-time.Minute)),
			Progress:             aws.Int32(40),
		},
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 3, maxSize: 20})
	r := newTestReconciler(clients, now)
	r.lastActivity["us-east-1"] = "act-previous"

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.lastActivity["us-east-1"] != "act-previous" {
		t.Errorf("watermark=%q, want act-previous retained", r.lastActivity["us-east-1"])
	}
}

func TestReconciler_StaleActivitiesNotConsumed(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	fake := clients.ASG("us-east-1")
	fake.Activities = []astypes.Activity{
		failedActivity("act-ancient", "workers", instanceLimitMessage, now.Add(-2*time.Hour)),
	}

	g := newTestGroup(fake, groupSpec{name: "workers", desired: 12, maxSize: 20})
	r := newTestReconciler(clients, now)

	if err := r.RefreshTimeouts(context.Background(), []*Group{g}, false); err != nil {
		t.Fatalf("RefreshTimeouts: %v", err)
	}
	if r.IsTimedOut(g) {
		t.Error("expected failures older than the staleness window to be ignored")
	}
	if len(fake.SetDesiredCalls) != 0 {
		t.Errorf("got %d SetDesiredCapacity calls, want 0", len(fake.SetDesiredCalls))
	}
}

func TestReconciler_IsTimedOutExpires(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	g := newTestGroup(clients.ASG("us-east-1"), groupSpec{name: "workers", desired: 3, maxSize: 20})
	r := newTestReconciler(clients, now)

	r.timeouts[g.ID()] = now.Add(time.Minute)
	if !r.IsTimedOut(g) {
		t.Error("expected future expiry to suppress the group")
	}

	r.now = func() time.Time { return now.Add(2 * time.Minute) }
	if r.IsTimedOut(g) {
		t.Error("expected past expiry not to suppress the group")
	}
}

func TestReconciler_SpotChannelSuppressesIndependently(t *testing.T) {
	clients := cloudapi.NewFakeRegional()
	now := time.Now()
	g := newTestGroup(clients.ASG("us-east-1"), groupSpec{name: "workers", desired: 3, maxSize: 20, spot: "0.30"})
	r := newTestReconciler(clients, now)

	r.spotTimeouts[g.ID()] = now.Add(time.Minute)
	if !r.IsTimedOut(g) {
		t.Error("expected spot channel alone to suppress the group")
	}
	ordinary, spot := r.SuppressedUntil(g)
	if !ordinary.IsZero() {
		t.Errorf("ordinary expiry=%v, want zero", ordinary)
	}
	if spot.IsZero() {
		t.Error("expected spot expiry to be set")
	}
}
