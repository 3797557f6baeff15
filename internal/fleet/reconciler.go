package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"

	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
	"github.com/softcane/asg-fleet-agent/internal/metrics"
)

const (
	// failureTimeout is how long a group stays suppressed after a
	// disqualifying activity, and the staleness window for activity
	// consumption.
	failureTimeout = time.Hour

	// spotWaitTimeout is how long a spot request may sit pending before
	// the group is suppressed and the request cancelled.
	spotWaitTimeout = 5 * time.Minute

	// azRestrictedMarker in a group name means the group is pinned to a
	// single availability zone, so AZ capacity failures are actionable.
	azRestrictedMarker = "only-az"
)

// Activity is one provisioning event from a group's scaling history.
type Activity struct {
	ID            string
	GroupName     string
	StartTime     time.Time
	Progress      int32
	StatusCode    astypes.ScalingActivityStatusCode
	StatusMessage string
	Cause         string
}

func activityFromSDK(a astypes.Activity) Activity {
	act := Activity{
		StatusCode: a.StatusCode,
	}
	if a.ActivityId != nil {
		act.ID = *a.ActivityId
	}
	if a.AutoScalingGroupName != nil {
		act.GroupName = *a.AutoScalingGroupName
	}
	if a.StartTime != nil {
		act.StartTime = *a.StartTime
	}
	if a.Progress != nil {
		act.Progress = *a.Progress
	}
	if a.StatusMessage != nil {
		act.StatusMessage = *a.StatusMessage
	}
	if a.Cause != nil {
		act.Cause = *a.Cause
	}
	return act
}

// Reconciler is the timeout state machine. It owns all state that
// survives across control-loop iterations, keyed by group identity, and
// is safe for single-threaded use only: RefreshTimeouts and IsTimedOut
// must be called from the control-loop goroutine.
type Reconciler struct {
	clients cloudapi.Regional
	logger  *slog.Logger
	now     func() time.Time

	// Two independent suppression channels. A missing key means the
	// channel is clear.
	timeouts     map[ID]time.Time
	spotTimeouts map[ID]time.Time

	// lastActivity is the per-region watermark: the newest completed
	// activity id seen, bounding the next incremental scan. It only
	// moves forward.
	lastActivity map[string]string

	// priceHistory is the per-region rolling spot price window.
	priceHistory map[string][]pricePoint
}

// NewReconciler builds a reconciler with empty state. One instance per
// control loop; multiple instances in a process are independent.
func NewReconciler(clients cloudapi.Regional, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		clients:      clients,
		logger:       logger,
		now:          time.Now,
		timeouts:     make(map[ID]time.Time),
		spotTimeouts: make(map[ID]time.Time),
		lastActivity: make(map[string]string),
		priceHistory: make(map[string][]pricePoint),
	}
}

// IsTimedOut reports whether either suppression channel holds an expiry
// strictly in the future for the group.
func (r *Reconciler) IsTimedOut(g *Group) bool {
	now := r.now()
	if expiry, ok := r.timeouts[g.ID()]; ok && now.Before(expiry) {
		return true
	}
	if expiry, ok := r.spotTimeouts[g.ID()]; ok && now.Before(expiry) {
		return true
	}
	return false
}

// SuppressedUntil returns the stored expiries for both channels; a zero
// time means that channel is clear.
func (r *Reconciler) SuppressedUntil(g *Group) (ordinary, spot time.Time) {
	return r.timeouts[g.ID()], r.spotTimeouts[g.ID()]
}

// regionActivities is one region's incremental activity fetch.
type regionActivities struct {
	watermark string
	byGroup   map[string][]Activity
}

// RefreshTimeouts runs one reconciliation pass: spot-outbid evaluation
// first, then per-region activity consumption and rule application.
// Activity pages are fetched concurrently per region; reconciliation
// and any corrective mutations run sequentially on the caller's
// goroutine, so no group is ever mutated concurrently.
func (r *Reconciler) RefreshTimeouts(ctx context.Context, groups []*Group, dryRun bool) error {
	if err := r.refreshSpotTimeouts(ctx, groups); err != nil {
		return err
	}

	byRegion := make(map[string][]*Group)
	var regions []string
	for _, g := range groups {
		if _, ok := byRegion[g.Region]; !ok {
			regions = append(regions, g.Region)
		}
		byRegion[g.Region] = append(byRegion[g.Region], g)
	}

	fetched := make([]*regionActivities, len(regions))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, region := range regions {
		watermark := r.lastActivity[region]
		eg.Go(func() error {
			res, err := r.fetchActivities(egCtx, region, watermark)
			if err != nil {
				return err
			}
			fetched[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, region := range regions {
		res := fetched[i]
		// The watermark must advance even when nothing disqualifying
		// was found, or a quiet region re-scans its history forever. It
		// is kept as-is when no completed activity was seen at all.
		if res.watermark != "" {
			r.lastActivity[region] = res.watermark
		}
		for _, g := range byRegion[region] {
			if err := r.reconcile(ctx, g, res.byGroup[g.Name], dryRun); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetchActivities consumes the region's activity log newest-first,
// stopping at the previous watermark or at entries older than the
// staleness window, whichever comes first. The first fully-completed
// activity becomes the new watermark regardless of how far consumption
// proceeds; an in-flight activity never does, so its eventual outcome
// is not skipped next pass.
func (r *Reconciler) fetchActivities(ctx context.Context, region, watermark string) (*regionActivities, error) {
	api := r.clients.AutoScaling(region)
	res := &regionActivities{byGroup: make(map[string][]Activity)}

	var cutoff time.Time
	input := &autoscaling.DescribeScalingActivitiesInput{}
pages:
	for {
		page, err := api.DescribeScalingActivities(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe scaling activities in %s: %w", region, err)
		}
		for _, raw := range page.Activities {
			act := activityFromSDK(raw)
			if res.watermark == "" && act.Progress == 100 {
				res.watermark = act.ID
			}
			if watermark != "" && act.ID == watermark {
				break pages
			}
			if cutoff.IsZero() {
				cutoff = r.now().Add(-failureTimeout)
			}
			if act.StartTime.Before(cutoff) {
				break pages
			}
			res.byGroup[act.GroupName] = append(res.byGroup[act.GroupName], act)
		}
		if page.NextToken == nil {
			break
		}
		input.NextToken = page.NextToken
	}
	return res, nil
}

// reconcile applies the failure rules to one group's activities, in the
// order fetched (newest first). The first disqualifying rule wins and
// stops iteration, so an older, already-superseded event can never
// overrule a fresh one. The ordinary-timeout channel is cleared only
// when the scan runs through every activity without disqualifying the
// group; a rule that stops iteration leaves prior state alone.
func (r *Reconciler) reconcile(ctx context.Context, g *Group, activities []Activity, dryRun bool) error {
	disqualified := false
	for _, act := range activities {
		switch act.StatusCode {
		case astypes.ScalingActivityStatusCodeFailed, astypes.ScalingActivityStatusCodeCancelled:
			r.logger.Warn("scaling failure",
				"group", g.ID().String(),
				"status", string(act.StatusCode),
				"message", act.StatusMessage,
				"cause", act.Cause,
			)

			c := Classify(act.StatusMessage)
			switch c.Kind {
			case FailureInstanceLimit:
				// The account cannot hold the requested count; cap just
				// below it.
				maxDesired := int32(c.Requested - 1)
				if g.DesiredCapacity > maxDesired {
					r.timeOut(g, act, &disqualified)
					if dryRun {
						r.logger.Info("dry run: would set desired capacity",
							"group", g.ID().String(),
							"desired", maxDesired,
						)
					} else {
						if err := g.SetDesiredCapacity(ctx, maxDesired); err != nil {
							return err
						}
						metrics.CorrectiveActions.WithLabelValues("cap_desired").Inc()
					}
				}
				return nil

			case FailureVolumeLimit:
				// TODO: decrease desired capacity
				r.timeOut(g, act, &disqualified)
				return nil

			case FailureCapacityLimit:
				reverted, err := r.revertCapacity(ctx, g, act, dryRun)
				if err != nil {
					return err
				}
				if reverted {
					r.timeOut(g, act, &disqualified)
				}
				return nil

			case FailureAZLimit:
				// Zone capacity failures only matter for groups pinned
				// to a zone; others will fill from a different zone.
				if strings.Contains(g.Name, azRestrictedMarker) {
					reverted, err := r.revertCapacity(ctx, g, act, dryRun)
					if err != nil {
						return err
					}
					if reverted {
						r.timeOut(g, act, &disqualified)
					}
					return nil
				}

			case FailureSpotRequestCancelled:
				// A cancellation we issued ourselves; benign, and not
				// grounds to clear or set a timeout.
				continue

			case FailureSpotLimit:
				r.timeOut(g, act, &disqualified)
				if dryRun {
					r.logger.Info("dry run: would set desired capacity",
						"group", g.ID().String(),
						"desired", g.ActualCapacity(),
					)
				} else {
					if err := g.SetDesiredCapacity(ctx, int32(g.ActualCapacity())); err != nil {
						return err
					}
					metrics.CorrectiveActions.WithLabelValues("cap_desired").Inc()
				}
				return nil
			}

		case astypes.ScalingActivityStatusCodeWaitingForSpotInstanceId:
			r.logger.Warn("waiting for spot instance",
				"group", g.ID().String(),
				"message", act.StatusMessage,
			)

			if IsAZRebalanceCause(act.Cause) {
				// The provider relaunches rebalance requests on its
				// own; cancelling them is futile.
				r.logger.Info("ignoring zone rebalance launch",
					"group", g.ID().String(),
				)
				continue
			}

			if r.now().Sub(act.StartTime) > spotWaitTimeout {
				r.timeOut(g, act, &disqualified)
				if requestID, ok := SpotRequestID(act.StatusMessage); ok {
					if dryRun {
						r.logger.Info("dry run: would cancel spot request and decrement desired capacity",
							"group", g.ID().String(),
							"request_id", requestID,
						)
					} else {
						cancelled, err := r.cancelSpotRequest(ctx, g.Region, requestID)
						if err != nil {
							return err
						}
						if cancelled {
							if err := g.SetDesiredCapacity(ctx, g.DesiredCapacity-1); err != nil {
								return err
							}
							metrics.CorrectiveActions.WithLabelValues("cancel_spot_request").Inc()
						}
					}
				}
				// No early return: more pending spot requests for this
				// group may each need cancelling in the same pass.
			}
		}
	}
	return r.finish(g, disqualified)
}

// finish closes a reconciliation pass for the group: the ordinary
// channel is cleared unless this pass set it.
func (r *Reconciler) finish(g *Group, disqualified bool) error {
	if !disqualified {
		delete(r.timeouts, g.ID())
		r.logger.Debug("no timeout", "group", g.ID().String())
	}
	return nil
}

func (r *Reconciler) timeOut(g *Group, act Activity, disqualified *bool) {
	expiry := act.StartTime.Add(failureTimeout)
	r.timeouts[g.ID()] = expiry
	*disqualified = true
	metrics.CorrectiveActions.WithLabelValues("timeout").Inc()
	r.logger.Info("group timed out",
		"group", g.ID().String(),
		"until", expiry,
		"activity", act.ID,
	)
}

// revertCapacity parses the cause of a launch-increase activity and, if
// desired capacity still exceeds the recorded original, puts it back.
// Reports whether a reversion happened (dry-run included).
func (r *Reconciler) revertCapacity(ctx context.Context, g *Group, act Activity, dryRun bool) (bool, error) {
	original, _, ok := ParseLaunchCause(act.Cause)
	if !ok {
		return false, nil
	}
	if g.DesiredCapacity <= int32(original) {
		return false, nil
	}
	// The increase that produced this activity overshot what the
	// provider can deliver; settle back to where it started.
	if dryRun {
		r.logger.Info("dry run: would revert desired capacity",
			"group", g.ID().String(),
			"original", original,
		)
	} else {
		if err := g.SetDesiredCapacity(ctx, int32(original)); err != nil {
			return false, err
		}
		metrics.CorrectiveActions.WithLabelValues("revert_capacity").Inc()
	}
	return true, nil
}

// cancelSpotRequest cancels a provider-side spot request if it is still
// open or active. Reports whether a cancellation was issued.
func (r *Reconciler) cancelSpotRequest(ctx context.Context, region, requestID string) (bool, error) {
	api := r.clients.EC2(region)
	out, err := api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe spot request %s: %w", requestID, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return false, nil
	}
	state := out.SpotInstanceRequests[0].State
	if state != ec2types.SpotInstanceStateOpen && state != ec2types.SpotInstanceStateActive {
		return false, nil
	}
	if _, err := api.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	}); err != nil {
		return false, fmt.Errorf("failed to cancel spot request %s: %w", requestID, err)
	}
	r.logger.Info("spot instance request cancelled", "request_id", requestID)
	return true, nil
}
