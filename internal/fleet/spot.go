package fleet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/softcane/asg-fleet-agent/internal/metrics"
)

const (
	// maxOutbidInterval is the average per-zone outbid duration above
	// which a spot group is suppressed.
	maxOutbidInterval = 20 * time.Minute

	// spotHistoryPeriod is the rolling price-history lookback.
	spotHistoryPeriod = 5 * time.Hour
)

// pricePoint is one spot price observation.
type pricePoint struct {
	Timestamp        time.Time
	AvailabilityZone string
	InstanceType     string
	Price            float64
}

// refreshSpotTimeouts recomputes the spot-outbid channel for every
// spot-backed group: prune the rolling window, fetch only observations
// newer than the newest retained one, and suppress groups whose bid
// would have been beaten for too long on average.
func (r *Reconciler) refreshSpotTimeouts(ctx context.Context, groups []*Group) error {
	byRegion := make(map[string]map[string][]*Group)
	var regions []string
	for _, g := range groups {
		if !g.Spot {
			continue
		}
		instanceGroups, ok := byRegion[g.Region]
		if !ok {
			instanceGroups = make(map[string][]*Group)
			byRegion[g.Region] = instanceGroups
			regions = append(regions, g.Region)
		}
		instanceGroups[g.InstanceType] = append(instanceGroups[g.InstanceType], g)
	}

	now := r.now()
	since := now.Add(-spotHistoryPeriod)

	for _, region := range regions {
		instanceGroups := byRegion[region]

		var history []pricePoint
		for _, p := range r.priceHistory[region] {
			if p.Timestamp.After(since) {
				history = append(history, p)
			}
		}
		start := since
		for _, p := range history {
			if p.Timestamp.After(start) {
				start = p.Timestamp
			}
		}

		instanceTypes := make([]string, 0, len(instanceGroups))
		for instanceType := range instanceGroups {
			instanceTypes = append(instanceTypes, instanceType)
		}
		sort.Strings(instanceTypes)

		fetched, err := r.fetchSpotPriceHistory(ctx, region, instanceTypes, start)
		if err != nil {
			return err
		}
		history = append(history, fetched...)
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].Timestamp.Before(history[j].Timestamp)
		})
		r.priceHistory[region] = history

		for _, instanceType := range instanceTypes {
			for _, g := range instanceGroups[instanceType] {
				avg := averageOutbidDuration(history, instanceType, g.BidPrice)
				metrics.SpotOutbidSeconds.WithLabelValues(g.Region, g.Name).Set(avg.Seconds())
				if avg > maxOutbidInterval {
					expiry := now.Add(failureTimeout)
					r.spotTimeouts[g.ID()] = expiry
					metrics.CorrectiveActions.WithLabelValues("spot_timeout").Inc()
					r.logger.Info("group spot timed out",
						"group", g.ID().String(),
						"until", expiry,
						"avg_outbid", avg.String(),
					)
				} else {
					delete(r.spotTimeouts, g.ID())
				}
			}
		}
	}
	return nil
}

// averageOutbidDuration scans the window in time order, accumulating
// per zone the duration between consecutive observations whose later
// sample sits above the bid, then averages across zones that saw any
// outbid time at all. An empty outbid set yields zero.
func averageOutbidDuration(history []pricePoint, instanceType string, bid float64) time.Duration {
	lastSeen := make(map[string]time.Time)
	outbid := make(map[string]time.Duration)
	for _, p := range history {
		if p.InstanceType != instanceType {
			continue
		}
		if p.Price > bid {
			if prev, ok := lastSeen[p.AvailabilityZone]; ok {
				outbid[p.AvailabilityZone] += p.Timestamp.Sub(prev)
			}
		}
		lastSeen[p.AvailabilityZone] = p.Timestamp
	}

	var total time.Duration
	zones := 0
	for _, d := range outbid {
		if d > 0 {
			total += d
			zones++
		}
	}
	if zones == 0 {
		return 0
	}
	return total / time.Duration(zones)
}

// fetchSpotPriceHistory pages through the region's Linux spot price
// history for the given instance types, newest observations included.
func (r *Reconciler) fetchSpotPriceHistory(ctx context.Context, region string, instanceTypes []string, start time.Time) ([]pricePoint, error) {
	api := r.clients.EC2(region)

	sdkTypes := make([]ec2types.InstanceType, len(instanceTypes))
	for i, t := range instanceTypes {
		sdkTypes[i] = ec2types.InstanceType(t)
	}

	input := &ec2.DescribeSpotPriceHistoryInput{
		StartTime:           aws.Time(start),
		InstanceTypes:       sdkTypes,
		ProductDescriptions: []string{"Linux/UNIX"},
	}
	var points []pricePoint
	for {
		out, err := api.DescribeSpotPriceHistory(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe spot price history in %s: %w", region, err)
		}
		for _, sp := range out.SpotPriceHistory {
			price, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
			if err != nil {
				continue
			}
			points = append(points, pricePoint{
				Timestamp:        aws.ToTime(sp.Timestamp),
				AvailabilityZone: aws.ToString(sp.AvailabilityZone),
				InstanceType:     string(sp.InstanceType),
				Price:            price,
			})
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	return points, nil
}
