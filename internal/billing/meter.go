// Package billing estimates the savings of running worker groups on
// spot capacity and exports them as metrics.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
	"github.com/softcane/asg-fleet-agent/internal/fleet"
	"github.com/softcane/asg-fleet-agent/internal/metrics"
)

// priceLookback bounds the spot price query; one observation within the
// last hour is plenty for an estimate.
const priceLookback = time.Hour

// Meter computes per-group hourly savings estimates. Metering is
// advisory only: per-group failures are logged and skipped so a pricing
// hiccup never disturbs scaling decisions.
type Meter struct {
	clients cloudapi.Regional
	prices  *cloudapi.PriceClient
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewMeter builds a meter. A disabled meter records nothing.
func NewMeter(clients cloudapi.Regional, prices *cloudapi.PriceClient, logger *slog.Logger, enabled bool) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		clients: clients,
		prices:  prices,
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Record exports the estimated hourly savings for every spot group with
// running capacity: (on-demand - spot) x actual capacity, floored at 0.
func (m *Meter) Record(ctx context.Context, groups []*fleet.Group) {
	if !m.enabled {
		return
	}
	for _, g := range groups {
		if !g.Spot || g.ActualCapacity() == 0 {
			continue
		}
		spotPrice, err := m.latestSpotPrice(ctx, g)
		if err != nil {
			m.logger.Warn("skipping savings estimate",
				"group", g.ID().String(),
				"error", err,
			)
			continue
		}
		onDemandPrice, err := m.prices.OnDemandPrice(ctx, g.InstanceType, g.Region)
		if err != nil {
			m.logger.Warn("skipping savings estimate",
				"group", g.ID().String(),
				"error", err,
			)
			continue
		}
		savings := (onDemandPrice - spotPrice) * float64(g.ActualCapacity())
		if savings < 0 {
			savings = 0
		}
		metrics.EstimatedHourlySavingsUSD.WithLabelValues(g.Region, g.Name).Set(savings)
		m.logger.Debug("savings estimate recorded",
			"group", g.ID().String(),
			"spot_price", spotPrice,
			"ondemand_price", onDemandPrice,
			"hourly_savings", savings,
		)
	}
}

// latestSpotPrice returns the newest spot price observation for the
// group's instance type in its region.
func (m *Meter) latestSpotPrice(ctx context.Context, g *fleet.Group) (float64, error) {
	api := m.clients.EC2(g.Region)
	out, err := api.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(g.InstanceType)},
		StartTime:           aws.Time(m.now().Add(-priceLookback)),
		ProductDescriptions: []string{"Linux/UNIX"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to describe spot price history: %w", err)
	}

	var latest time.Time
	var price float64
	found := false
	for _, sp := range out.SpotPriceHistory {
		ts := aws.ToTime(sp.Timestamp)
		p, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			continue
		}
		if !found || ts.After(latest) {
			latest = ts
			price = p
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("no spot price observations for %s in %s", g.InstanceType, g.Region)
	}
	return price, nil
}
