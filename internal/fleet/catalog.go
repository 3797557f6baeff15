package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"golang.org/x/sync/errgroup"

	"github.com/softcane/asg-fleet-agent/internal/cloudapi"
)

// Tag conventions the cluster bootstrap stamps onto worker groups.
const (
	clusterTagKey     = "KubernetesCluster"
	selectorTagPrefix = "kube/"
)

var (
	roleTagKeys      = []string{"KubernetesRole", "Role"}
	workerRoleValues = []string{"worker", "kubernetes-minion"}
)

const (
	groupPageSize         = 100
	launchConfigBatchSize = 50
)

// Catalog discovers the scaling groups that back a cluster's workers.
// Read-only; every ListGroups call produces a fresh snapshot.
type Catalog struct {
	clients     cloudapi.Regional
	logger      *slog.Logger
	regions     []string
	clusterName string
}

// NewCatalog builds a catalog over the given regions. If clusterName is
// non-empty, only groups tagged with that cluster and a worker role are
// returned.
func NewCatalog(clients cloudapi.Regional, logger *slog.Logger, regions []string, clusterName string) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		clients:     clients,
		logger:      logger,
		regions:     regions,
		clusterName: clusterName,
	}
}

type regionScan struct {
	groups        []astypes.AutoScalingGroup
	launchConfigs map[string]astypes.LaunchConfiguration
}

// ListGroups fetches every region concurrently and returns the worker
// groups in deterministic order: by group name within a region, regions
// in configured order. Any fetch error fails the whole call; no partial
// catalog is assembled.
func (c *Catalog) ListGroups(ctx context.Context, nodes []Node) ([]*Group, error) {
	scans := make([]*regionScan, len(c.regions))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, region := range c.regions {
		eg.Go(func() error {
			scan, err := c.scanRegion(egCtx, region)
			if err != nil {
				return fmt.Errorf("region %s: %w", region, err)
			}
			scans[i] = scan
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var groups []*Group
	for i, region := range c.regions {
		scan := scans[i]
		sort.Slice(scan.groups, func(a, b int) bool {
			return aws.ToString(scan.groups[a].AutoScalingGroupName) < aws.ToString(scan.groups[b].AutoScalingGroupName)
		})
		api := c.clients.AutoScaling(region)
		for _, raw := range scan.groups {
			if c.clusterName != "" && !isWorkerGroup(raw, c.clusterName) {
				continue
			}
			lcName := aws.ToString(raw.LaunchConfigurationName)
			lc, ok := scan.launchConfigs[lcName]
			if !ok {
				return nil, fmt.Errorf("region %s: launch configuration %q not found for group %s",
					region, lcName, aws.ToString(raw.AutoScalingGroupName))
			}
			groups = append(groups, NewGroup(api, c.logger, region, raw, lc, nodes))
		}
	}

	c.logger.Debug("catalog refreshed",
		"regions", len(c.regions),
		"groups", len(groups),
	)
	return groups, nil
}

// isWorkerGroup checks the cluster-identity tag and one of the known
// role tags. Groups failing either check are silently excluded; that is
// a structural mismatch, not an error.
func isWorkerGroup(raw astypes.AutoScalingGroup, clusterName string) bool {
	var cluster, role string
	for _, tag := range raw.Tags {
		switch key := aws.ToString(tag.Key); {
		case key == clusterTagKey:
			cluster = aws.ToString(tag.Value)
		case containsString(roleTagKeys, key):
			role = aws.ToString(tag.Value)
		}
	}
	return cluster == clusterName && containsString(workerRoleValues, role)
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// scanRegion pages through every group in the region, then resolves
// their launch configurations in batches keyed by name.
func (c *Catalog) scanRegion(ctx context.Context, region string) (*regionScan, error) {
	api := c.clients.AutoScaling(region)

	var raw []astypes.AutoScalingGroup
	input := &autoscaling.DescribeAutoScalingGroupsInput{
		MaxRecords: aws.Int32(groupPageSize),
	}
	for {
		out, err := api.DescribeAutoScalingGroups(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe auto scaling groups: %w", err)
		}
		raw = append(raw, out.AutoScalingGroups...)
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	launchConfigs := make(map[string]astypes.LaunchConfiguration)
	for start := 0; start < len(raw); start += launchConfigBatchSize {
		end := min(start+launchConfigBatchSize, len(raw))
		names := make([]string, 0, end-start)
		for _, g := range raw[start:end] {
			if g.LaunchConfigurationName != nil {
				names = append(names, *g.LaunchConfigurationName)
			}
		}
		if len(names) == 0 {
			continue
		}
		lcInput := &autoscaling.DescribeLaunchConfigurationsInput{
			LaunchConfigurationNames: names,
		}
		for {
			out, err := api.DescribeLaunchConfigurations(ctx, lcInput)
			if err != nil {
				return nil, fmt.Errorf("failed to describe launch configurations: %w", err)
			}
			for _, lc := range out.LaunchConfigurations {
				launchConfigs[aws.ToString(lc.LaunchConfigurationName)] = lc
			}
			if out.NextToken == nil {
				break
			}
			lcInput.NextToken = out.NextToken
		}
	}

	return &regionScan{groups: raw, launchConfigs: launchConfigs}, nil
}
