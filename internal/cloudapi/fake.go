package cloudapi

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// FakeAutoScaling implements AutoScalingAPI in memory and records every
// mutating call for assertions.
type FakeAutoScaling struct {
	mu sync.Mutex

	// Groups are served by DescribeAutoScalingGroups, paginated.
	Groups []astypes.AutoScalingGroup
	// LaunchConfigurations are served by name.
	LaunchConfigurations map[string]astypes.LaunchConfiguration
	// Activities are served newest-first, paginated.
	Activities []astypes.Activity
	// PageSize bounds each page; zero means everything in one page.
	PageSize int

	// DescribeErr, when set, fails every read call.
	DescribeErr error
	// SetDesiredErr, when set, fails SetDesiredCapacity.
	SetDesiredErr error
	// TerminateErr, when set, fails TerminateInstanceInAutoScalingGroup.
	TerminateErr error

	SetDesiredCalls []SetDesiredCall
	TerminateCalls  []TerminateCall
	ActivityPages   int
}

// SetDesiredCall records one SetDesiredCapacity invocation.
type SetDesiredCall struct {
	GroupName     string
	Desired       int32
	HonorCooldown bool
}

// TerminateCall records one TerminateInstanceInAutoScalingGroup invocation.
type TerminateCall struct {
	InstanceID string
	Decrement  bool
}

func (f *FakeAutoScaling) pageBounds(token *string, total int) (int, int, *string, error) {
	start := 0
	if token != nil {
		n, err := strconv.Atoi(*token)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("bad page token %q", *token)
		}
		start = n
	}
	end := total
	if f.PageSize > 0 && start+f.PageSize < total {
		end = start + f.PageSize
	}
	var next *string
	if end < total {
		next = aws.String(strconv.Itoa(end))
	}
	return start, end, next, nil
}

func (f *FakeAutoScaling) DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	start, end, next, err := f.pageBounds(params.NextToken, len(f.Groups))
	if err != nil {
		return nil, err
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{
		AutoScalingGroups: append([]astypes.AutoScalingGroup(nil), f.Groups[start:end]...),
		NextToken:         next,
	}, nil
}

func (f *FakeAutoScaling) DescribeLaunchConfigurations(ctx context.Context, params *autoscaling.DescribeLaunchConfigurationsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeLaunchConfigurationsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	out := &autoscaling.DescribeLaunchConfigurationsOutput{}
	for _, name := range params.LaunchConfigurationNames {
		if lc, ok := f.LaunchConfigurations[name]; ok {
			out.LaunchConfigurations = append(out.LaunchConfigurations, lc)
		}
	}
	return out, nil
}

func (f *FakeAutoScaling) DescribeScalingActivities(ctx context.Context, params *autoscaling.DescribeScalingActivitiesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeScalingActivitiesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	f.ActivityPages++
	start, end, next, err := f.pageBounds(params.NextToken, len(f.Activities))
	if err != nil {
		return nil, err
	}
	return &autoscaling.DescribeScalingActivitiesOutput{
		Activities: append([]astypes.Activity(nil), f.Activities[start:end]...),
		NextToken:  next,
	}, nil
}

func (f *FakeAutoScaling) SetDesiredCapacity(ctx context.Context, params *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetDesiredErr != nil {
		return nil, f.SetDesiredErr
	}
	f.SetDesiredCalls = append(f.SetDesiredCalls, SetDesiredCall{
		GroupName:     aws.ToString(params.AutoScalingGroupName),
		Desired:       aws.ToInt32(params.DesiredCapacity),
		HonorCooldown: aws.ToBool(params.HonorCooldown),
	})
	return &autoscaling.SetDesiredCapacityOutput{}, nil
}

func (f *FakeAutoScaling) TerminateInstanceInAutoScalingGroup(ctx context.Context, params *autoscaling.TerminateInstanceInAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return nil, f.TerminateErr
	}
	f.TerminateCalls = append(f.TerminateCalls, TerminateCall{
		InstanceID: aws.ToString(params.InstanceId),
		Decrement:  aws.ToBool(params.ShouldDecrementDesiredCapacity),
	})
	return &autoscaling.TerminateInstanceInAutoScalingGroupOutput{}, nil
}

// FakeEC2 implements EC2API in memory.
type FakeEC2 struct {
	mu sync.Mutex

	// SpotPrices are served by DescribeSpotPriceHistory in one page.
	SpotPrices []ec2types.SpotPrice
	// SpotRequests holds request state keyed by request id.
	SpotRequests map[string]ec2types.SpotInstanceRequest

	DescribeErr error

	CancelCalls       []string
	PriceHistoryCalls []ec2.DescribeSpotPriceHistoryInput
}

func (f *FakeEC2) DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	f.PriceHistoryCalls = append(f.PriceHistoryCalls, *params)
	return &ec2.DescribeSpotPriceHistoryOutput{
		SpotPriceHistory: append([]ec2types.SpotPrice(nil), f.SpotPrices...),
	}, nil
}

func (f *FakeEC2) DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	out := &ec2.DescribeSpotInstanceRequestsOutput{}
	for _, id := range params.SpotInstanceRequestIds {
		if req, ok := f.SpotRequests[id]; ok {
			out.SpotInstanceRequests = append(out.SpotInstanceRequests, req)
		}
	}
	return out, nil
}

func (f *FakeEC2) CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, params.SpotInstanceRequestIds...)
	for _, id := range params.SpotInstanceRequestIds {
		if req, ok := f.SpotRequests[id]; ok {
			req.State = ec2types.SpotInstanceStateCancelled
			f.SpotRequests[id] = req
		}
	}
	return &ec2.CancelSpotInstanceRequestsOutput{}, nil
}

// FakeRegional hands out fakes per region, creating them on first use.
type FakeRegional struct {
	mu   sync.Mutex
	ASGs map[string]*FakeAutoScaling
	EC2s map[string]*FakeEC2
}

func NewFakeRegional() *FakeRegional {
	return &FakeRegional{
		ASGs: make(map[string]*FakeAutoScaling),
		EC2s: make(map[string]*FakeEC2),
	}
}

// ASG returns the region's fake Auto Scaling client for seeding.
func (f *FakeRegional) ASG(region string) *FakeAutoScaling {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.ASGs[region]
	if !ok {
		c = &FakeAutoScaling{LaunchConfigurations: make(map[string]astypes.LaunchConfiguration)}
		f.ASGs[region] = c
	}
	return c
}

// Spot returns the region's fake EC2 client for seeding.
func (f *FakeRegional) Spot(region string) *FakeEC2 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.EC2s[region]
	if !ok {
		c = &FakeEC2{SpotRequests: make(map[string]ec2types.SpotInstanceRequest)}
		f.EC2s[region] = c
	}
	return c
}

func (f *FakeRegional) AutoScaling(region string) AutoScalingAPI { return f.ASG(region) }
func (f *FakeRegional) EC2(region string) EC2API                 { return f.Spot(region) }

// Compile-time interface checks.
var (
	_ AutoScalingAPI = (*FakeAutoScaling)(nil)
	_ EC2API         = (*FakeEC2)(nil)
	_ Regional       = (*FakeRegional)(nil)
)
