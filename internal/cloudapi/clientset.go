package cloudapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
)

// ClientSet builds real SDK clients lazily, one per region per service,
// from a single shared credentials chain.
type ClientSet struct {
	cfg aws.Config

	mu      sync.Mutex
	asg     map[string]AutoScalingAPI
	ec2     map[string]EC2API
	pricing PricingAPI
}

// NewClientSet loads the default AWS credentials chain.
func NewClientSet(ctx context.Context) (*ClientSet, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &ClientSet{
		cfg: cfg,
		asg: make(map[string]AutoScalingAPI),
		ec2: make(map[string]EC2API),
	}, nil
}

func (s *ClientSet) AutoScaling(region string) AutoScalingAPI {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.asg[region]; ok {
		return c
	}
	c := autoscaling.NewFromConfig(s.cfg, func(o *autoscaling.Options) {
		o.Region = region
	})
	s.asg[region] = c
	return c
}

func (s *ClientSet) EC2(region string) EC2API {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.ec2[region]; ok {
		return c
	}
	c := ec2.NewFromConfig(s.cfg, func(o *ec2.Options) {
		o.Region = region
	})
	s.ec2[region] = c
	return c
}

// Pricing returns the Pricing API client. The Pricing API is only
// served out of us-east-1 regardless of where the fleet runs.
func (s *ClientSet) Pricing() PricingAPI {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pricing == nil {
		s.pricing = pricing.NewFromConfig(s.cfg, func(o *pricing.Options) {
			o.Region = "us-east-1"
		})
	}
	return s.pricing
}

// Compile-time interface check.
var _ Regional = (*ClientSet)(nil)
