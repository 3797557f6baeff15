package cloudapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// PricingAPI is the subset of the Pricing API used for on-demand price
// lookups.
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// PriceClient resolves on-demand prices with an in-memory cache.
// On-demand prices change rarely, so cache entries never expire within
// a process lifetime.
type PriceClient struct {
	api    PricingAPI
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]float64
}

func NewPriceClient(api PricingAPI, logger *slog.Logger) *PriceClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceClient{
		api:    api,
		logger: logger,
		cache:  make(map[string]float64),
	}
}

// OnDemandPrice returns the hourly on-demand price in USD for a Linux
// instance of the given type in the given region.
func (c *PriceClient) OnDemandPrice(ctx context.Context, instanceType, region string) (float64, error) {
	key := instanceType + "/" + region
	c.mu.Lock()
	if price, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return price, nil
	}
	c.mu.Unlock()

	termMatch := func(field, value string) pricingtypes.Filter {
		return pricingtypes.Filter{
			Type:  pricingtypes.FilterTypeTermMatch,
			Field: aws.String(field),
			Value: aws.String(value),
		}
	}
	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			termMatch("instanceType", instanceType),
			termMatch("operatingSystem", "Linux"),
			termMatch("preInstalledSw", "NA"),
			termMatch("tenancy", "Shared"),
			termMatch("capacitystatus", "Used"),
			termMatch("regionCode", region),
		},
		MaxResults: aws.Int32(1),
	}

	result, err := c.api.GetProducts(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to get products for %s: %w", instanceType, err)
	}
	if len(result.PriceList) == 0 {
		return 0, fmt.Errorf("%w: %s in %s", ErrPriceNotFound, instanceType, region)
	}

	price, err := parseOnDemandPrice(result.PriceList[0])
	if err != nil {
		return 0, fmt.Errorf("pricing payload for %s: %w", instanceType, err)
	}

	c.mu.Lock()
	c.cache[key] = price
	c.mu.Unlock()

	c.logger.Debug("on-demand price resolved",
		"instance_type", instanceType,
		"region", region,
		"price", price,
	)
	return price, nil
}

// parseOnDemandPrice walks the Pricing API's nested JSON payload down
// to terms.OnDemand.*.*.priceDimensions.*.pricePerUnit.USD and returns
// the lowest positive hourly price found.
func parseOnDemandPrice(priceList string) (float64, error) {
	var payload struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(priceList), &payload); err != nil {
		return 0, fmt.Errorf("failed to parse pricing payload: %w", err)
	}

	best := 0.0
	found := false
	for _, term := range payload.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			usd, ok := dim.PricePerUnit["USD"]
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(strings.TrimSpace(usd), 64)
			if err != nil || price <= 0 {
				continue
			}
			if !found || price < best {
				best = price
				found = true
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("no USD on-demand price in payload")
	}
	return best, nil
}
