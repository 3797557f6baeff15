package cloudapi

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrPriceNotFound is returned when the Pricing API has no on-demand
// price for an instance type in a region.
var ErrPriceNotFound = errors.New("cloudapi: on-demand price not found")

const minSizeViolationText = "Terminating instance without replacement will violate group's min size constraint"

// IsMinSizeViolation reports whether err is the Auto Scaling rejection
// for terminating an instance with a capacity decrement while the group
// sits at its minimum size. Callers treat this as a skippable per-node
// failure rather than aborting the batch.
func IsMinSizeViolation(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), minSizeViolationText)
}

// MinSizeViolationError builds the provider rejection for tests.
func MinSizeViolationError() error {
	return &smithy.GenericAPIError{
		Code:    "ValidationError",
		Message: minSizeViolationText + ".",
	}
}
