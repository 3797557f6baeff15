package fleet

import (
	"regexp"
	"strconv"
)

// FailureKind is the closed set of failure categories a provider
// activity message can classify into.
type FailureKind string

const (
	FailureUnclassified         FailureKind = "unclassified"
	FailureInstanceLimit        FailureKind = "instance-limit"
	FailureVolumeLimit          FailureKind = "volume-limit"
	FailureCapacityLimit        FailureKind = "capacity-limit"
	FailureAZLimit              FailureKind = "az-limit"
	FailureSpotRequestCancelled FailureKind = "spot-request-cancelled"
	FailureSpotLimit            FailureKind = "spot-limit"
)

// Classification is the structured reading of one status message.
type Classification struct {
	Kind FailureKind

	// Requested and Limit are set for instance-limit failures.
	Requested int
	Limit     int

	// SpotRequestID is set for spot-request-cancelled messages.
	SpotRequestID string

	// AvailabilityZone is set for az-limit failures.
	AvailabilityZone string
}

// The provider emits these messages as free text, not a versioned
// contract; wording changes silently de-classify the activity, which is
// deliberate forward compatibility (unclassified activities produce no
// corrective action).
var (
	instanceLimitPattern = regexp.MustCompile(`^You have requested more instances \((\d+)\) than your current instance limit of (\d+) allows for the specified instance type\. Please visit http://aws\.amazon\.com/contact-us/ec2-request to request an adjustment to this limit\. Launching EC2 instance failed\.`)
	volumeLimitPattern   = regexp.MustCompile(`^Instance became unhealthy while waiting for instance to be in InService state\. Termination Reason: Client\.VolumeLimitExceeded: Volume limit exceeded`)
	capacityLimitPattern = regexp.MustCompile(`^Insufficient capacity\. Launching EC2 instance failed\.`)
	azLimitPattern       = regexp.MustCompile(`We currently do not have sufficient .+ capacity in the Availability Zone you requested \((.+)\)\.`)
	spotCancelledPattern = regexp.MustCompile(`Spot instance request: (.+) has been cancelled\.`)
	spotLimitPattern     = regexp.MustCompile(`^Max spot instance count exceeded\. Placing Spot instance request failed\.`)
	spotWaitingPattern   = regexp.MustCompile(`Placed Spot instance request: (.+)\. Waiting for instance\(s\)`)

	launchCausePattern = regexp.MustCompile(`At \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z an instance was started in response to a difference between desired and actual capacity, increasing the capacity from (\d+) to (\d+)\.`)
	azRebalancePattern = regexp.MustCompile(`An instance was launched to aid in balancing the group's zones\.`)
)

// Classify maps a provider status message to its failure category.
// Rules are tried in fixed priority order and the first match wins; an
// unmatched message is unclassified.
func Classify(statusMessage string) Classification {
	if m := instanceLimitPattern.FindStringSubmatch(statusMessage); m != nil {
		requested, _ := strconv.Atoi(m[1])
		limit, _ := strconv.Atoi(m[2])
		return Classification{Kind: FailureInstanceLimit, Requested: requested, Limit: limit}
	}
	if volumeLimitPattern.MatchString(statusMessage) {
		return Classification{Kind: FailureVolumeLimit}
	}
	if capacityLimitPattern.MatchString(statusMessage) {
		return Classification{Kind: FailureCapacityLimit}
	}
	if m := azLimitPattern.FindStringSubmatch(statusMessage); m != nil {
		return Classification{Kind: FailureAZLimit, AvailabilityZone: m[1]}
	}
	if m := spotCancelledPattern.FindStringSubmatch(statusMessage); m != nil {
		return Classification{Kind: FailureSpotRequestCancelled, SpotRequestID: m[1]}
	}
	if spotLimitPattern.MatchString(statusMessage) {
		return Classification{Kind: FailureSpotLimit}
	}
	return Classification{Kind: FailureUnclassified}
}

// SpotRequestID extracts the provider-side spot request id from a
// WaitingForSpotInstanceId status message.
func SpotRequestID(statusMessage string) (string, bool) {
	m := spotWaitingPattern.FindStringSubmatch(statusMessage)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseLaunchCause reads the original and target capacity out of a
// capacity-increase cause message.
func ParseLaunchCause(cause string) (original, target int, ok bool) {
	m := launchCausePattern.FindStringSubmatch(cause)
	if m == nil {
		return 0, 0, false
	}
	original, _ = strconv.Atoi(m[1])
	target, _ = strconv.Atoi(m[2])
	return original, target, true
}

// IsAZRebalanceCause reports whether the cause describes the provider
// launching an instance to balance the group across zones.
func IsAZRebalanceCause(cause string) bool {
	return azRebalancePattern.MatchString(cause)
}
