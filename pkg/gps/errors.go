package gps

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for the recoverable failure classes surfaced to callers.
// Concrete error types below carry the detail and match these via errors.Is.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrRateLimited         = errors.New("rate limited")
	ErrDailyLimitExceeded  = errors.New("daily call limit exceeded")
	ErrNoLocationAvailable = errors.New("no location available, get current location first")
	ErrStorageFailure      = errors.New("storage failure")
)

// RateLimitedError is returned when a call is throttled and no fresh cached
// fix can serve it. RetryAfter tells the caller when a retry will pass.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	wait := int(math.Ceil(e.RetryAfter.Seconds()))
	return fmt.Sprintf("please wait %d seconds before requesting again", wait)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// DailyLimitExceededError is returned when a bucket's persisted daily quota
// is exhausted.
type DailyLimitExceededError struct {
	Bucket Bucket
	Limit  int
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("daily limit of %d %s calls reached, try again tomorrow", e.Limit, e.Bucket)
}

func (e *DailyLimitExceededError) Is(target error) bool {
	return target == ErrDailyLimitExceeded
}

// LocationUnavailableError wraps an OS/hardware failure from the location
// provider so callers see a stable kind instead of raw provider detail.
type LocationUnavailableError struct {
	Err error
}

func (e *LocationUnavailableError) Error() string {
	return fmt.Sprintf("could not get current location: %v", e.Err)
}

func (e *LocationUnavailableError) Unwrap() error { return e.Err }

func (e *LocationUnavailableError) Is(target error) bool {
	return target == ErrLocationUnavailable
}
