package gps

import (
	"context"
	"time"

	"github.com/overlandkit/overland/pkg/geo"
)

// PermissionStatus mirrors the OS location-permission states.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// WatchOptions control a live position subscription.
type WatchOptions struct {
	// Interval is the minimum time between position samples.
	Interval time.Duration
	// DistanceFilter suppresses samples closer than this many meters to the
	// previously delivered one. Zero delivers every sample.
	DistanceFilter float64
}

// Subscription is a handle to a live position watch.
type Subscription interface {
	// Remove cancels the subscription. Safe to call more than once.
	Remove()
}

// Provider abstracts the underlying positioning hardware or OS service.
type Provider interface {
	// RequestPermission performs the interactive permission probe. It may
	// have user-visible side effects on platforms with permission prompts.
	RequestPermission(ctx context.Context) (PermissionStatus, error)

	// GetPermissionStatus queries the current permission state without
	// prompting.
	GetPermissionStatus(ctx context.Context) (PermissionStatus, error)

	// ServicesEnabled reports whether positioning services are available.
	ServicesEnabled(ctx context.Context) (bool, error)

	// CurrentPosition resolves a single fix.
	CurrentPosition(ctx context.Context) (geo.Coordinate, error)

	// Watch starts delivering fixes to onUpdate until the subscription is
	// removed or ctx is cancelled.
	Watch(ctx context.Context, opts WatchOptions, onUpdate func(geo.Coordinate)) (Subscription, error)
}
