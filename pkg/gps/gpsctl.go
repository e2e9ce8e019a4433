package gps

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/logx"
)

// GpsctlProvider reads positions from the gpsctl utility found on RUTOS-class
// routers and similar GNSS-equipped gateways. Watch is implemented as a
// ticker poll since gpsctl has no push interface.
type GpsctlProvider struct {
	binary string
	logger *logx.Logger
}

// NewGpsctlProvider creates a provider that shells out to gpsctl. An empty
// binary uses the one on PATH.
func NewGpsctlProvider(binary string, logger *logx.Logger) *GpsctlProvider {
	if binary == "" {
		binary = "gpsctl"
	}
	return &GpsctlProvider{binary: binary, logger: logger}
}

// RequestPermission probes GNSS availability. There is no interactive prompt
// on a headless device; a reachable, active receiver counts as granted.
func (p *GpsctlProvider) RequestPermission(ctx context.Context) (PermissionStatus, error) {
	return p.GetPermissionStatus(ctx)
}

// GetPermissionStatus reports granted when the receiver answers with an
// active fix status, denied when it answers inactive, and an error when
// gpsctl itself cannot be queried.
func (p *GpsctlProvider) GetPermissionStatus(ctx context.Context) (PermissionStatus, error) {
	status, err := p.fixStatus(ctx)
	if err != nil {
		return PermissionUndetermined, err
	}
	if status == "1" {
		return PermissionGranted, nil
	}
	return PermissionDenied, nil
}

// ServicesEnabled reports whether the gpsctl utility responds at all.
func (p *GpsctlProvider) ServicesEnabled(ctx context.Context) (bool, error) {
	_, err := p.fixStatus(ctx)
	if err != nil {
		return false, err
	}
	return true, nil
}

// CurrentPosition collects a single fix, querying each field separately the
// way gpsctl exposes them.
func (p *GpsctlProvider) CurrentPosition(ctx context.Context) (geo.Coordinate, error) {
	status, err := p.fixStatus(ctx)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("failed to get GPS status: %w", err)
	}
	if status != "1" {
		return geo.Coordinate{}, fmt.Errorf("GPS not active, status: %s", status)
	}

	lat, err := p.floatField(ctx, "-i", "latitude")
	if err != nil {
		return geo.Coordinate{}, err
	}
	lon, err := p.floatField(ctx, "-x", "longitude")
	if err != nil {
		return geo.Coordinate{}, err
	}
	alt, err := p.floatField(ctx, "-a", "altitude")
	if err != nil {
		return geo.Coordinate{}, err
	}
	acc, err := p.floatField(ctx, "-u", "accuracy")
	if err != nil {
		return geo.Coordinate{}, err
	}

	if lat == 0 && lon == 0 {
		return geo.Coordinate{}, fmt.Errorf("invalid GPS coordinates: 0,0")
	}

	p.logger.Debug("gpsctl_fix_collected",
		"latitude", lat,
		"longitude", lon,
		"altitude", alt,
		"accuracy", acc)

	return geo.Coordinate{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  alt,
		Accuracy:  acc,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Watch polls CurrentPosition on the configured interval, applying the
// distance filter against the previously delivered fix.
func (p *GpsctlProvider) Watch(ctx context.Context, opts WatchOptions, onUpdate func(geo.Coordinate)) (Subscription, error) {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{cancel: cancel}

	go func() {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		var last *geo.Coordinate
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				fix, err := p.CurrentPosition(watchCtx)
				if err != nil {
					p.logger.Debug("gpsctl_watch_sample_failed", "error", err.Error())
					continue
				}
				if last != nil && opts.DistanceFilter > 0 &&
					geo.Distance(*last, fix) < opts.DistanceFilter {
					continue
				}
				snapshot := fix
				last = &snapshot
				onUpdate(fix)
			}
		}
	}()

	return sub, nil
}

func (p *GpsctlProvider) fixStatus(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, p.binary, "-s").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *GpsctlProvider) floatField(ctx context.Context, flag, name string) (float64, error) {
	out, err := exec.CommandContext(ctx, p.binary, flag).Output()
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", name, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return value, nil
}

type pollSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (s *pollSubscription) Remove() {
	s.once.Do(s.cancel)
}
