// Package freshness gates quote and execute on how recently a driver's
// last observation happened. It fails closed: anything other than fresh
// blocks both quoting and execution unless the caller explicitly opts
// into an override at execute time, and an override is always recorded.
package freshness

import (
	"context"

	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/kernelerrors"
)

// Thresholds configures the fresh/stale/unknown boundaries, in seconds.
type Thresholds struct {
	StaleSeconds   int64
	UnknownSeconds int64
}

// Classify maps a raw updated_ago_seconds reading to a status using the
// configured thresholds, independent of what the driver itself reported
// (a driver's own status still wins in Check; Classify exists for
// drivers that only report a duration).
func Classify(t Thresholds, updatedAgoSeconds int64) driver.FreshnessStatus {
	switch {
	case updatedAgoSeconds <= t.StaleSeconds:
		return driver.FreshnessFresh
	case updatedAgoSeconds <= t.UnknownSeconds:
		return driver.FreshnessStale
	default:
		return driver.FreshnessUnknown
	}
}

// Check consults d's freshness report and returns a non-nil reason when
// the environment is not fresh. allowOverride lets execute bypass the
// rejection (can_do never sets it); the caller is responsible for
// recording the override event when it does.
func Check(ctx context.Context, d driver.Driver, agentID string, allowOverride bool) (kernelerrors.Reason, error) {
	f, err := d.Freshness(ctx, agentID)
	if err != nil {
		return kernelerrors.ReasonEnvObservationFailed, nil
	}
	if f.Status == driver.FreshnessFresh {
		return "", nil
	}
	if allowOverride {
		return "", nil
	}
	return kernelerrors.EnvReason(string(f.Status)), nil
}
