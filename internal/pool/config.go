package pool

import (
	"fmt"
	"time"

	"github.com/consultra/poolman/internal/errs"
)

// Configuration is the immutable per-pool policy.
type Configuration struct {
	// MinSize is the number of physical connections opened eagerly at
	// creation and the floor the scaler never goes below.
	MinSize int

	// MaxSize caps physical connections and queue admission.
	MaxSize int

	// ConnectTimeout bounds each physical open.
	ConnectTimeout time.Duration

	// LeaseMaxDuration caps every lease regardless of what the caller asks
	// for. Expired leases are reclaimed by the reaper.
	LeaseMaxDuration time.Duration

	// HealthCheckInterval is the probe loop period.
	HealthCheckInterval time.Duration

	// ScaleUpThreshold is the utilization fraction above which the scaler
	// grows the pool (when requests are queued).
	ScaleUpThreshold float64

	// ScaleDownThreshold is the utilization fraction below which the scaler
	// shrinks the pool.
	ScaleDownThreshold float64

	ScaleUpIncrement   int
	ScaleDownDecrement int

	// ScaleInterval is the auto-scaler loop period.
	ScaleInterval time.Duration

	// MaxIdleLifetime is the maximum age of a physical connection; on
	// release an older connection is closed instead of reused.
	MaxIdleLifetime time.Duration
}

// DefaultConfiguration returns production-ready pool settings,
// tuned for a read-heavy consulting workload.
func DefaultConfiguration() Configuration {
	return Configuration{
		MinSize:             2,
		MaxSize:             10,
		ConnectTimeout:      10 * time.Second,
		LeaseMaxDuration:    5 * time.Minute,
		HealthCheckInterval: 15 * time.Second,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		ScaleUpIncrement:    2,
		ScaleDownDecrement:  1,
		ScaleInterval:       10 * time.Second,
		MaxIdleLifetime:     30 * time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultConfiguration.
func (c Configuration) WithDefaults() Configuration {
	d := DefaultConfiguration()
	if c.MinSize == 0 {
		c.MinSize = d.MinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = d.MaxSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.LeaseMaxDuration == 0 {
		c.LeaseMaxDuration = d.LeaseMaxDuration
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if c.ScaleUpIncrement == 0 {
		c.ScaleUpIncrement = d.ScaleUpIncrement
	}
	if c.ScaleDownDecrement == 0 {
		c.ScaleDownDecrement = d.ScaleDownDecrement
	}
	if c.ScaleInterval == 0 {
		c.ScaleInterval = d.ScaleInterval
	}
	if c.MaxIdleLifetime == 0 {
		c.MaxIdleLifetime = d.MaxIdleLifetime
	}
	return c
}

// Validate enforces 0 < MinSize <= MaxSize and sane thresholds.
func (c Configuration) Validate() error {
	if c.MinSize <= 0 {
		return errs.New(errs.ErrKindInvalidConfig, "minSize must be positive")
	}
	if c.MaxSize < c.MinSize {
		return errs.New(errs.ErrKindInvalidConfig,
			fmt.Sprintf("maxSize %d is below minSize %d", c.MaxSize, c.MinSize))
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		return errs.New(errs.ErrKindInvalidConfig, "scaleUpThreshold must be in (0, 1]")
	}
	if c.ScaleDownThreshold < 0 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return errs.New(errs.ErrKindInvalidConfig, "scaleDownThreshold must be in [0, scaleUpThreshold)")
	}
	if c.ScaleUpIncrement <= 0 || c.ScaleDownDecrement <= 0 {
		return errs.New(errs.ErrKindInvalidConfig, "scale increments must be positive")
	}
	return nil
}
