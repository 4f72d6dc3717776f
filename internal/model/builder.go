package model

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"massive/internal/epoch"
	"massive/internal/metrics"
)

const (
	FamilyHeatmap  = epoch.FamilyHeatmap
	FamilyGEX      = "gex"
	FamilyProfile  = "profile"
	FamilyBias     = epoch.FamilyBias
	FamilySelector = "selector"
)

// DataSource declares where a builder reads its inputs from, making each
// model family's true dependency explicit instead of hiding it behind a no-op
// normalizer.
type DataSource int

const (
	SourceSubstrate DataSource = iota // current epoch's canonical records
	SourceSnapshot                    // raw chain snapshots, bypasses the substrate
	SourceTrail                       // spot price trail
	SourceDerived                     // other published models
)

// Builder computes one analytic model for one underlying. Build returns
// published=false for a skipped cycle (insufficient or stale input); the
// previously published model and its staleness stamp are left untouched.
type Builder interface {
	Family() string
	DataSource() DataSource
	Build(ctx context.Context, underlying string) (published bool, err error)
}

// Runner drives a set of builders across the tracked underlyings each cycle.
// One builder's failure never affects another's cycle, and one underlying's
// failure never affects another underlying.
type Runner struct {
	Builders    []Builder
	Underlyings []string
	Logger      *zap.Logger
}

func (r *Runner) RunOnce(ctx context.Context) {
	for _, b := range r.Builders {
		for _, underlying := range r.Underlyings {
			if ctx.Err() != nil {
				return
			}
			published, err := b.Build(ctx, underlying)
			switch {
			case err != nil:
				metrics.BuilderCycles.WithLabelValues(b.Family(), "error").Inc()
				if r.Logger != nil && !errors.Is(err, context.Canceled) {
					r.Logger.Warn("builder cycle failed",
						zap.String("family", b.Family()),
						zap.String("underlying", underlying),
						zap.Error(err),
					)
				}
			case !published:
				metrics.BuilderCycles.WithLabelValues(b.Family(), "skipped").Inc()
			default:
				metrics.BuilderCycles.WithLabelValues(b.Family(), "published").Inc()
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
