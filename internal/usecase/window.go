// Package usecase contains the execution engine's business logic: time
// windowing, SQL parameterisation, row transformation, the load executor and
// the admin operations.
package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// WindowCalculator computes the half-open [from, to) interval the next
// execution of a loader should pull.
type WindowCalculator struct {
	Lookback time.Duration
	// Now is the clock source; tests override it.
	Now func() time.Time
}

// NewWindowCalculator constructs a calculator with the configured default
// lookback applied on first runs and clock skew.
func NewWindowCalculator(lookback time.Duration) WindowCalculator {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return WindowCalculator{Lookback: lookback, Now: time.Now}
}

// Calculate returns the next window for l. The chunk size is capped by
// maxQueryPeriodSeconds so catch-up proceeds in bounded steps; a watermark
// in the future (clock skew) falls back to the lookback window. The window
// may be degenerate when the loader is fully caught up; callers must guard
// with Window.Degenerate before executing.
func (c WindowCalculator) Calculate(l *domain.Loader) (domain.Window, error) {
	if l == nil {
		return domain.Window{}, fmt.Errorf("op=window.Calculate: %w: nil loader", domain.ErrInvalidArgument)
	}
	if l.MaxQueryPeriodSeconds <= 0 {
		return domain.Window{}, fmt.Errorf("op=window.Calculate: %w: maxQueryPeriodSeconds=%d",
			domain.ErrInvalidArgument, l.MaxQueryPeriodSeconds)
	}
	now := c.Now().UTC().Truncate(time.Second)
	candidate := l.LastLoadTimestamp
	if candidate == nil || candidate.After(now) {
		t := now.Add(-c.Lookback)
		candidate = &t
	}
	from := candidate.UTC()
	to := from.Add(time.Duration(l.MaxQueryPeriodSeconds) * time.Second)
	if to.After(now) {
		to = now
	}
	return domain.Window{From: from, To: to}, nil
}
