package syncer

import (
	"fmt"
	"time"
)

// Window is the half-open reconciliation range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// DaysAround returns a window covering whole days around now in loc:
// from midnight daysBack days ago to midnight daysForward days ahead.
func DaysAround(now time.Time, loc *time.Location, daysBack, daysForward int) Window {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window{
		Start: midnight.AddDate(0, 0, -daysBack),
		End:   midnight.AddDate(0, 0, daysForward+1),
	}
}

// Validate checks that the window is non-empty.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || !w.Start.Before(w.End) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}
