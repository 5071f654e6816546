package deadline

import (
	"fmt"
	"time"
)

const (
	// SettleDelay is the wait after a commit before seeds may be requested.
	SettleDelay = 30 * time.Second
	// SelectionWindow is how long a candidate set stays selectable.
	SelectionWindow = 45 * time.Minute
	// PublicCooldown separates consecutive public mints.
	PublicCooldown = 24 * time.Hour
)

// Window is a half-open interval [Start, Start+Length).
type Window struct {
	Start  time.Time
	Length time.Duration
}

// NewWindow returns the window that opens at start and lasts length.
func NewWindow(start time.Time, length time.Duration) Window {
	return Window{Start: start, Length: length}
}

// End is the first instant at which the window is expired.
func (w Window) End() time.Time {
	return w.Start.Add(w.Length)
}

// Remaining returns the time left before End, clamped at zero.
func (w Window) Remaining(now time.Time) time.Duration {
	left := w.End().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports now >= Start+Length.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.End())
}

// Status is the evaluated state of a window at one instant.
type Status struct {
	End       time.Time     `json:"end"`
	Remaining time.Duration `json:"remaining"`
	Display   string        `json:"display"`
	Expired   bool          `json:"expired"`
}

// Evaluate computes the window status at now. Remaining is zero whenever the
// window is expired.
func Evaluate(w Window, now time.Time) Status {
	expired := w.Expired(now)
	remaining := w.Remaining(now)
	if expired {
		remaining = 0
	}
	return Status{
		End:       w.End(),
		Remaining: remaining,
		Display:   Format(remaining),
		Expired:   expired,
	}
}

// Format renders a countdown. Durations of an hour or more show hours and
// minutes, shorter ones minutes and seconds. Negative input renders as zero.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}

// MinutesLeft rounds the remaining time up to whole minutes so a window shows
// "1 minute" until it has truly expired.
func MinutesLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// IntervalFor picks the polling granularity for a window length: per second
// for windows up to an hour, coarser beyond that.
func IntervalFor(length time.Duration) time.Duration {
	if length <= time.Hour {
		return time.Second
	}
	return 30 * time.Second
}
