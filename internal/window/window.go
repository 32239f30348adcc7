// Package window computes the business-hours window messages are spread
// across and the evenly spaced, jittered send slots inside it.
package window

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default business hours.
const (
	DefaultStartHour = 9
	DefaultEndHour   = 17
	// DefaultJitterMinutes is the upper bound of the random offset added to each slot.
	DefaultJitterMinutes = 5
)

var ErrInvalidHours = errors.New("window start hour must be before end hour")

// Config describes the business day.
type Config struct {
	StartHour int
	EndHour   int
	RestDay   time.Weekday
	Location  *time.Location
}

// DefaultConfig returns 09:00-17:00 local time with Sunday as the rest day.
func DefaultConfig() Config {
	return Config{
		StartHour: DefaultStartHour,
		EndHour:   DefaultEndHour,
		RestDay:   time.Sunday,
		Location:  time.Local,
	}
}

// Validate checks the hour range.
func (c Config) Validate() error {
	if c.StartHour < 0 || c.EndHour > 24 || c.StartHour >= c.EndHour {
		return fmt.Errorf("%w: %d-%d", ErrInvalidHours, c.StartHour, c.EndHour)
	}
	return nil
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// IsRestDay reports whether t falls on the configured rest day.
func (c Config) IsRestDay(t time.Time) bool {
	return t.In(c.location()).Weekday() == c.RestDay
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Minutes returns the window length in whole minutes.
func (w Window) Minutes() int {
	return int(w.End.Sub(w.Start) / time.Minute)
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (c Config) bounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	loc := c.location()
	return time.Date(y, m, d, c.StartHour, 0, 0, 0, loc), time.Date(y, m, d, c.EndHour, 0, 0, 0, loc)
}

// Next returns the window messages created at now should be spread over:
// the rest of today's window when today is a business day and the window
// has not closed, otherwise the whole window of the next business day.
// The start is now rounded up to the minute, so no slot lies in the past.
func (c Config) Next(now time.Time) Window {
	local := now.In(c.location())
	minute := local.Truncate(time.Minute)
	if minute.Before(local) {
		minute = minute.Add(time.Minute)
	}
	if !c.IsRestDay(local) {
		open, closing := c.bounds(local)
		if minute.Before(closing) {
			start := open
			if minute.After(open) {
				start = minute
			}
			return Window{Start: start, End: closing}
		}
	}
	day := local
	for {
		day = day.AddDate(0, 0, 1)
		if !c.IsRestDay(day) {
			break
		}
	}
	open, closing := c.bounds(day)
	return Window{Start: open, End: closing}
}

// Rand is the subset of *rand.Rand used for jitter.
type Rand interface {
	IntN(n int) int
}

// Distribute returns n send times spread evenly across w. The i-th slot is
// Start + i*interval + jitter minutes, where interval = Minutes()/n and
// jitter is uniform in [0, jitterMinutes]. Every slot is clamped into w.
func Distribute(w Window, n, jitterMinutes int, rng Rand) []time.Time {
	if n <= 0 {
		return nil
	}
	minutes := w.Minutes()
	if minutes <= 0 {
		minutes = 1
	}
	interval := minutes / n
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		offset := i * interval
		if jitterMinutes > 0 && rng != nil {
			offset += rng.IntN(jitterMinutes + 1)
		}
		if offset > minutes-1 {
			offset = minutes - 1
		}
		out[i] = w.Start.Add(time.Duration(offset) * time.Minute)
	}
	return out
}

// ParseWeekday reads an English day name ("sunday", "Sun") case-insensitively.
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || (len(n) == 3 && strings.HasPrefix(full, n)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
