package booking

import (
	"fmt"
	"sort"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

// Policy controls where alternatives are searched for.
type Policy struct {
	// Step is the distance between candidate start times.
	Step time.Duration
	// MaxAlternatives is the maximum number of alternatives returned.
	MaxAlternatives int
	// DayStart and DayEnd are offsets from local midnight bounding the
	// bookable day.
	DayStart time.Duration
	DayEnd   time.Duration
	Location *time.Location
}

// DefaultPolicy searches 30 minute steps between 09:00 and 17:00 UTC.
func DefaultPolicy() Policy {
	return Policy{
		Step:            30 * time.Minute,
		MaxAlternatives: 3,
		DayStart:        9 * time.Hour,
		DayEnd:          17 * time.Hour,
		Location:        time.UTC,
	}
}

// NewPolicy builds a Policy from configuration values. dayStart and dayEnd
// are "HH:MM" clock times; tz is an IANA zone name.
func NewPolicy(step time.Duration, alternatives int, dayStart, dayEnd, tz string) (Policy, error) {
	start, err := parseClock(dayStart)
	if err != nil {
		return Policy{}, fmt.Errorf("day start: %w", err)
	}
	end, err := parseClock(dayEnd)
	if err != nil {
		return Policy{}, fmt.Errorf("day end: %w", err)
	}
	if end <= start {
		return Policy{}, fmt.Errorf("day end %s is not after day start %s", dayEnd, dayStart)
	}
	if step <= 0 {
		return Policy{}, fmt.Errorf("step must be positive, got %s", step)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Policy{}, fmt.Errorf("timezone: %w", err)
	}
	return Policy{Step: step, MaxAlternatives: alternatives, DayStart: start, DayEnd: end, Location: loc}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Window returns the bookable day containing r.Start, widened to cover r
// itself. Busy intervals inside the window are all Alternatives needs.
func (p Policy) Window(r models.TimeRange) models.TimeRange {
	local := r.Start.In(p.location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.location())
	w := models.TimeRange{Start: midnight.Add(p.DayStart), End: midnight.Add(p.DayEnd)}
	if r.Start.Before(w.Start) {
		w.Start = r.Start
	}
	if r.End.After(w.End) {
		w.End = r.End
	}
	return w
}

// Alternatives returns up to p.MaxAlternatives free slots of the same length
// as want, nearest first, stepping forward and backward from want.Start.
// Candidates stay inside the bookable day and never start before now.
func (p Policy) Alternatives(want models.TimeRange, busy []models.TimeRange, now time.Time) []models.TimeRange {
	if p.MaxAlternatives <= 0 || p.Step <= 0 {
		return nil
	}
	local := want.Start.In(p.location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.location())
	dayStart, dayEnd := midnight.Add(p.DayStart), midnight.Add(p.DayEnd)
	length := want.Duration()

	free := func(c models.TimeRange) bool {
		if c.Start.Before(dayStart) || c.End.After(dayEnd) || c.Start.Before(now) {
			return false
		}
		for _, b := range busy {
			if c.Overlaps(b) {
				return false
			}
		}
		return true
	}

	var out []models.TimeRange
	for k := 1; len(out) < p.MaxAlternatives; k++ {
		offset := time.Duration(k) * p.Step
		fwd := models.TimeRange{Start: want.Start.Add(offset), End: want.Start.Add(offset + length)}
		back := models.TimeRange{Start: want.Start.Add(-offset), End: want.Start.Add(-offset + length)}
		if fwd.End.After(dayEnd) && back.Start.Before(dayStart) {
			break
		}
		if free(fwd) {
			out = append(out, fwd)
		}
		if len(out) < p.MaxAlternatives && free(back) {
			out = append(out, back)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := distance(out[i].Start, want.Start), distance(out[j].Start, want.Start)
		return di < dj
	})
	return out
}

func distance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

func overlapsAny(r models.TimeRange, busy []models.TimeRange) bool {
	for _, b := range busy {
		if r.Overlaps(b) {
			return true
		}
	}
	return false
}
