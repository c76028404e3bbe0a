package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule yields the next due time strictly after a given instant. A zero
// result means the schedule is exhausted.
type Schedule interface {
	Next(after time.Time) time.Time
}

type field struct {
	name     string
	min, max int
}

var cronFields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

var cronMacros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
}

// CronSchedule is a parsed 5-field cron expression evaluated in a fixed
// location.
type CronSchedule struct {
	expr string
	sets [5]uint64
	loc  *time.Location

	// day-of-month and day-of-week restricted together match either.
	domStar, dowStar bool
}

// ParseCron parses "min hour dom month dow" or one of the @macros. Each
// field accepts *, N, A-B, lists and /step. Day-of-week 7 means Sunday.
func ParseCron(expr string, loc *time.Location) (*CronSchedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	spec := strings.TrimSpace(expr)
	if m, ok := cronMacros[spec]; ok {
		spec = m
	}
	parts := strings.Fields(spec)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}

	s := &CronSchedule{expr: expr, loc: loc}
	for i, part := range parts {
		f := cronFields[i]
		upper := f.max
		if i == 4 {
			upper = 7
		}
		set, err := parseCronField(part, f.min, upper)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, f.name, err)
		}
		if i == 4 && set&(1<<7) != 0 {
			set = set&^(1<<7) | 1
		}
		s.sets[i] = set
	}
	s.domStar = parts[2] == "*" || strings.HasPrefix(parts[2], "*/")
	s.dowStar = parts[4] == "*" || strings.HasPrefix(parts[4], "*/")
	return s, nil
}

func parseCronField(s string, lower, upper int) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(s, ",") {
		lo, hi, step := lower, upper, 1
		rng := item
		if i := strings.IndexByte(item, '/'); i >= 0 {
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step in %q", item)
			}
			step, rng = n, item[:i]
		}
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("bad range %q", item)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("bad range %q", item)
			}
		default:
			n, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", item)
			}
			lo, hi = n, n
			if step > 1 {
				hi = upper
			}
		}
		if lo < lower || hi > upper || lo > hi {
			return 0, fmt.Errorf("%q outside %d-%d", item, lower, upper)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func (s *CronSchedule) String() string { return s.expr }

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func (s *CronSchedule) dayMatches(t time.Time) bool {
	dom := has(s.sets[2], t.Day())
	dow := has(s.sets[4], int(t.Weekday()))
	if !s.domStar && !s.dowStar {
		return dom || dow
	}
	return dom && dow
}

// Next returns the first matching minute after t, searching at most five
// years ahead.
func (s *CronSchedule) Next(after time.Time) time.Time {
	t := after.In(s.loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for t.Before(limit) {
		switch {
		case !has(s.sets[3], int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, s.loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, s.loc)
		case !has(s.sets[1], t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, s.loc)
		case !has(s.sets[0], t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// Every fires at a fixed interval measured from the previous due time.
type Every time.Duration

// Next returns after plus the interval.
func (e Every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

func (e Every) String() string { return "every " + time.Duration(e).String() }

// Once fires a single time.
type Once time.Time

// Next returns the instant if it is after the argument, otherwise zero.
func (o Once) Next(after time.Time) time.Time {
	if t := time.Time(o); t.After(after) {
		return t
	}
	return time.Time{}
}

func (o Once) String() string { return "at " + time.Time(o).UTC().Format(time.RFC3339) }
