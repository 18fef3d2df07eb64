package zarr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CF defaults applied when the time variable carries no units or calendar.
const (
	DefaultTimeUnits = "seconds since 1900-01-01 0:0:0"
	DefaultCalendar  = "gregorian"
)

// ErrUnsupportedCalendar is returned for calendars other than the
// gregorian family.
var ErrUnsupportedCalendar = errors.New("zarr: unsupported calendar")

// TimeUnits is a parsed CF "<unit> since <reference>" string.
type TimeUnits struct {
	Step      time.Duration
	Reference time.Time
}

// ParseTimeUnits parses CF time units such as "seconds since 1900-01-01 0:0:0".
func ParseTimeUnits(units string) (TimeUnits, error) {
	unit, ref, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return TimeUnits{}, fmt.Errorf("zarr: time units %q lack a reference date", units)
	}
	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "days", "day", "d":
		step = 24 * time.Hour
	case "hours", "hour", "hr", "h":
		step = time.Hour
	case "minutes", "minute", "min":
		step = time.Minute
	case "seconds", "second", "sec", "s":
		step = time.Second
	case "milliseconds", "millisecond", "msec", "ms":
		step = time.Millisecond
	case "microseconds", "microsecond", "usec", "us":
		step = time.Microsecond
	default:
		return TimeUnits{}, fmt.Errorf("zarr: unknown time unit %q", unit)
	}
	t, err := parseReference(ref)
	if err != nil {
		return TimeUnits{}, fmt.Errorf("zarr: time units %q: %w", units, err)
	}
	return TimeUnits{Step: step, Reference: t}, nil
}

// parseReference accepts the loose date forms found in CF attributes,
// e.g. "1900-01-01 0:0:0", "1970-01-01T00:00:00Z" or "2000-1-1".
func parseReference(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, tz := range []string{" UTC", "Z", "+00:00", "+0000"} {
		s = strings.TrimSuffix(s, tz)
	}
	date, clock, _ := strings.Cut(strings.Replace(s, "T", " ", 1), " ")
	dp := strings.Split(date, "-")
	if len(dp) != 3 {
		return time.Time{}, fmt.Errorf("bad reference date %q", s)
	}
	var ymd [3]int
	for i, p := range dp {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad reference date %q", s)
		}
		ymd[i] = n
	}
	var hms [3]float64
	if clock = strings.TrimSpace(clock); clock != "" {
		for i, p := range strings.SplitN(clock, ":", 3) {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("bad reference time %q", s)
			}
			hms[i] = f
		}
	}
	sec, frac := math.Modf(hms[2])
	return time.Date(ymd[0], time.Month(ymd[1]), ymd[2],
		int(hms[0]), int(hms[1]), int(sec), int(math.Round(frac*1e9)), time.UTC), nil
}

func checkCalendar(calendar string) error {
	switch strings.ToLower(calendar) {
	case "", "standard", "gregorian", "proleptic_gregorian":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedCalendar, calendar)
}

// DecodeTime converts a stored time value to a UTC timestamp.
func DecodeTime(v float64, units, calendar string) (time.Time, error) {
	if err := checkCalendar(calendar); err != nil {
		return time.Time{}, err
	}
	if units == "" {
		units = DefaultTimeUnits
	}
	u, err := ParseTimeUnits(units)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, fmt.Errorf("zarr: time value %v is not finite", v)
	}
	whole, frac := math.Modf(v)
	d := time.Duration(whole)*u.Step + time.Duration(math.Round(frac*float64(u.Step)))
	return u.Reference.Add(d), nil
}

// EncodeTime is the inverse of DecodeTime.
func EncodeTime(t time.Time, units, calendar string) (float64, error) {
	if err := checkCalendar(calendar); err != nil {
		return 0, err
	}
	if units == "" {
		units = DefaultTimeUnits
	}
	u, err := ParseTimeUnits(units)
	if err != nil {
		return 0, err
	}
	d := t.Sub(u.Reference)
	return float64(d/u.Step) + float64(d%u.Step)/float64(u.Step), nil
}

// timeAttrs returns the units and calendar of a time variable, applying
// the CF defaults.
func timeAttrs(attrs map[string]any) (units, calendar string) {
	units, _ = attrs["units"].(string)
	calendar, _ = attrs["calendar"].(string)
	if units == "" {
		units = DefaultTimeUnits
	}
	if calendar == "" {
		calendar = DefaultCalendar
	}
	return units, calendar
}
