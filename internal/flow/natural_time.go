package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var clockRegex = regexp.MustCompile(`^([01]?\d|2[0-3])(?::([0-5]\d))?\s*(am|pm|a\.m\.|p\.m\.)?$`)

func midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ParseDay resolves a spoken or written day ("today", "tomorrow", "tuesday",
// "next fri", "2025-10-21") to midnight of that date in loc.
// Weekday names resolve to the nearest such day on or after today; with
// "next" the search starts tomorrow.
func ParseDay(input string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.ToLower(strings.TrimSpace(input))
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return time.Time{}, fmt.Errorf("day is empty")
	}
	today := midnight(now, loc)

	switch s {
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	}

	next := false
	if rest, ok := strings.CutPrefix(s, "next "); ok {
		s, next = rest, true
	} else if rest, ok := strings.CutPrefix(s, "this "); ok {
		s = rest
	}
	if wd, ok := weekdays[s]; ok {
		start := today
		if next {
			start = today.AddDate(0, 0, 1)
		}
		offset := (int(wd) - int(start.Weekday()) + 7) % 7
		return start.AddDate(0, 0, offset), nil
	}

	t, err := dateparse.ParseIn(input, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not understand the day %q", input)
	}
	return midnight(t, loc), nil
}

// ParseTimeOfDay parses "14:00", "2pm", "2:30 p.m." or "noon" into hour and minute.
func ParseTimeOfDay(input string) (hour, minute int, err error) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch s {
	case "noon", "midday":
		return 12, 0, nil
	case "midnight":
		return 0, 0, nil
	}
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("could not understand the time %q", input)
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch strings.ReplaceAll(m[3], ".", "") {
	case "am":
		if hour > 12 {
			return 0, 0, fmt.Errorf("invalid time %q", input)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour > 12 {
			return 0, 0, fmt.Errorf("invalid time %q", input)
		}
		if hour != 12 {
			hour += 12
		}
	}
	return hour, minute, nil
}

// ParseSlotStart combines a day and a time of day into an instant in loc.
func ParseSlotStart(day, clock string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := ParseDay(day, now, loc)
	if err != nil {
		return time.Time{}, err
	}
	h, m, err := ParseTimeOfDay(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

// FormatSlotTime renders a clock time the way it is spoken, e.g. "2:00 PM".
func FormatSlotTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("3:04 PM")
}

// FormatDay renders a date as "Tuesday, October 21".
func FormatDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Monday, January 2")
}
