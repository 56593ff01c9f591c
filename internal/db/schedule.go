package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ScheduleKind string

const (
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindDaily    ScheduleKind = "daily"
	ScheduleKindWeekly   ScheduleKind = "weekly"
	ScheduleKindOnce     ScheduleKind = "once"
)

// Schedule is a structured fire rule for a scheduled task: a fixed interval,
// a calendar rule (daily/weekly at a wall-clock time), or a single deferred
// fire time. Exactly one rule applies, selected by Kind, so the next
// occurrence is computable without cron strings or wall-clock access.
type Schedule struct {
	Kind     ScheduleKind  `json:"kind"`
	Every    time.Duration `json:"every,omitempty"`    // interval kind
	At       string        `json:"at,omitempty"`       // "HH:MM", daily and weekly kinds
	Weekday  time.Weekday  `json:"weekday,omitempty"`  // weekly kind
	Timezone string        `json:"timezone,omitempty"` // calendar rules; empty means UTC
	FireAt   *time.Time    `json:"fire_at,omitempty"`  // once kind
}

// Recurring reports whether the schedule produces more than one occurrence.
func (s Schedule) Recurring() bool {
	return s.Kind != ScheduleKindOnce
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleKindInterval:
		if s.Every <= 0 {
			return fmt.Errorf("interval schedule requires a positive duration, got %s", s.Every)
		}
	case ScheduleKindDaily:
		if _, _, err := parseClock(s.At); err != nil {
			return err
		}
	case ScheduleKindWeekly:
		if _, _, err := parseClock(s.At); err != nil {
			return err
		}
		if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
			return fmt.Errorf("invalid weekday %d", s.Weekday)
		}
	case ScheduleKindOnce:
		if s.FireAt == nil {
			return fmt.Errorf("one-shot schedule requires fire_at")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// FirstFire returns the initial next_fire_at for a task created at now.
func (s Schedule) FirstFire(now time.Time) (time.Time, error) {
	if s.Kind == ScheduleKindOnce {
		return *s.FireAt, nil
	}
	return s.NextAfter(now)
}

// NextAfter returns the first occurrence strictly after t. One-shot
// schedules have no next occurrence; the scheduler retires them instead.
func (s Schedule) NextAfter(t time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleKindInterval:
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule requires a positive duration")
		}
		return t.Add(s.Every), nil

	case ScheduleKindDaily:
		hour, minute, err := parseClock(s.At)
		if err != nil {
			return time.Time{}, err
		}
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}
		local := t.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case ScheduleKindWeekly:
		hour, minute, err := parseClock(s.At)
		if err != nil {
			return time.Time{}, err
		}
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}
		local := t.In(loc)
		days := (int(s.Weekday) - int(local.Weekday()) + 7) % 7
		next := time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, loc)
		if !next.After(t) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case ScheduleKindOnce:
		return time.Time{}, fmt.Errorf("one-shot schedule has no next occurrence")
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

func (s Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// parseClock parses a "HH:MM" wall-clock string.
func parseClock(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q, want HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in clock time %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in clock time %q", v)
	}
	return hour, minute, nil
}
