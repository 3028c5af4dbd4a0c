package domain

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as "@daily".
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is either a recurring cron trigger or a one-shot time.
type Schedule struct {
	Cron string    `json:"cron,omitempty" yaml:"cron"`
	At   time.Time `json:"at,omitempty" yaml:"at"`
}

// OneShot reports whether the schedule fires exactly once.
func (s Schedule) OneShot() bool {
	return s.Cron == ""
}

// Validate checks that exactly one trigger form is set and parses.
func (s Schedule) Validate() error {
	if s.Cron == "" && s.At.IsZero() {
		return fmt.Errorf("schedule needs a cron expression or a one-shot time")
	}
	if s.Cron != "" && !s.At.IsZero() {
		return fmt.Errorf("schedule cannot have both a cron expression and a one-shot time")
	}
	if s.Cron != "" {
		if _, err := CronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
	}
	return nil
}

// Next returns the first trigger strictly after the previous occurrence.
// A zero last means nothing has fired yet; anchor is then used as the
// starting point for cron schedules. ok is false when the schedule has no
// further occurrences.
func (s Schedule) Next(last, anchor time.Time) (next time.Time, ok bool, err error) {
	if s.OneShot() {
		if !last.IsZero() {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	}
	sched, err := CronParser.Parse(s.Cron)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	from := last
	if from.IsZero() {
		from = anchor
	}
	next = sched.Next(from)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// MaintenanceWindow bounds when maintenance-class jobs may run against a database.
type MaintenanceWindow struct {
	ID         string        `json:"id" yaml:"id"`
	DatabaseID string        `json:"database_id" yaml:"database_id"`
	Title      string        `json:"title" yaml:"title"`
	Start      time.Time     `json:"start" yaml:"start"`
	End        time.Time     `json:"end,omitempty" yaml:"end"`
	Recurrence string        `json:"recurrence,omitempty" yaml:"recurrence"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"duration"`
}

// Validate checks the window bounds and recurrence rule.
func (w *MaintenanceWindow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("maintenance window id cannot be empty")
	}
	if w.DatabaseID == "" {
		return fmt.Errorf("maintenance window database id cannot be empty")
	}
	if w.Start.IsZero() {
		return fmt.Errorf("maintenance window start cannot be zero")
	}
	if !w.End.IsZero() && !w.End.After(w.Start) {
		return fmt.Errorf("maintenance window end must be after start")
	}
	if w.Recurrence == "" {
		if w.End.IsZero() {
			return fmt.Errorf("single maintenance window needs an end time")
		}
		return nil
	}
	if w.Duration <= 0 {
		return fmt.Errorf("recurring maintenance window needs a positive duration")
	}
	if _, err := CronParser.Parse(w.Recurrence); err != nil {
		return fmt.Errorf("invalid window recurrence %q: %w", w.Recurrence, err)
	}
	return nil
}

// Contains reports whether t falls inside an opening of the window.
func (w *MaintenanceWindow) Contains(t time.Time) (bool, error) {
	if t.Before(w.Start) {
		return false, nil
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false, nil
	}
	if w.Recurrence == "" {
		return true, nil
	}
	sched, err := CronParser.Parse(w.Recurrence)
	if err != nil {
		return false, fmt.Errorf("invalid window recurrence %q: %w", w.Recurrence, err)
	}
	// The only opening that can cover t starts in (t-Duration, t].
	opening := sched.Next(t.Add(-w.Duration))
	if opening.IsZero() || opening.After(t) || opening.Before(w.Start) {
		return false, nil
	}
	return true, nil
}

// InAnyWindow reports whether t is inside at least one of the windows.
// A malformed window is skipped and reported through the returned error
// while the remaining windows are still evaluated.
func InAnyWindow(windows []*MaintenanceWindow, t time.Time) (bool, error) {
	var firstErr error
	for _, w := range windows {
		ok, err := w.Contains(t)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("window %s: %w", w.ID, err)
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}
