// Package clock provides the time source and next-fire computation for
// scheduled triggers: fixed intervals, cron expressions with timezone,
// one-shot timestamps, and daily at-times.
package clock

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// TriggerKind identifies which trigger variant is set.
type TriggerKind string

const (
	// KindInterval fires every IntervalSeconds from the anchor.
	KindInterval TriggerKind = "interval"
	// KindCron fires on a cron expression in a timezone.
	KindCron TriggerKind = "cron"
	// KindOneShot fires once at a fixed instant.
	KindOneShot TriggerKind = "one_shot"
	// KindDailyAt fires every day at a local wall-clock time.
	KindDailyAt TriggerKind = "daily_at"
)

// Trigger is a tagged union; exactly one variant is populated per Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	// IntervalSeconds and Anchor for KindInterval. A zero anchor means
	// the interval is anchored at the reference instant passed to NextFire.
	IntervalSeconds int64     `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
	Anchor          time.Time `json:"anchor,omitempty" yaml:"anchor,omitempty"`

	// CronExpr for KindCron.
	CronExpr string `json:"cron_expr,omitempty" yaml:"cron,omitempty"`

	// At for KindOneShot.
	At time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	// DailyAt ("HH:MM") for KindDailyAt.
	DailyAt string `json:"daily_at,omitempty" yaml:"daily_at,omitempty"`

	// Timezone applies to cron and daily-at triggers. Empty means UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Validate checks the trigger is well formed: exactly one variant set,
// interval at least one second, daily-at within 00:00-23:59.
func (t Trigger) Validate() error {
	switch t.Kind {
	case KindInterval:
		if t.IntervalSeconds < 1 {
			return errkind.Newf(errkind.KindDomain, "Intervals below one second are not allowed.", "interval_seconds=%d below minimum", t.IntervalSeconds)
		}
	case KindCron:
		if _, err := cronParser.Parse(t.CronExpr); err != nil {
			return errkind.New(errkind.KindDomain, "That cron expression is invalid.", fmt.Errorf("parse cron %q: %w", t.CronExpr, err))
		}
	case KindOneShot:
		if t.At.IsZero() {
			return errkind.Newf(errkind.KindDomain, "The one-shot time is missing.", "one_shot trigger without timestamp")
		}
	case KindDailyAt:
		if _, _, err := ParseClock(t.DailyAt); err != nil {
			return err
		}
	default:
		return errkind.Newf(errkind.KindDomain, "That schedule is not recognized.", "unknown trigger kind %q", t.Kind)
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return errkind.New(errkind.KindDomain, "That timezone is not recognized.", fmt.Errorf("load timezone %q: %w", t.Timezone, err))
		}
	}
	return nil
}

// ParseClock parses an "HH:MM" wall-clock value.
func ParseClock(value string) (hour, minute int, err error) {
	value = strings.TrimSpace(value)
	if _, scanErr := fmt.Sscanf(value, "%2d:%2d", &hour, &minute); scanErr != nil || len(value) != 5 {
		return 0, 0, errkind.Newf(errkind.KindDomain, "At-times must look like 09:30.", "invalid clock value %q", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errkind.Newf(errkind.KindDomain, "At-times must be between 00:00 and 23:59.", "clock value %q out of range", value)
	}
	return hour, minute, nil
}

// Service resolves time and computes next fires. The now function is
// replaceable for tests.
type Service struct {
	now func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a clock service.
func NewService(opts ...Option) *Service {
	service := &Service{now: time.Now}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// NowUTC returns the current instant in UTC.
func (s *Service) NowUTC() time.Time {
	return s.now().UTC()
}

// NowIn returns the current instant in the named timezone, falling back
// to UTC when the zone cannot be loaded.
func (s *Service) NowIn(tz string) time.Time {
	loc, err := time.LoadLocation(strings.TrimSpace(tz))
	if err != nil || tz == "" {
		return s.NowUTC()
	}
	return s.now().In(loc)
}

// NextFire computes the next instant strictly after the reference at which
// the trigger fires. ok=false without error means the trigger has no
// future fire and the owning task should be disabled.
func (s *Service) NextFire(trigger Trigger, after time.Time) (next time.Time, ok bool, err error) {
	if err := trigger.Validate(); err != nil {
		return time.Time{}, false, err
	}

	switch trigger.Kind {
	case KindInterval:
		interval := time.Duration(trigger.IntervalSeconds) * time.Second
		anchor := trigger.Anchor
		if anchor.IsZero() {
			anchor = after
		}
		if !anchor.After(after) {
			// Smallest anchor + k*interval strictly greater than after.
			elapsed := after.Sub(anchor)
			steps := elapsed/interval + 1
			return anchor.Add(steps * interval).UTC(), true, nil
		}
		return anchor.UTC(), true, nil

	case KindCron:
		schedule, parseErr := cronParser.Parse(trigger.CronExpr)
		if parseErr != nil {
			return time.Time{}, false, errkind.New(errkind.KindDomain, "That cron expression is invalid.", parseErr)
		}
		next := schedule.Next(after.In(s.location(trigger.Timezone)))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next.UTC(), true, nil

	case KindOneShot:
		if trigger.At.After(after) {
			return trigger.At.UTC(), true, nil
		}
		return time.Time{}, false, nil

	case KindDailyAt:
		hour, minute, clockErr := ParseClock(trigger.DailyAt)
		if clockErr != nil {
			return time.Time{}, false, clockErr
		}
		loc := s.location(trigger.Timezone)
		local := after.In(loc)
		candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.UTC(), true, nil
	}

	return time.Time{}, false, errkind.Newf(errkind.KindDomain, "That schedule is not recognized.", "unknown trigger kind %q", trigger.Kind)
}

func (s *Service) location(tz string) *time.Location {
	if strings.TrimSpace(tz) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
