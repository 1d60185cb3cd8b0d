package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRule records always, every day, all day.
const DefaultRule = "00-01-255-00:00-23:59"

const (
	SecondsBeforeEvent = 10 * time.Second
	SecondsAfterEvent  = 10 * time.Second
)

type Mode int

const (
	Off Mode = iota
	Always
	Scheduled
	Motion
	ScheduledMotion
)

func (m Mode) String() string {
	switch m {
	case Off:
		return "off"
	case Always:
		return "always"
	case Scheduled:
		return "schedule"
	case Motion:
		return "motion"
	case ScheduledMotion:
		return "schedule+motion"
	default:
		return "unknown"
	}
}

// Day bits, OR'd together in Rule.Days.
const (
	Sunday uint8 = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Special

	AllDays uint8 = 255
)

// Tag is the event marker embedded in recording file names.
type Tag string

const (
	TagNone   Tag = "N"
	TagMotion Tag = "M"
	TagEvent  Tag = "E"
)

// Rule is one "ID-MO-DA-HH:mm-HH:mm" schedule setting. Start and End are
// offsets from midnight.
type Rule struct {
	ID    int
	Mode  Mode
	Days  uint8
	Start time.Duration
	End   time.Duration
}

func ParseRule(s string) (Rule, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 5 {
		return Rule{}, fmt.Errorf("invalid schedule %q: expected 5 fields, got %d", s, len(parts))
	}

	var r Rule
	var err error
	if r.ID, err = strconv.Atoi(parts[0]); err != nil {
		return Rule{}, fmt.Errorf("invalid schedule id %q: %w", parts[0], err)
	}

	mode, err := strconv.Atoi(parts[1])
	if err != nil || mode < int(Off) || mode > int(ScheduledMotion) {
		return Rule{}, fmt.Errorf("invalid schedule mode %q", parts[1])
	}
	r.Mode = Mode(mode)

	days, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid schedule days %q: %w", parts[2], err)
	}
	r.Days = uint8(days)

	if r.Start, err = parseTimeOfDay(parts[3]); err != nil {
		return Rule{}, err
	}
	if r.End, err = parseTimeOfDay(parts[4]); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func formatTimeOfDay(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

func (r Rule) String() string {
	return fmt.Sprintf("%02d-%02d-%d-%s-%s", r.ID, int(r.Mode), r.Days, formatTimeOfDay(r.Start), formatTimeOfDay(r.End))
}

// matches reports whether t falls on an enabled day inside [Start, End).
func (r Rule) matches(t time.Time) bool {
	if r.Days&(1<<uint(t.Weekday())) == 0 {
		return false
	}
	y, m, d := t.Date()
	tod := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
	return r.Start <= tod && tod < r.End
}

// Schedule holds the active rule and the last motion and external event
// timestamps. It is safe for concurrent use.
type Schedule struct {
	mu         sync.RWMutex
	rule       Rule
	lastMotion time.Time
	lastEvent  time.Time
	now        func() time.Time
}

func New(rule Rule) *Schedule {
	return &Schedule{rule: rule, now: time.Now}
}

// SetClock replaces the time source used for defaults and timestamps.
func (s *Schedule) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Schedule) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

func (s *Schedule) Rule() Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rule
}

func (s *Schedule) SetRule(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rule = r
}

// Update parses and installs a rule string. An invalid string leaves the
// current rule untouched.
func (s *Schedule) Update(rule string) error {
	r, err := ParseRule(rule)
	if err != nil {
		return err
	}
	s.SetRule(r)
	return nil
}

func (s *Schedule) SetMotion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMotion = s.now()
}

func (s *Schedule) SetEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvent = s.now()
}

func (s *Schedule) ClearEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMotion = time.Time{}
	s.lastEvent = time.Time{}
}

func (s *Schedule) LastMotion() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMotion
}

func (s *Schedule) LastEvent() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent
}

func (s *Schedule) bounds(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return start, end
}

func inWindow(ts, start, end time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return !ts.Add(SecondsAfterEvent).Before(start) && ts.Add(-SecondsBeforeEvent).Before(end)
}

// IsScheduled reports whether the interval [start, end] should be recorded.
// A zero end means now, a zero start means the epoch. A schedule rule that
// matches the day and time decides on its own. Otherwise an external event
// inside the window still grants recording.
func (s *Schedule) IsScheduled(start, end time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end = s.bounds(start, end)

	switch s.rule.Mode {
	case Always:
		return true
	case Scheduled, ScheduledMotion:
		if s.rule.matches(start) {
			return s.rule.Mode == Scheduled || inWindow(s.lastMotion, start, end)
		}
	case Motion:
		if inWindow(s.lastMotion, start, end) {
			return true
		}
	}
	return inWindow(s.lastEvent, start, end)
}

// EventType tags the interval, motion taking precedence over events.
func (s *Schedule) EventType(start, end time.Time) Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end = s.bounds(start, end)

	switch {
	case inWindow(s.lastMotion, start, end):
		return TagMotion
	case inWindow(s.lastEvent, start, end):
		return TagEvent
	default:
		return TagNone
	}
}
