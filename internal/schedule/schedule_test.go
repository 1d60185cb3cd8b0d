package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday 2024-05-15 10:30 local time
var wednesday = time.Date(2024, 5, 15, 10, 30, 0, 0, time.Local)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Rule
		wantErr bool
	}{
		{
			name: "default",
			in:   DefaultRule,
			want: Rule{ID: 0, Mode: Always, Days: AllDays, Start: 0, End: 23*time.Hour + 59*time.Minute},
		},
		{
			name: "weekdays office hours",
			in:   "3-2-62-08:00-17:30",
			want: Rule{ID: 3, Mode: Scheduled, Days: 62, Start: 8 * time.Hour, End: 17*time.Hour + 30*time.Minute},
		},
		{name: "too few fields", in: "00-01-255-00:00", wantErr: true},
		{name: "bad mode", in: "00-9-255-00:00-23:59", wantErr: true},
		{name: "bad days", in: "00-1-256-00:00-23:59", wantErr: true},
		{name: "bad time", in: "00-1-255-0000-23:59", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleString(t *testing.T) {
	r, err := ParseRule(DefaultRule)
	require.NoError(t, err)
	assert.Equal(t, DefaultRule, r.String())
}

func TestUpdateKeepsRuleOnError(t *testing.T) {
	s := New(Rule{Mode: Always, Days: AllDays})
	assert.Error(t, s.Update("garbage"))
	assert.Equal(t, Always, s.Rule().Mode)

	require.NoError(t, s.Update("1-3-255-00:00-23:59"))
	assert.Equal(t, Motion, s.Rule().Mode)
}

func TestIsScheduledAlwaysAndOff(t *testing.T) {
	times := []time.Time{
		{},
		wednesday,
		time.Date(2021, 1, 3, 23, 59, 59, 0, time.Local),
		time.Date(1999, 12, 31, 0, 0, 0, 0, time.Local),
	}
	for _, days := range []uint8{0, Sunday, Monday | Friday, AllDays} {
		for _, ts := range times {
			always := New(Rule{Mode: Always, Days: days, Start: 5 * time.Hour, End: 6 * time.Hour})
			always.SetClock(fixedClock(wednesday))
			assert.True(t, always.IsScheduled(ts, time.Time{}))

			off := New(Rule{Mode: Off, Days: days, Start: 0, End: 24 * time.Hour})
			off.SetClock(fixedClock(wednesday))
			assert.False(t, off.IsScheduled(ts, time.Time{}))
		}
	}
}

func TestIsScheduled(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		motion   time.Duration // offset from wednesday, 0 means unset
		event    time.Duration
		start    time.Time
		end      time.Time
		expected bool
	}{
		{
			name:     "schedule inside window",
			rule:     Rule{Mode: Scheduled, Days: Wednesday, Start: 10 * time.Hour, End: 11 * time.Hour},
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: true,
		},
		{
			name:     "schedule wrong day",
			rule:     Rule{Mode: Scheduled, Days: Sunday | Monday, Start: 10 * time.Hour, End: 11 * time.Hour},
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
		{
			name:     "schedule end is exclusive",
			rule:     Rule{Mode: Scheduled, Days: AllDays, Start: 9 * time.Hour, End: 10*time.Hour + 30*time.Minute},
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
		{
			name:     "schedule miss falls back to event",
			rule:     Rule{Mode: Scheduled, Days: Sunday, Start: 0, End: time.Hour},
			event:    30 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: true,
		},
		{
			name:     "schedule and motion without motion",
			rule:     Rule{Mode: ScheduledMotion, Days: AllDays, Start: 0, End: 24 * time.Hour},
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
		{
			name:     "schedule and motion ignores events inside the rule",
			rule:     Rule{Mode: ScheduledMotion, Days: AllDays, Start: 0, End: 24 * time.Hour},
			event:    30 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
		{
			name:     "schedule and motion outside the rule falls back to event",
			rule:     Rule{Mode: ScheduledMotion, Days: Sunday, Start: 0, End: 24 * time.Hour},
			event:    30 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: true,
		},
		{
			name:     "schedule and motion with motion",
			rule:     Rule{Mode: ScheduledMotion, Days: AllDays, Start: 0, End: 24 * time.Hour},
			motion:   20 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: true,
		},
		{
			name:     "motion just before window",
			rule:     Rule{Mode: Motion},
			motion:   -10 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: true,
		},
		{
			name:     "motion too early",
			rule:     Rule{Mode: Motion},
			motion:   -11 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
		{
			name:     "motion after window edge",
			rule:     Rule{Mode: Motion},
			motion:   70 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
		{
			name:     "off with event",
			rule:     Rule{Mode: Off},
			event:    5 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: true,
		},
		{
			name:     "off with motion only",
			rule:     Rule{Mode: Off},
			motion:   5 * time.Second,
			start:    wednesday,
			end:      wednesday.Add(time.Minute),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.rule)
			if tt.motion != 0 {
				s.SetClock(fixedClock(wednesday.Add(tt.motion)))
				s.SetMotion()
			}
			if tt.event != 0 {
				s.SetClock(fixedClock(wednesday.Add(tt.event)))
				s.SetEvent()
			}
			s.SetClock(fixedClock(wednesday.Add(time.Hour)))
			assert.Equal(t, tt.expected, s.IsScheduled(tt.start, tt.end))
		})
	}
}

func TestEventType(t *testing.T) {
	s := New(Rule{Mode: Off})
	s.SetClock(fixedClock(wednesday))
	end := wednesday.Add(time.Minute)

	assert.Equal(t, TagNone, s.EventType(wednesday, end))

	s.SetEvent()
	assert.Equal(t, TagEvent, s.EventType(wednesday, end))

	s.SetMotion()
	assert.Equal(t, TagMotion, s.EventType(wednesday, end))

	assert.Equal(t, TagNone, s.EventType(wednesday.Add(time.Hour), wednesday.Add(2*time.Hour)))

	s.ClearEvents()
	assert.Equal(t, TagNone, s.EventType(wednesday, end))
	assert.True(t, s.LastMotion().IsZero())
}
