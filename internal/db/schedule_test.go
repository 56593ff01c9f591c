package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleValidate(t *testing.T) {
	t.Parallel()

	fireAt := time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		schedule Schedule
		wantErr  bool
	}{
		{name: "valid interval", schedule: Schedule{Kind: ScheduleKindInterval, Every: time.Hour}},
		{name: "zero interval", schedule: Schedule{Kind: ScheduleKindInterval}, wantErr: true},
		{name: "valid daily", schedule: Schedule{Kind: ScheduleKindDaily, At: "08:30"}},
		{name: "bad clock", schedule: Schedule{Kind: ScheduleKindDaily, At: "25:00"}, wantErr: true},
		{name: "valid weekly", schedule: Schedule{Kind: ScheduleKindWeekly, At: "08:30", Weekday: time.Monday}},
		{name: "valid once", schedule: Schedule{Kind: ScheduleKindOnce, FireAt: &fireAt}},
		{name: "once without fire_at", schedule: Schedule{Kind: ScheduleKindOnce}, wantErr: true},
		{name: "bad timezone", schedule: Schedule{Kind: ScheduleKindDaily, At: "08:30", Timezone: "Mars/Olympus"}, wantErr: true},
		{name: "unknown kind", schedule: Schedule{Kind: "cron"}, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.schedule.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestScheduleNextAfter(t *testing.T) {
	t.Parallel()

	// Tuesday 2026-03-10, 12:00 UTC.
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	t.Run("interval", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindInterval, Every: 90 * time.Minute}
		next, err := s.NextAfter(base)
		require.NoError(t, err)
		require.Equal(t, base.Add(90*time.Minute), next)
	})

	t.Run("daily before wall time fires same day", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindDaily, At: "18:00"}
		next, err := s.NextAfter(base)
		require.NoError(t, err)
		require.Equal(t, time.Date(2026, time.March, 10, 18, 0, 0, 0, time.UTC), next)
	})

	t.Run("daily after wall time rolls to next day", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindDaily, At: "08:00"}
		next, err := s.NextAfter(base)
		require.NoError(t, err)
		require.Equal(t, time.Date(2026, time.March, 11, 8, 0, 0, 0, time.UTC), next)
	})

	t.Run("daily is strictly after", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindDaily, At: "12:00"}
		next, err := s.NextAfter(base) // exactly at the wall time
		require.NoError(t, err)
		require.Equal(t, base.AddDate(0, 0, 1), next)
	})

	t.Run("weekly same weekday earlier hour rolls a week", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindWeekly, At: "08:00", Weekday: time.Tuesday}
		next, err := s.NextAfter(base)
		require.NoError(t, err)
		require.Equal(t, time.Date(2026, time.March, 17, 8, 0, 0, 0, time.UTC), next)
	})

	t.Run("weekly upcoming weekday", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindWeekly, At: "08:00", Weekday: time.Friday}
		next, err := s.NextAfter(base)
		require.NoError(t, err)
		require.Equal(t, time.Date(2026, time.March, 13, 8, 0, 0, 0, time.UTC), next)
	})

	t.Run("daily in timezone", func(t *testing.T) {
		t.Parallel()

		s := Schedule{Kind: ScheduleKindDaily, At: "08:00", Timezone: "Asia/Ho_Chi_Minh"}
		next, err := s.NextAfter(base) // 19:00 local, so next is tomorrow 08:00 local
		require.NoError(t, err)
		require.Equal(t, "08:00", next.Format("15:04"))
		loc, _ := time.LoadLocation("Asia/Ho_Chi_Minh")
		require.Equal(t, time.Date(2026, time.March, 11, 8, 0, 0, 0, loc), next)
	})

	t.Run("once has no next occurrence", func(t *testing.T) {
		t.Parallel()

		fireAt := base.Add(time.Hour)
		s := Schedule{Kind: ScheduleKindOnce, FireAt: &fireAt}
		_, err := s.NextAfter(base)
		require.Error(t, err)

		first, err := s.FirstFire(base)
		require.NoError(t, err)
		require.Equal(t, fireAt, first)
		require.False(t, s.Recurring())
	})
}
