package warming

import (
	"errors"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T) (*Scheduler, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(Config{WarmingMinDays: 3, HotMinDays: 7, HotMinMessages: 100}, DefaultRampTable())
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRampTableMonotone(t *testing.T) {
	table := DefaultRampTable()
	prev := table.ForDay(1)
	for day := 2; day <= len(table.Days)+2; day++ {
		cur := table.ForDay(day)
		if cur.MaxMessagesToday < prev.MaxMessagesToday {
			t.Fatalf("day %d volume regressed: %d < %d", day, cur.MaxMessagesToday, prev.MaxMessagesToday)
		}
		if cur.MinDelayMs > prev.MinDelayMs || cur.MaxDelayMs > prev.MaxDelayMs {
			t.Fatalf("day %d delay window widened", day)
		}
		prev = cur
	}
}

func TestAdmitSendDailyLimit(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Track("s1", s.now())

	limits, err := s.GetLimits("s1")
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	for i := 0; i < limits.MaxMessagesToday; i++ {
		d, err := s.AdmitSend("s1")
		if err != nil || !d.Allowed {
			t.Fatalf("send %d denied: %+v err=%v", i, d, err)
		}
		s.RecordSend("s1")
	}
	d, _ := s.AdmitSend("s1")
	if d.Allowed || d.Reason != DenyDailyLimitReached {
		t.Fatalf("expected DAILY_LIMIT_REACHED, got %+v", d)
	}

	// The reset restores the allowance; a second reset for the same day
	// is a no-op.
	s.ResetDaily("2025-06-02")
	s.RecordSend("s1")
	s.ResetDaily("2025-06-02")
	if today, _ := s.Totals("s1"); today != 1 {
		t.Fatalf("duplicate reset clobbered counters: %d", today)
	}
	d, _ = s.AdmitSend("s1")
	if !d.Allowed {
		t.Fatalf("expected allow after reset, got %+v", d)
	}
}

func TestAdmitSendCooldown(t *testing.T) {
	s, nowp := newTestScheduler(t)
	s.Track("s1", s.now())

	s.SetCooldown("s1", nowp.Add(time.Hour), "abuse signal")
	d, _ := s.AdmitSend("s1")
	if d.Allowed || d.Reason != DenyCooldownActive {
		t.Fatalf("expected COOLDOWN_ACTIVE, got %+v", d)
	}

	*nowp = nowp.Add(2 * time.Hour)
	d, _ = s.AdmitSend("s1")
	if !d.Allowed {
		t.Fatalf("expected allow after cooldown, got %+v", d)
	}
}

func TestGradeAdvancement(t *testing.T) {
	s, nowp := newTestScheduler(t)
	created := *nowp
	s.Track("s1", created)

	mustGrade := func(want Grade) {
		t.Helper()
		g, err := s.Grade("s1")
		if err != nil || g != want {
			t.Fatalf("grade = %v (err=%v), want %v", g, err, want)
		}
	}

	s.EvaluateGrades()
	mustGrade(GradeCold)

	// Age alone moves Cold to Warming.
	*nowp = created.AddDate(0, 0, 4)
	s.EvaluateGrades()
	mustGrade(GradeWarming)

	// Age alone is not enough for Hot.
	*nowp = created.AddDate(0, 0, 10)
	s.EvaluateGrades()
	mustGrade(GradeWarming)

	// Age plus lifetime volume reaches Hot.
	for i := 0; i < 100; i++ {
		s.RecordSend("s1")
	}
	s.EvaluateGrades()
	mustGrade(GradeHot)

	// No automatic regression.
	s.EvaluateGrades()
	mustGrade(GradeHot)

	// Administrative reset is the only way down.
	s.ResetGrade("s1")
	mustGrade(GradeCold)
}

func TestUnknownSession(t *testing.T) {
	s, _ := newTestScheduler(t)
	if _, err := s.GetLimits("ghost"); !errors.Is(err, ErrSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
	if _, err := s.AdmitSend("ghost"); !errors.Is(err, ErrSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
}

func TestRampTableValidate(t *testing.T) {
	base := func() RampTable {
		return RampTable{
			Days: []RampDay{
				{MaxMessages: 20, MinDelayMs: 60000, MaxDelayMs: 120000},
				{MaxMessages: 50, MinDelayMs: 40000, MaxDelayMs: 90000},
			},
			Mature: RampDay{MaxMessages: 100, MinDelayMs: 20000, MaxDelayMs: 60000},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*RampTable)
		wantErr bool
	}{
		{"default table", func(t *RampTable) { *t = DefaultRampTable() }, false},
		{"well-formed", func(t *RampTable) {}, false},
		{"no days", func(t *RampTable) { t.Days = nil }, true},
		{"volume drops", func(t *RampTable) { t.Days[1].MaxMessages = 10 }, true},
		{"delay window widens", func(t *RampTable) { t.Days[1].MaxDelayMs = 200000 }, true},
		{"inverted delay window", func(t *RampTable) { t.Days[0].MinDelayMs = 130000 }, true},
		{"zero volume", func(t *RampTable) { t.Days[0].MaxMessages = 0 }, true},
		{"mature volume drops", func(t *RampTable) { t.Mature.MaxMessages = 30 }, true},
		{"mature window widens", func(t *RampTable) { t.Mature.MinDelayMs = 50000 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := base()
			tc.mutate(&table)
			err := table.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
