// Package warming implements the per-session trust model: a monotone
// Cold/Warming/Hot grade and a day-indexed ramp table that bounds daily
// volume and the inter-message delay window.
package warming

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionUnknown is returned for sessions the scheduler is not tracking.
var ErrSessionUnknown = errors.New("session not tracked")

// Grade is a session's warm-up tier.
type Grade string

const (
	GradeCold    Grade = "cold"
	GradeWarming Grade = "warming"
	GradeHot     Grade = "hot"
)

// Deny reasons surfaced by AdmitSend.
const (
	DenyDailyLimitReached = "DAILY_LIMIT_REACHED"
	DenyCooldownActive    = "COOLDOWN_ACTIVE"
)

// Limits is the current throughput ceiling for a session.
type Limits struct {
	MaxMessagesToday int `json:"max_messages_today"`
	MinDelayMs       int `json:"min_delay_ms"`
	MaxDelayMs       int `json:"max_delay_ms"`
}

// Decision is the outcome of an admission check. The scheduler only
// returns the delay window; sampling and sleeping are the caller's job.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Limits  Limits `json:"limits"`
}

// Config holds grade-advancement thresholds.
type Config struct {
	WarmingMinDays int `json:"warmingMinDays" envconfig:"WARMING_MIN_DAYS"`
	HotMinDays     int `json:"hotMinDays" envconfig:"HOT_MIN_DAYS"`
	HotMinMessages int `json:"hotMinMessages" envconfig:"HOT_MIN_MESSAGES"`
}

// DefaultConfig returns sensible warm-up thresholds.
func DefaultConfig() Config {
	return Config{
		WarmingMinDays: 3,
		HotMinDays:     14,
		HotMinMessages: 500,
	}
}

type state struct {
	createdAt      time.Time
	sentToday      int
	sentTotal      int
	grade          Grade
	cooldownUntil  time.Time
	cooldownReason string
}

// Scheduler tracks warming state per session.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	table     RampTable
	sessions  map[string]*state
	lastReset string
	now       func() time.Time
}

// New creates a Scheduler with the given thresholds and ramp table.
func New(cfg Config, table RampTable) *Scheduler {
	if cfg.WarmingMinDays <= 0 {
		cfg.WarmingMinDays = DefaultConfig().WarmingMinDays
	}
	if cfg.HotMinDays <= 0 {
		cfg.HotMinDays = DefaultConfig().HotMinDays
	}
	if cfg.HotMinMessages <= 0 {
		cfg.HotMinMessages = DefaultConfig().HotMinMessages
	}
	if len(table.Days) == 0 {
		table = DefaultRampTable()
	}
	return &Scheduler{
		cfg:      cfg,
		table:    table,
		sessions: make(map[string]*state),
		now:      time.Now,
	}
}

// Track starts warming bookkeeping for a session.
func (s *Scheduler) Track(sessionID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	s.sessions[sessionID] = &state{createdAt: createdAt, grade: GradeCold}
}

// Forget drops a session's warming state.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// ageDays returns the 1-based session age in calendar-ish days.
func (s *Scheduler) ageDays(st *state) int {
	return int(s.now().Sub(st.createdAt).Hours()/24) + 1
}

// GetLimits returns today's ceiling and delay window for a session,
// looked up from the ramp table by age in days.
func (s *Scheduler) GetLimits(sessionID string) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return Limits{}, fmt.Errorf("get limits %q: %w", sessionID, ErrSessionUnknown)
	}
	return s.table.ForDay(s.ageDays(st)), nil
}

// AdmitSend checks the daily ceiling and any active cooldown. It never
// sleeps; on allow the caller samples a delay from the returned window.
func (s *Scheduler) AdmitSend(sessionID string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return Decision{}, fmt.Errorf("admit %q: %w", sessionID, ErrSessionUnknown)
	}
	limits := s.table.ForDay(s.ageDays(st))
	if s.now().Before(st.cooldownUntil) {
		return Decision{Reason: DenyCooldownActive, Limits: limits}, nil
	}
	if st.sentToday >= limits.MaxMessagesToday {
		return Decision{Reason: DenyDailyLimitReached, Limits: limits}, nil
	}
	return Decision{Allowed: true, Limits: limits}, nil
}

// RecordSend bumps the daily and lifetime counters after a dispatch.
func (s *Scheduler) RecordSend(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	st.sentToday++
	st.sentTotal++
}

// SetCooldown pauses sends for a session after an external abuse signal.
func (s *Scheduler) SetCooldown(sessionID string, until time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	st.cooldownUntil = until
	st.cooldownReason = reason
	slog.Info("Warming cooldown set", "session", sessionID, "until", until, "reason", reason)
}

// Grade returns a session's current tier.
func (s *Scheduler) Grade(sessionID string) (Grade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("grade %q: %w", sessionID, ErrSessionUnknown)
	}
	return st.grade, nil
}

// Totals returns (sentToday, sentTotal) for a session.
func (s *Scheduler) Totals(sessionID string) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0, 0
	}
	return st.sentToday, st.sentTotal
}

// EvaluateGrades advances grades on the evaluation schedule. Cold goes to
// Warming on age alone; Hot additionally requires lifetime volume. Grades
// never regress here.
func (s *Scheduler) EvaluateGrades() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.sessions {
		age := s.ageDays(st)
		switch st.grade {
		case GradeCold:
			if age >= s.cfg.WarmingMinDays {
				st.grade = GradeWarming
				slog.Info("Warming grade advanced", "session", id, "grade", st.grade)
			}
		case GradeWarming:
			if age >= s.cfg.HotMinDays && st.sentTotal >= s.cfg.HotMinMessages {
				st.grade = GradeHot
				slog.Info("Warming grade advanced", "session", id, "grade", st.grade)
			}
		}
	}
}

// ResetGrade is the administrative override; the only way a grade drops.
func (s *Scheduler) ResetGrade(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		st.grade = GradeCold
		slog.Info("Warming grade reset", "session", sessionID)
	}
}

// ResetDaily zeroes the daily counters for the given calendar day.
// Idempotent per day so an external trigger can fire it repeatedly.
func (s *Scheduler) ResetDaily(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if day == s.lastReset {
		return
	}
	s.lastReset = day
	for _, st := range s.sessions {
		st.sentToday = 0
	}
	slog.Info("Warming daily counters reset", "day", day, "sessions", len(s.sessions))
}
