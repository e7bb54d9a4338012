// Package streak tracks daily learning streaks and the weekly streak freeze.
//
// The Engine holds the pure date rules. The Service applies them to the
// remote streak row with local caching.
package streak

import (
	"github.com/jonboulle/clockwork"

	"github.com/hyperengineering/lughah/internal/localdate"
	"github.com/hyperengineering/lughah/internal/types"
)

// Status is the derived state of a streak relative to today.
type Status string

const (
	StatusActive Status = "active"
	StatusAtRisk Status = "at-risk"
	StatusBroken Status = "broken"
	StatusFrozen Status = "frozen"
)

// Decision is the outcome of ShouldIncrement.
type Decision struct {
	NewStreak    int
	ShouldUpdate bool
}

// Engine evaluates streak rules against a clock. All methods are total:
// malformed dates are treated the same as missing ones.
type Engine struct {
	clock clockwork.Clock
}

// NewEngine creates an Engine. A nil clock uses the real clock.
func NewEngine(clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{clock: clock}
}

// Today returns the engine's current local date.
func (e *Engine) Today() string {
	return localdate.Today(e.clock)
}

// daysSince returns the calendar-day gap between d and today, and false when
// d is empty or malformed.
func (e *Engine) daysSince(d string) (int, bool) {
	if d == "" {
		return 0, false
	}
	gap, err := localdate.DaysBetween(d, e.Today())
	if err != nil {
		return 0, false
	}
	return gap, true
}

// CalculateStatus derives the streak status from the last activity date alone.
func (e *Engine) CalculateStatus(lastActivityDate string, currentStreak int) Status {
	gap, ok := e.daysSince(lastActivityDate)
	switch {
	case !ok:
		return StatusBroken
	case gap <= 0:
		return StatusActive
	case gap == 1:
		return StatusAtRisk
	default:
		return StatusBroken
	}
}

// CalculateStatusWithFreeze extends CalculateStatus with freeze coverage. A
// streak is frozen when the freeze covers the only missed day: activity
// yesterday with the freeze used today, or activity two days ago with the
// freeze used yesterday.
func (e *Engine) CalculateStatusWithFreeze(lastActivityDate, freezeUsedAt string, currentStreak int) Status {
	gap, ok := e.daysSince(lastActivityDate)
	if ok && gap <= 0 {
		return StatusActive
	}
	if ok && e.freezeBridges(gap, freezeUsedAt) {
		return StatusFrozen
	}
	return e.CalculateStatus(lastActivityDate, currentStreak)
}

func (e *Engine) freezeBridges(gap int, freezeUsedAt string) bool {
	freezeGap, ok := e.daysSince(freezeUsedAt)
	if !ok {
		return false
	}
	return (gap == 1 && freezeGap == 0) || (gap == 2 && freezeGap == 1)
}

// EffectiveCurrentStreak returns 0 for a broken streak and currentStreak
// otherwise. Read paths apply it so a stale row is never shown as alive.
// Pass an empty freezeUsedAt to ignore freezes.
func (e *Engine) EffectiveCurrentStreak(lastActivityDate string, currentStreak int, freezeUsedAt string) int {
	if e.CalculateStatusWithFreeze(lastActivityDate, freezeUsedAt, currentStreak) == StatusBroken {
		return 0
	}
	return currentStreak
}

// ShouldIncrement decides how recording activity today changes the streak.
func (e *Engine) ShouldIncrement(lastActivityDate string, currentStreak int, freezeUsedAt string) Decision {
	return decide(lastActivityDate, currentStreak, freezeUsedAt, e.Today())
}

// decide applies the increment rules to activity on date. Activity on or
// before the last recorded day changes nothing.
func decide(lastActivityDate string, currentStreak int, freezeUsedAt, date string) Decision {
	gap, err := localdate.DaysBetween(lastActivityDate, date)
	switch {
	case err != nil:
		return Decision{NewStreak: 1, ShouldUpdate: true}
	case gap <= 0:
		return Decision{NewStreak: currentStreak, ShouldUpdate: false}
	case gap == 1:
		return Decision{NewStreak: currentStreak + 1, ShouldUpdate: true}
	case gap == 2 && freezeCoversDayAfter(lastActivityDate, freezeUsedAt):
		return Decision{NewStreak: currentStreak + 1, ShouldUpdate: true}
	default:
		return Decision{NewStreak: 1, ShouldUpdate: true}
	}
}

// freezeCoversDayAfter reports whether the freeze was used on the day right
// after lastActivityDate. For a two-day gap that is the only missed day.
func freezeCoversDayAfter(lastActivityDate, freezeUsedAt string) bool {
	if freezeUsedAt == "" {
		return false
	}
	dayAfter, err := localdate.AddDays(lastActivityDate, 1)
	if err != nil {
		return false
	}
	return freezeUsedAt == dayAfter
}

// ApplyActivity counts activity on date against rec. It reports false when
// date is already counted or older than the last recorded activity.
// LongestStreak never decreases.
func ApplyActivity(rec types.StreakRecord, date string) (types.StreakRecord, bool) {
	d := decide(rec.LastActivityDate, rec.CurrentStreak, rec.FreezeUsedAt, date)
	if !d.ShouldUpdate {
		return rec, false
	}
	rec.CurrentStreak = d.NewStreak
	rec.LongestStreak = max(rec.LongestStreak, rec.CurrentStreak)
	rec.LastActivityDate = date
	return rec, true
}

// ApplyFreeze spends the freeze on date. It reports false when a freeze was
// already used in date's week or later.
func ApplyFreeze(rec types.StreakRecord, date string) (types.StreakRecord, bool) {
	dateWeek, err := localdate.WeekStartOf(date)
	if err != nil {
		return rec, false
	}
	if rec.FreezeUsedAt != "" {
		if usedWeek, err := localdate.WeekStartOf(rec.FreezeUsedAt); err == nil && usedWeek >= dateWeek {
			return rec, false
		}
	}
	rec.FreezeUsedAt = date
	return rec, true
}

// IsFreezeAvailable reports whether a freeze can be used this week. The
// allowance resets every Monday.
func (e *Engine) IsFreezeAvailable(freezeUsedAt string) bool {
	if freezeUsedAt == "" {
		return true
	}
	usedWeek, err := localdate.WeekStartOf(freezeUsedAt)
	if err != nil {
		return true
	}
	return usedWeek != localdate.WeekStartMonday(e.clock.Now())
}

// NextFreezeDate returns the Monday after the week in which the freeze was
// used, or "" when no valid freeze date is recorded.
func (e *Engine) NextFreezeDate(freezeUsedAt string) string {
	weekStart, err := localdate.WeekStartOf(freezeUsedAt)
	if err != nil {
		return ""
	}
	next, err := localdate.AddDays(weekStart, 7)
	if err != nil {
		return ""
	}
	return next
}

// Summary is a display-ready view of a streak record.
type Summary struct {
	UserID           string `json:"user_id"`
	Status           Status `json:"status"`
	CurrentStreak    int    `json:"current_streak"`
	LongestStreak    int    `json:"longest_streak"`
	LastActivityDate string `json:"last_activity_date,omitempty"`
	FreezeUsedAt     string `json:"freeze_used_at,omitempty"`
	FreezeAvailable  bool   `json:"freeze_available"`
	NextFreezeDate   string `json:"next_freeze_date,omitempty"`
}

// Summarize evaluates rec against today.
func (e *Engine) Summarize(rec types.StreakRecord) Summary {
	s := Summary{
		UserID:           rec.UserID,
		Status:           e.CalculateStatusWithFreeze(rec.LastActivityDate, rec.FreezeUsedAt, rec.CurrentStreak),
		CurrentStreak:    e.EffectiveCurrentStreak(rec.LastActivityDate, rec.CurrentStreak, rec.FreezeUsedAt),
		LongestStreak:    rec.LongestStreak,
		LastActivityDate: rec.LastActivityDate,
		FreezeUsedAt:     rec.FreezeUsedAt,
		FreezeAvailable:  e.IsFreezeAvailable(rec.FreezeUsedAt),
	}
	if !s.FreezeAvailable {
		s.NextFreezeDate = e.NextFreezeDate(rec.FreezeUsedAt)
	}
	return s
}
