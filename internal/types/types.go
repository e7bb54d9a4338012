package types

import (
	"encoding/json"
	"time"
)

// Remote table and procedure names the sync core depends on.
const (
	TableStreaks        = "user_streaks"
	TableXP             = "user_xp"
	TableWordProgress   = "word_progress"
	TableLessonProgress = "lesson_progress"
	TableReviewRatings  = "review_ratings"
	TableSettings       = "user_settings"

	ProcIncrementXP = "increment_user_xp"
)

// WordStatus is the learning stage of a word for one user.
type WordStatus string

const (
	WordStatusNew      WordStatus = "new"
	WordStatusLearning WordStatus = "learning"
	WordStatusReview   WordStatus = "review"
	WordStatusMastered WordStatus = "mastered"
)

// StreakRecord is the per-user streak row. Dates are LocalDate strings;
// an empty string means the date was never set.
type StreakRecord struct {
	UserID           string `json:"user_id"`
	CurrentStreak    int    `json:"current_streak"`
	LongestStreak    int    `json:"longest_streak"`
	LastActivityDate string `json:"last_activity_date,omitempty"`
	FreezeUsedAt     string `json:"freeze_used_at,omitempty"`
}

// XPRecord is the per-user experience total.
type XPRecord struct {
	UserID  string `json:"user_id"`
	TotalXP int64  `json:"total_xp"`
}

// WordProgressRecord is the spaced-repetition state of one word for one user.
// IsSynced is local bookkeeping and never sent to the remote.
type WordProgressRecord struct {
	UserID      string     `json:"user_id"`
	WordID      string     `json:"word_id"`
	EaseFactor  float64    `json:"ease_factor"`
	Interval    int        `json:"interval"`
	Repetitions int        `json:"repetitions"`
	NextReview  time.Time  `json:"next_review"`
	Status      WordStatus `json:"status"`
	IsSynced    bool       `json:"is_synced"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RemoteWordProgress is the remote row shape of a WordProgressRecord.
type RemoteWordProgress struct {
	UserID      string     `json:"user_id"`
	WordID      string     `json:"word_id"`
	EaseFactor  float64    `json:"ease_factor"`
	Interval    int        `json:"interval"`
	Repetitions int        `json:"repetitions"`
	NextReview  time.Time  `json:"next_review"`
	Status      WordStatus `json:"status"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ToRemote strips local-only fields.
func (r WordProgressRecord) ToRemote() RemoteWordProgress {
	return RemoteWordProgress{
		UserID:      r.UserID,
		WordID:      r.WordID,
		EaseFactor:  r.EaseFactor,
		Interval:    r.Interval,
		Repetitions: r.Repetitions,
		NextReview:  r.NextReview,
		Status:      r.Status,
		UpdatedAt:   r.UpdatedAt,
	}
}

// ToLocal converts a remote row into a synced local record.
func (r RemoteWordProgress) ToLocal() WordProgressRecord {
	return WordProgressRecord{
		UserID:      r.UserID,
		WordID:      r.WordID,
		EaseFactor:  r.EaseFactor,
		Interval:    r.Interval,
		Repetitions: r.Repetitions,
		NextReview:  r.NextReview,
		Status:      r.Status,
		IsSynced:    true,
		UpdatedAt:   r.UpdatedAt,
	}
}

// LessonCompletion is the payload of a lesson_complete mutation.
// Replayed as an upsert on (user_id, lesson_id).
type LessonCompletion struct {
	UserID      string    `json:"user_id"`
	LessonID    string    `json:"lesson_id"`
	Score       int       `json:"score"`
	XPEarned    int64     `json:"xp_earned"`
	CompletedAt time.Time `json:"completed_at"`
}

// ReviewRating is the payload of a review_rating mutation.
// Replayed as an upsert on (user_id, word_id).
type ReviewRating struct {
	UserID     string    `json:"user_id"`
	WordID     string    `json:"word_id"`
	Rating     int       `json:"rating"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// SettingsUpdate is the payload of a settings_update mutation.
// Replayed as an update of user_settings filtered by user_id.
type SettingsUpdate struct {
	UserID   string                     `json:"user_id"`
	Settings map[string]json.RawMessage `json:"settings"`
}

// StreakEvent is what a streak_update mutation records.
type StreakEvent string

const (
	StreakEventActivity StreakEvent = "activity"
	StreakEventFreeze   StreakEvent = "freeze"
)

// StreakUpdate is the payload of a streak_update mutation queued when a
// streak write could not reach the remote. It holds the event and its local
// date rather than column values; replay re-applies the event to the
// current remote row.
type StreakUpdate struct {
	UserID string      `json:"user_id"`
	Event  StreakEvent `json:"event"`
	Date   string      `json:"date"`
}

// HealthResponse is returned by the reference backend's health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Tables  int    `json:"tables"`
}
