// Package srs implements the SM-2 spaced-repetition scheduler used to plan
// word reviews.
package srs

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/lughah/internal/types"
)

// Rating is the learner's self-assessed recall difficulty for one review.
type Rating int

const (
	Again Rating = iota + 1
	Hard
	Good
	Easy
)

// Scheduler defaults.
const (
	DefaultEaseFactor = 2.5
	MinEaseFactor     = 1.3
	// MasteredInterval is the interval, in days, at which a word counts as mastered.
	MasteredInterval = 21
)

func (r Rating) String() string {
	switch r {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	default:
		return fmt.Sprintf("rating(%d)", int(r))
	}
}

// Valid reports whether r is one of the four known ratings.
func (r Rating) Valid() bool {
	return r >= Again && r <= Easy
}

// quality maps a rating onto the 0-5 SM-2 response quality scale.
func (r Rating) quality() float64 {
	switch r {
	case Again:
		return 1
	case Hard:
		return 3
	case Good:
		return 4
	default:
		return 5
	}
}

// ParseRating accepts a rating name ("again", "hard", "good", "easy") or its
// numeric form ("1".."4").
func ParseRating(s string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "again", "1":
		return Again, nil
	case "hard", "2":
		return Hard, nil
	case "good", "3":
		return Good, nil
	case "easy", "4":
		return Easy, nil
	}
	return 0, fmt.Errorf("invalid rating %q: expected again, hard, good or easy", s)
}

// State is the scheduling state of one word.
type State struct {
	EaseFactor  float64 `json:"ease_factor"`
	Interval    int     `json:"interval"`
	Repetitions int     `json:"repetitions"`
}

// NewState returns the state of a word that has never been reviewed.
func NewState() State {
	return State{EaseFactor: DefaultEaseFactor}
}

// Result is the outcome of scheduling one review.
type Result struct {
	State
	NextReview time.Time
	Status     types.WordStatus
}

// Scheduler computes SM-2 review intervals.
type Scheduler struct {
	// InitialIntervals are the fixed intervals, in days, for the first
	// successful repetitions before the ease factor takes over.
	InitialIntervals []int
}

// NewScheduler returns a scheduler with the standard 1 day / 6 day ramp.
func NewScheduler() *Scheduler {
	return &Scheduler{InitialIntervals: []int{1, 6}}
}

// Schedule applies rating to state at time now. It never fails: an unknown
// rating is treated as Good and a zero ease factor as a brand-new word.
func (s *Scheduler) Schedule(state State, rating Rating, now time.Time) Result {
	if !rating.Valid() {
		rating = Good
	}
	if state.EaseFactor <= 0 {
		state.EaseFactor = DefaultEaseFactor
	}
	if state.Interval < 0 {
		state.Interval = 0
	}
	if state.Repetitions < 0 {
		state.Repetitions = 0
	}

	q := rating.quality()
	ef := state.EaseFactor + (0.1 - (5-q)*(0.08+(5-q)*0.02))
	if ef < MinEaseFactor {
		ef = MinEaseFactor
	}

	next := State{EaseFactor: ef}
	if rating == Again {
		next.Repetitions = 0
		next.Interval = 1
	} else {
		next.Repetitions = state.Repetitions + 1
		if idx := next.Repetitions - 1; idx < len(s.InitialIntervals) {
			next.Interval = s.InitialIntervals[idx]
		} else {
			next.Interval = int(math.Round(float64(state.Interval) * ef))
		}
		if next.Interval < 1 {
			next.Interval = 1
		}
	}

	return Result{
		State:      next,
		NextReview: now.AddDate(0, 0, next.Interval),
		Status:     statusFor(rating, next),
	}
}

func statusFor(rating Rating, st State) types.WordStatus {
	switch {
	case rating == Again:
		return types.WordStatusLearning
	case st.Interval >= MasteredInterval:
		return types.WordStatusMastered
	case st.Repetitions <= 2:
		return types.WordStatusLearning
	default:
		return types.WordStatusReview
	}
}

// StateOf extracts the scheduling state of a stored record.
func StateOf(r types.WordProgressRecord) State {
	return State{EaseFactor: r.EaseFactor, Interval: r.Interval, Repetitions: r.Repetitions}
}

// DueWords returns up to limit records due at now. Never-reviewed words come
// first, then the hardest (lowest ease factor), then the most overdue.
// A limit of zero or less returns every due record.
func DueWords(records []types.WordProgressRecord, now time.Time, limit int) []types.WordProgressRecord {
	due := make([]types.WordProgressRecord, 0, len(records))
	for _, r := range records {
		if !r.NextReview.After(now) {
			due = append(due, r)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if (a.Repetitions == 0) != (b.Repetitions == 0) {
			return a.Repetitions == 0
		}
		if a.EaseFactor != b.EaseFactor {
			return a.EaseFactor < b.EaseFactor
		}
		return a.NextReview.Before(b.NextReview)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}
