// Package store defines the user record store and its in-memory implementation.
//
// Every backend applies counters as atomic increments against the latest
// persisted state. Full-record writes are only used to create a record.
package store

import (
	"context"
	"time"

	"github.com/victornm/prepquiz/internal/domain"
)

// Users is the persistent per-user record store.
type Users interface {
	// Get returns the user's record, creating the default record on first access.
	Get(ctx context.Context, userID string) (domain.User, error)

	// Update applies a partial update and returns the resulting record.
	Update(ctx context.Context, userID string, p domain.UserPatch) (domain.User, error)

	// IncrementQuestionsAnswered atomically adds one to the answered counter and returns the new value.
	IncrementQuestionsAnswered(ctx context.Context, userID string) (int, error)

	// ApplyAttempt applies the score delta and statistics of one resolved session as a single transaction.
	ApplyAttempt(ctx context.Context, userID string, a domain.Attempt) (domain.User, error)

	// ExtendPremium pushes premium_until to max(now, premium_until) + d and returns the new expiry.
	ExtendPremium(ctx context.Context, userID string, d time.Duration, now time.Time) (time.Time, error)

	// ClearExpiredPremium clears premium_until only if it is at or before now.
	// It reports whether a record was changed.
	ClearExpiredPremium(ctx context.Context, userID string, now time.Time) (bool, error)

	// ListScores returns every user's total score, used to rebuild the leaderboard.
	ListScores(ctx context.Context) ([]domain.LeaderboardEntry, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
