package storetest

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/store"
)

// Flaky wraps a store and fails every call while Down is set, the way a
// backend does when its connection drops.
type Flaky struct {
	store.Users
	Down atomic.Bool
}

var errConnRefused = stderrors.New("connection refused")

func (f *Flaky) fail() error {
	if f.Down.Load() {
		return stderrors.Join(domain.ErrStoreUnavailable, errConnRefused)
	}
	return nil
}

func (f *Flaky) Get(ctx context.Context, userID string) (domain.User, error) {
	if err := f.fail(); err != nil {
		return domain.User{}, err
	}
	return f.Users.Get(ctx, userID)
}

func (f *Flaky) Update(ctx context.Context, userID string, p domain.UserPatch) (domain.User, error) {
	if err := f.fail(); err != nil {
		return domain.User{}, err
	}
	return f.Users.Update(ctx, userID, p)
}

func (f *Flaky) IncrementQuestionsAnswered(ctx context.Context, userID string) (int, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Users.IncrementQuestionsAnswered(ctx, userID)
}

func (f *Flaky) ApplyAttempt(ctx context.Context, userID string, a domain.Attempt) (domain.User, error) {
	if err := f.fail(); err != nil {
		return domain.User{}, err
	}
	return f.Users.ApplyAttempt(ctx, userID, a)
}

func (f *Flaky) ExtendPremium(ctx context.Context, userID string, d time.Duration, now time.Time) (time.Time, error) {
	if err := f.fail(); err != nil {
		return time.Time{}, err
	}
	return f.Users.ExtendPremium(ctx, userID, d, now)
}

func (f *Flaky) ClearExpiredPremium(ctx context.Context, userID string, now time.Time) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return f.Users.ClearExpiredPremium(ctx, userID, now)
}

func (f *Flaky) ListScores(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Users.ListScores(ctx)
}

func (f *Flaky) Ping(ctx context.Context) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Users.Ping(ctx)
}
