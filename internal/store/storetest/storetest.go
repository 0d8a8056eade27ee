// Package storetest holds the behavioural contract every store.Users backend must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/store"
)

// Run executes the contract against fresh stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Users) {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("get creates a default record", func(t *testing.T) {
		s := newStore(t)

		u, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.UserID)
		assert.True(t, u.TotalScore.IsZero())
		assert.Zero(t, u.QuestionsAnswered)
		assert.Empty(t, u.SubjectStats)
		assert.Nil(t, u.PremiumUntil)
		assert.False(t, u.IsAdmin)

		again, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, u.UserID, again.UserID)
	})

	t.Run("correct then incorrect answer totals 0.75", func(t *testing.T) {
		s := newStore(t)

		_, err := s.ApplyAttempt(ctx, "u1", domain.Attempt{Subject: "math", Delta: decimal.NewFromInt(1), Correct: true, Answered: true})
		require.NoError(t, err)
		u, err := s.ApplyAttempt(ctx, "u1", domain.Attempt{Subject: "math", Delta: decimal.RequireFromString("-0.25"), Answered: true})
		require.NoError(t, err)

		assert.True(t, decimal.RequireFromString("0.75").Equal(u.TotalScore), "total score %s", u.TotalScore)
		assert.Equal(t, 2, u.QuestionsAnswered)
		assert.Equal(t, domain.SubjectStats{Correct: 1, Total: 2}, u.SubjectStats["math"])

		stored, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, u.TotalScore.Equal(stored.TotalScore))
		assert.Equal(t, u.SubjectStats, stored.SubjectStats)
	})

	t.Run("timeout updates statistics only", func(t *testing.T) {
		s := newStore(t)

		u, err := s.ApplyAttempt(ctx, "u1", domain.Attempt{Subject: "english", Delta: decimal.Zero, Timeout: true, Answered: true})
		require.NoError(t, err)
		assert.True(t, u.TotalScore.IsZero())
		assert.Equal(t, 1, u.QuestionsAnswered)
		assert.Equal(t, domain.SubjectStats{Total: 1, Timeout: 1}, u.SubjectStats["english"])

		u, err = s.ApplyAttempt(ctx, "u1", domain.Attempt{Subject: "english", Delta: decimal.Zero, Timeout: true})
		require.NoError(t, err)
		assert.Equal(t, 1, u.QuestionsAnswered, "answered counter is driven by the attempt flag")
		assert.Equal(t, domain.SubjectStats{Total: 2, Timeout: 2}, u.SubjectStats["english"])
	})

	t.Run("increment questions answered", func(t *testing.T) {
		s := newStore(t)

		n, err := s.IncrementQuestionsAnswered(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.IncrementQuestionsAnswered(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("partial update leaves other fields untouched", func(t *testing.T) {
		s := newStore(t)

		_, err := s.ApplyAttempt(ctx, "u1", domain.Attempt{Subject: "math", Delta: decimal.NewFromInt(1), Correct: true, Answered: true})
		require.NoError(t, err)

		admin := true
		u, err := s.Update(ctx, "u1", domain.UserPatch{IsAdmin: &admin})
		require.NoError(t, err)
		assert.True(t, u.IsAdmin)
		assert.Equal(t, 1, u.QuestionsAnswered)

		until := now.Add(time.Hour)
		u, err = s.Update(ctx, "u1", domain.UserPatch{PremiumUntil: &until})
		require.NoError(t, err)
		require.NotNil(t, u.PremiumUntil)
		assert.WithinDuration(t, until, *u.PremiumUntil, time.Millisecond)
		assert.True(t, u.IsAdmin)

		u, err = s.Update(ctx, "u1", domain.UserPatch{ClearPremium: true})
		require.NoError(t, err)
		assert.Nil(t, u.PremiumUntil)
		assert.True(t, decimal.NewFromInt(1).Equal(u.TotalScore))
	})

	t.Run("extend premium", func(t *testing.T) {
		s := newStore(t)
		day := 24 * time.Hour

		until, err := s.ExtendPremium(ctx, "u1", day, now)
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(day), until, time.Millisecond)

		until, err = s.ExtendPremium(ctx, "u1", day, now)
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(2*day), until, time.Millisecond, "extends from the current expiry")

		expired := now.Add(-day)
		_, err = s.Update(ctx, "u2", domain.UserPatch{PremiumUntil: &expired})
		require.NoError(t, err)
		until, err = s.ExtendPremium(ctx, "u2", day, now)
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(day), until, time.Millisecond, "an expired grant restarts from now")
	})

	t.Run("clear expired premium is conditional", func(t *testing.T) {
		s := newStore(t)

		future := now.Add(time.Hour)
		_, err := s.Update(ctx, "u1", domain.UserPatch{PremiumUntil: &future})
		require.NoError(t, err)
		cleared, err := s.ClearExpiredPremium(ctx, "u1", now)
		require.NoError(t, err)
		assert.False(t, cleared)
		u, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.NotNil(t, u.PremiumUntil)

		past := now.Add(-time.Hour)
		_, err = s.Update(ctx, "u2", domain.UserPatch{PremiumUntil: &past})
		require.NoError(t, err)
		cleared, err = s.ClearExpiredPremium(ctx, "u2", now)
		require.NoError(t, err)
		assert.True(t, cleared)
		u, err = s.Get(ctx, "u2")
		require.NoError(t, err)
		assert.Nil(t, u.PremiumUntil)

		cleared, err = s.ClearExpiredPremium(ctx, "u3", now)
		require.NoError(t, err)
		assert.False(t, cleared)
	})

	t.Run("concurrent attempts are not lost", func(t *testing.T) {
		s := newStore(t)
		const n = 40

		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				subject := "math"
				if i%2 == 0 {
					subject = "english"
				}
				_, err := s.ApplyAttempt(ctx, "u1", domain.Attempt{Subject: subject, Delta: decimal.NewFromInt(1), Correct: true, Answered: true})
				assert.NoError(t, err)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ExtendPremium(ctx, "u1", time.Hour, now)
			assert.NoError(t, err)
		}()
		wg.Wait()

		u, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, n, u.QuestionsAnswered)
		assert.True(t, decimal.NewFromInt(n).Equal(u.TotalScore), "total score %s", u.TotalScore)
		assert.Equal(t, n/2, u.SubjectStats["math"].Total)
		assert.Equal(t, n/2, u.SubjectStats["english"].Total)
		assert.NotNil(t, u.PremiumUntil, "premium grant survived concurrent score updates")
	})

	t.Run("list scores", func(t *testing.T) {
		s := newStore(t)

		for i, delta := range []string{"3", "-0.25", "1.5"} {
			_, err := s.ApplyAttempt(ctx, fmt.Sprintf("u%d", i), domain.Attempt{Subject: "math", Delta: decimal.RequireFromString(delta), Answered: true})
			require.NoError(t, err)
		}

		entries, err := s.ListScores(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.LeaderboardEntry{
			{UserID: "u0", Score: 3},
			{UserID: "u1", Score: -0.25},
			{UserID: "u2", Score: 1.5},
		}, entries)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(ctx))
	})
}
