// Package practicetest wires a complete practice.Service over in-memory
// collaborators for tests of the transports.
package practicetest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/prepquiz/internal/access"
	"github.com/victornm/prepquiz/internal/catalog"
	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/leaderboard"
	"github.com/victornm/prepquiz/internal/practice"
	"github.com/victornm/prepquiz/internal/score"
	"github.com/victornm/prepquiz/internal/session"
	"github.com/victornm/prepquiz/internal/store"
	"github.com/victornm/prepquiz/internal/store/storetest"
)

// Question is the only question of math/average.
var Question = domain.Question{Prompt: "2+2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1}

var Subjects = map[string][]string{
	"math":       {"average", "ratio"},
	"english":    {"analogy"},
	"analytical": {"cr"},
}

type Stack struct {
	Practice    *practice.Service
	Access      *access.Service
	Sessions    *session.Manager
	Leaderboard *leaderboard.Service
	Users       *storetest.Flaky
	EventBus    *event.Bus
	Redis       *miniredis.Miniredis
	RedisClient redis.UniversalClient
}

// New builds the stack. Deadlines never fire on their own, see Expire.
func New(t *testing.T) *Stack {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	st := &Stack{
		Users:       &storetest.Flaky{Users: store.NewMemory()},
		EventBus:    event.NewBus(),
		Redis:       rs,
		RedisClient: rc,
	}

	st.Leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: st.EventBus,
		Redis:    rc,
		Prefix:   "test",
	})
	st.Access = access.NewService(access.Config{
		Users:             st.Users,
		AdminIDs:          []string{"admin"},
		FreeQuestionLimit: 2,
		PremiumDurations:  map[string]time.Duration{"1d": 24 * time.Hour, "30d": 30 * 24 * time.Hour},
	})

	ledger := score.NewService(score.Config{
		EventBus:      st.EventBus,
		Users:         st.Users,
		Leaderboard:   st.Leaderboard,
		Correct:       decimal.NewFromInt(1),
		Incorrect:     decimal.RequireFromString("-0.25"),
		Timeout:       decimal.Zero,
		CountTimeouts: true,
	})

	st.Sessions = session.NewManager(session.Config{
		Ledger:   ledger,
		EventBus: st.EventBus,
		AfterFunc: func(time.Duration, func()) session.Timer {
			return timer{}
		},
	})

	st.Practice = practice.NewService(practice.Config{
		Access: st.Access,
		Catalog: catalog.New(catalog.Config{
			Loader:   catalog.StaticLoader{"math/average": {Question}},
			Subjects: Subjects,
		}),
		Sessions:    st.Sessions,
		Users:       st.Users,
		Leaderboard: st.Leaderboard,
		TimeLimits: session.TimeLimits{
			Default:  time.Minute,
			Subjects: map[string]time.Duration{"math": 90 * time.Second},
		},
	})

	return st
}

// Expire resolves the user's active session as if its deadline had elapsed.
func (st *Stack) Expire(ctx context.Context, userID string) (domain.Outcome, error) {
	return st.Sessions.ResolveByTimeout(ctx, userID)
}

type timer struct{}

func (timer) Stop() bool { return true }
