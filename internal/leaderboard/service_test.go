package leaderboard_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/leaderboard"
)

func TestService_Upsert(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "u1", decimal.NewFromFloat(1.1)))
	require.NoError(t, s.Upsert(ctx, "u1", decimal.RequireFromString("0.85")))

	l, err := s.Top(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, domain.Leaderboard{
		Entries: []domain.LeaderboardEntry{
			{UserID: "u1", Score: 0.85},
		},
	}, l, "an upsert overwrites the previous score")
}

func TestService_UpsertKeepsScoreWhenPublishFails(t *testing.T) {
	eb := event.NewBus()
	var published int
	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		published++
		return nil
	})

	s, _ := makeService(t,
		withEventBus(eb),
		withRedisHook(failCommand("set")),
	)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "u1", decimal.NewFromInt(3)))
	eb.Stop()

	rank, err := s.Rank(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	assert.Zero(t, published)
}

func TestService_Top(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	for _, e := range []struct {
		user  string
		score string
	}{
		{"carol", "2"},
		{"alice", "-0.25"},
		{"bob", "2"},
		{"dave", "0"},
		{"erin", "5.75"},
	} {
		require.NoError(t, s.Upsert(ctx, e.user, decimal.RequireFromString(e.score)))
	}

	l, err := s.Top(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{UserID: "erin", Score: 5.75},
		{UserID: "bob", Score: 2},
		{UserID: "carol", Score: 2},
		{UserID: "dave", Score: 0},
	}, l.Entries, "score descending, ties by user id")

	rank, err := s.Rank(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 3, rank)

	rank, err = s.Rank(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, rank)

	rank, err = s.Rank(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, rank)
}

func TestService_Rebuild(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "stale", decimal.NewFromInt(100)))
	require.NoError(t, s.Rebuild(ctx, []domain.LeaderboardEntry{
		{UserID: "u1", Score: 1},
		{UserID: "u2", Score: 3},
	}))

	l, err := s.Top(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{UserID: "u2", Score: 3},
		{UserID: "u1", Score: 1},
	}, l.Entries)

	require.NoError(t, s.Rebuild(ctx, nil))
	l, err = s.Top(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, l.Entries)
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		upsert struct {
			user  string
			score float64
			// wait fast-forwards redis past the publish interval before the upsert.
			wait bool
		}

		inputs struct {
			upserts []upsert
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after an upsert": {
			arrange: func() inputs {
				return inputs{upserts: []upsert{{user: "u1", score: 1.1}}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					Entries: []domain.LeaderboardEntry{
						{UserID: "u1", Score: 1.1},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 1 event for upserts within the publish interval": {
			arrange: func() inputs {
				return inputs{upserts: []upsert{
					{user: "u1", score: 1.1},
					{user: "u2", score: 2.2},
				}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},

		"should publish again once the interval has passed": {
			arrange: func() inputs {
				return inputs{upserts: []upsert{
					{user: "u1", score: 1.1},
					{user: "u2", score: 2.2, wait: true},
				}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, rs := makeService(t,
				withEventBus(eb),
			)

			for _, u := range in.upserts {
				if u.wait {
					rs.FastForward(time.Second)
				}
				err := s.Upsert(context.Background(), u.user, decimal.NewFromFloat(u.score))
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "prepquiz",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withRedisHook(h redis.Hook) options {
	return func(c *leaderboard.Config) {
		c.Redis.AddHook(h)
	}
}

// failCommand fails every command with the given name.
type failCommand string

func (f failCommand) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f failCommand) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == string(f) {
			err := errors.New("redis: injected failure")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (f failCommand) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
