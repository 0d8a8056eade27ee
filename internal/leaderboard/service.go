package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultSize     = 10
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// Size is the number of entries published on leaderboard.updated.
	Size int
	Now  func() time.Time
}

// Service is a sorted score index over all users, kept in a Redis sorted set.
//
// Members are stored with the negated score, so an ascending range yields
// scores in descending order with ties broken by user ID in byte order.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	size   int
	now    func() time.Time
}

func NewService(c Config) *Service {
	if c.Size <= 0 {
		c.Size = defaultSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		size:   c.Size,
		now:    c.Now,
	}
}

// Upsert overwrites the user's score in the leaderboard. Only a failed index
// write is returned, a failed update notification is logged.
func (s *Service) Upsert(ctx context.Context, userID string, score decimal.Decimal) error {
	if err := s.redis.ZAdd(ctx, s.getLeaderboardKey(), redis.Z{
		Score:  negate(score.InexactFloat64()),
		Member: userID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	if err := s.schedulePublishLeaderboard(ctx); err != nil {
		slog.WarnContext(ctx, "leaderboard: publish update failed", "user", userID, "error", err)
	}

	return nil
}

// Top returns the n best users. Non-positive n means the configured size.
func (s *Service) Top(ctx context.Context, n int) (domain.Leaderboard, error) {
	if n <= 0 {
		n = s.size
	}

	res, err := s.redis.ZRangeWithScores(ctx, s.getLeaderboardKey(), 0, int64(n-1)).Result()
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("get leaderboard: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: z.Member.(string),
			Score:  negate(z.Score),
		})
	}

	return domain.Leaderboard{Entries: entries}, nil
}

// Rank returns the 1-based position of the user, or 0 if the user is not ranked.
func (s *Service) Rank(ctx context.Context, userID string) (int, error) {
	r, err := s.redis.ZRank(ctx, s.getLeaderboardKey(), userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rank: %w", err)
	}

	return int(r) + 1, nil
}

// Rebuild replaces the whole index with entries, typically read back from the user store.
func (s *Service) Rebuild(ctx context.Context, entries []domain.LeaderboardEntry) error {
	key := s.getLeaderboardKey()
	tmp := key + ":rebuild"

	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		members = append(members, redis.Z{Score: negate(e.Score), Member: e.UserID})
	}

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, tmp)
		if len(members) == 0 {
			p.Del(ctx, key)
			return nil
		}
		p.ZAdd(ctx, tmp, members...)
		p.Rename(ctx, tmp, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}

	return s.publishLeaderboard(ctx)
}

// schedulePublishLeaderboard publishes the leaderboard at most once per interval.
// Many scores change in a short time, so publishing on every change would flood subscribers.
func (s *Service) schedulePublishLeaderboard(ctx context.Context) error {
	// SETNX keeps multiple instances from publishing the same window twice.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(), s.now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx)
}

func (s *Service) publishLeaderboard(ctx context.Context) error {
	l, err := s.Top(ctx, s.size)
	if err != nil {
		return fmt.Errorf("get leaderboard failed: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: l,
	})

	return nil
}

func (s *Service) getLeaderboardKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) getLeaderboardTimeKey() string {
	return fmt.Sprintf("%s:leaderboard:time", s.prefix)
}

// negate flips the sign without producing -0.
func negate(f float64) float64 {
	if f == 0 {
		return 0
	}
	return -f
}
