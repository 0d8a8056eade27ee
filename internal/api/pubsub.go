package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
)

const maxConcurrent = 100

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type NotifierConfig struct {
	EventBus *event.Bus
	Redis    Redis
	Prefix   string
}

// Notifier forwards quiz events to per-user Redis channels, <prefix>:user:<id>.
type Notifier struct {
	redis  Redis
	prefix string
}

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func NewNotifier(c NotifierConfig) *Notifier {
	n := &Notifier{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameSessionResolved, func(ctx context.Context, e event.Event) error {
		return n.PublishSessionResolved(ctx, e.(domain.EventSessionResolved))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return n.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return n
}

func (n *Notifier) PublishSessionResolved(ctx context.Context, e domain.EventSessionResolved) error {
	return n.publish(ctx, e.Outcome.UserID, e.Name(), toOutcome(e.Outcome))
}

// PublishLeaderboardUpdated sends the new ranking to every ranked user.
func (n *Notifier) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := toLeaderboard(e.Leaderboard)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return n.publish(ctx, entry.UserID, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (n *Notifier) publish(ctx context.Context, userID, event string, data any) error {
	b, err := json.Marshal(Notification{
		Event: event,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return n.redis.Publish(ctx, n.Channel(userID), b).Err()
}

// Channel is the pub/sub channel of one user.
func (n *Notifier) Channel(userID string) string {
	return fmt.Sprintf("%s:user:%s", n.prefix, userID)
}
