// Package score turns resolved sessions into score and statistics updates.
package score

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/store"
)

type Leaderboard interface {
	Upsert(ctx context.Context, userID string, score decimal.Decimal) error
}

type Config struct {
	EventBus    *event.Bus
	Users       store.Users
	Leaderboard Leaderboard

	Correct   decimal.Decimal
	Incorrect decimal.Decimal
	Timeout   decimal.Decimal
	// CountTimeouts makes a timed-out question consume a free quota slot.
	CountTimeouts bool
}

type Service struct {
	eb            *event.Bus
	users         store.Users
	leaderboard   Leaderboard
	correct       decimal.Decimal
	incorrect     decimal.Decimal
	timeout       decimal.Decimal
	countTimeouts bool
}

func NewService(c Config) *Service {
	return &Service{
		eb:            c.EventBus,
		users:         c.Users,
		leaderboard:   c.Leaderboard,
		correct:       c.Correct,
		incorrect:     c.Incorrect,
		timeout:       c.Timeout,
		countTimeouts: c.CountTimeouts,
	}
}

// Apply records an answered question.
func (s *Service) Apply(ctx context.Context, userID, subject string, correct bool) (domain.ScoreResult, error) {
	delta := s.incorrect
	if correct {
		delta = s.correct
	}

	return s.apply(ctx, userID, domain.Attempt{
		Subject:  subject,
		Delta:    delta,
		Correct:  correct,
		Answered: true,
	})
}

// ApplyTimeout records a question whose deadline elapsed.
func (s *Service) ApplyTimeout(ctx context.Context, userID, subject string) (domain.ScoreResult, error) {
	return s.apply(ctx, userID, domain.Attempt{
		Subject:  subject,
		Delta:    s.timeout,
		Timeout:  true,
		Answered: s.countTimeouts,
	})
}

func (s *Service) apply(ctx context.Context, userID string, a domain.Attempt) (domain.ScoreResult, error) {
	u, err := s.users.ApplyAttempt(ctx, userID, a)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("score: apply attempt: user=%s: %w", userID, err)
	}

	res := domain.ScoreResult{
		Delta:             a.Delta,
		TotalScore:        u.TotalScore,
		QuestionsAnswered: u.QuestionsAnswered,
	}

	// The leaderboard is an index rebuildable from the store, the attempt
	// itself is already durable.
	if err := s.leaderboard.Upsert(ctx, userID, u.TotalScore); err != nil {
		slog.ErrorContext(ctx, "score: update leaderboard failed",
			"user", userID,
			"total_score", u.TotalScore,
			"error", err,
		)
	}

	s.eb.Publish(ctx, domain.EventScoreUpdated{
		UserID: userID,
		Result: res,
	})

	return res, nil
}
