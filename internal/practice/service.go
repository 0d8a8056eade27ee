// Package practice serves the user-facing quiz operations on top of the
// access gate, the catalog and the session manager.
package practice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/victornm/prepquiz/internal/access"
	"github.com/victornm/prepquiz/internal/catalog"
	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/leaderboard"
	"github.com/victornm/prepquiz/internal/session"
	"github.com/victornm/prepquiz/internal/store"
)

type Config struct {
	Access      *access.Service
	Catalog     *catalog.Catalog
	Sessions    *session.Manager
	Users       store.Users
	Leaderboard *leaderboard.Service
	TimeLimits  session.TimeLimits
	Now         func() time.Time
}

type Service struct {
	access      *access.Service
	catalog     *catalog.Catalog
	sessions    *session.Manager
	users       store.Users
	leaderboard *leaderboard.Service
	limits      session.TimeLimits
	now         func() time.Time
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		access:      c.Access,
		catalog:     c.Catalog,
		sessions:    c.Sessions,
		users:       c.Users,
		leaderboard: c.Leaderboard,
		limits:      c.TimeLimits,
		now:         c.Now,
	}
}

type Request struct {
	UserID  string
	Subject string
	Topic   string
	Context domain.AccessContext
}

type Response struct {
	Session  domain.Session
	Decision domain.AccessDecision
}

// Request dispatches a question to the user. A denial is returned both as
// the decision and as its error, ErrPremiumRequired or ErrQuotaExhausted.
func (s *Service) Request(ctx context.Context, req Request) (Response, error) {
	if err := s.catalog.Validate(req.Subject, req.Topic); err != nil {
		return Response{}, err
	}

	d, err := s.access.Check(ctx, req.UserID, req.Context)
	if err != nil {
		return Response{}, err
	}
	if !d.Allowed {
		slog.InfoContext(ctx, "practice: access denied", "user", req.UserID, "reason", d.Reason)
		return Response{Decision: d}, access.Error(d)
	}

	q, err := s.catalog.Pick(ctx, req.Subject, req.Topic)
	if err != nil {
		return Response{Decision: d}, err
	}

	ss, err := s.sessions.Start(ctx, session.StartRequest{
		UserID:    req.UserID,
		Subject:   req.Subject,
		Topic:     req.Topic,
		Question:  q,
		TimeLimit: s.limits.For(req.Subject, req.Topic),
	})
	if err != nil {
		return Response{Decision: d}, err
	}

	return Response{Session: ss, Decision: d}, nil
}

func (s *Service) Answer(ctx context.Context, userID, sessionID string, choice int) (domain.Outcome, error) {
	return s.sessions.ResolveByAnswer(ctx, userID, sessionID, choice)
}

type Profile struct {
	User              domain.User
	PremiumActive     bool
	RemainingFree     int
	Rank              int
	HasActiveQuestion bool
}

func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("practice: profile %s: %w", userID, err)
	}

	p := Profile{
		User:          u,
		PremiumActive: u.PremiumActive(s.now()),
		RemainingFree: s.access.RemainingFor(u),
	}
	_, p.HasActiveQuestion = s.sessions.Active(userID)

	// The rank is informative only, a missing index must not hide the profile.
	p.Rank, err = s.leaderboard.Rank(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "practice: get rank failed", "user", userID, "error", err)
	}

	return p, nil
}

func (s *Service) Leaderboard(ctx context.Context, n int) (domain.Leaderboard, error) {
	return s.leaderboard.Top(ctx, n)
}

// RebuildLeaderboard reloads the leaderboard index from the user store.
func (s *Service) RebuildLeaderboard(ctx context.Context) (int, error) {
	entries, err := s.users.ListScores(ctx)
	if err != nil {
		return 0, fmt.Errorf("practice: list scores: %w", err)
	}

	if err := s.leaderboard.Rebuild(ctx, entries); err != nil {
		return 0, err
	}

	slog.InfoContext(ctx, "practice: leaderboard rebuilt", "users", len(entries))
	return len(entries), nil
}

// Topics lists the topics of a subject.
func (s *Service) Topics(subject string) ([]string, error) {
	return s.catalog.Topics(subject)
}

func (s *Service) Subjects() []string {
	return s.catalog.Subjects()
}
