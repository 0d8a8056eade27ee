// Package access decides whether a user may receive a new question.
package access

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/errors"
	"github.com/victornm/prepquiz/internal/store"
	"github.com/victornm/prepquiz/internal/telemetry"
)

type Config struct {
	Users             store.Users
	AdminIDs          []string
	FreeQuestionLimit int
	// PremiumDurations maps preset names, e.g. "30d", to grant durations.
	PremiumDurations map[string]time.Duration
	Now              func() time.Time
}

type Service struct {
	users     store.Users
	admins    []string
	freeLimit int
	durations map[string]time.Duration
	now       func() time.Time
}

func NewService(c Config) *Service {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		users:     c.Users,
		admins:    c.AdminIDs,
		freeLimit: c.FreeQuestionLimit,
		durations: c.PremiumDurations,
		now:       c.Now,
	}
}

// Check decides whether userID may request a question in ac. The first
// matching rule wins: admin, then the premium context, then the free quota.
// The only write is clearing an expired premium grant.
func (s *Service) Check(ctx context.Context, userID string, ac domain.AccessContext) (domain.AccessDecision, error) {
	d, err := s.check(ctx, userID, ac)
	if err != nil {
		return domain.AccessDecision{}, fmt.Errorf("access: check %s: %w", userID, err)
	}

	telemetry.AccessDecisions.WithLabelValues(string(d.Reason)).Inc()
	return d, nil
}

func (s *Service) check(ctx context.Context, userID string, ac domain.AccessContext) (domain.AccessDecision, error) {
	if slices.Contains(s.admins, userID) {
		return allow(domain.AccessAdmin), nil
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return domain.AccessDecision{}, err
	}

	if u.IsAdmin {
		return allow(domain.AccessAdmin), nil
	}

	if ac.PremiumOnly {
		now := s.now()
		if u.PremiumActive(now) {
			return allow(domain.AccessPremiumActive), nil
		}

		if u.PremiumUntil != nil {
			cleared, err := s.users.ClearExpiredPremium(ctx, userID, now)
			if err != nil {
				return domain.AccessDecision{}, err
			}
			if cleared {
				slog.InfoContext(ctx, "access: expired premium cleared", "user", userID, "premium_until", *u.PremiumUntil)
			}
		}

		return deny(domain.AccessDeniedPremiumRequired), nil
	}

	if u.QuestionsAnswered < s.freeLimit {
		return allow(domain.AccessFreeQuotaRemaining), nil
	}

	return deny(domain.AccessDeniedQuotaExhausted), nil
}

// Remaining returns the number of free questions userID has left.
func (s *Service) Remaining(ctx context.Context, userID string) (int, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("access: remaining %s: %w", userID, err)
	}

	return s.RemainingFor(u), nil
}

// RemainingFor computes the free questions left from an already loaded record.
func (s *Service) RemainingFor(u domain.User) int {
	return max(0, s.freeLimit-u.QuestionsAnswered)
}

// GrantPremium extends the user's premium access by the named preset,
// starting from the later of now and the current expiry.
func (s *Service) GrantPremium(ctx context.Context, userID, preset string) (time.Time, error) {
	d, ok := s.durations[preset]
	if !ok {
		return time.Time{}, errors.New(errors.CodeInvalidArgument,
			errors.WithCause(domain.ErrInvalidPremiumDuration),
			errors.WithMessagef("unknown premium duration %q, use one of %v", preset, s.Presets()))
	}

	until, err := s.users.ExtendPremium(ctx, userID, d, s.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("access: grant premium %s: %w", userID, err)
	}

	slog.InfoContext(ctx, "access: premium granted", "user", userID, "preset", preset, "premium_until", until)
	return until, nil
}

func (s *Service) RevokePremium(ctx context.Context, userID string) error {
	if _, err := s.users.Update(ctx, userID, domain.UserPatch{ClearPremium: true}); err != nil {
		return fmt.Errorf("access: revoke premium %s: %w", userID, err)
	}

	slog.InfoContext(ctx, "access: premium revoked", "user", userID)
	return nil
}

func (s *Service) SetAdmin(ctx context.Context, userID string, admin bool) error {
	if _, err := s.users.Update(ctx, userID, domain.UserPatch{IsAdmin: &admin}); err != nil {
		return fmt.Errorf("access: set admin %s: %w", userID, err)
	}

	slog.InfoContext(ctx, "access: admin flag updated", "user", userID, "is_admin", admin)
	return nil
}

// Presets returns the configured premium presets ordered by duration.
func (s *Service) Presets() []string {
	presets := make([]string, 0, len(s.durations))
	for p := range s.durations {
		presets = append(presets, p)
	}
	slices.SortFunc(presets, func(a, b string) int {
		return cmp.Compare(s.durations[a], s.durations[b])
	})
	return presets
}

// Error converts a denial into its caller-visible error.
func Error(d domain.AccessDecision) error {
	switch d.Reason {
	case domain.AccessDeniedPremiumRequired:
		return domain.ErrPremiumRequired
	case domain.AccessDeniedQuotaExhausted:
		return domain.ErrQuotaExhausted
	}
	return nil
}

func allow(r domain.AccessReason) domain.AccessDecision {
	return domain.AccessDecision{Allowed: true, Reason: r}
}

func deny(r domain.AccessReason) domain.AccessDecision {
	return domain.AccessDecision{Reason: r}
}
