package store

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/victornm/prepquiz/internal/domain"
)

// Memory is a non-durable Users implementation. Each operation runs under one
// lock, which gives the same per-call atomicity as the SQL backends.
type Memory struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]*domain.User)}
}

var _ Users = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, userID string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return clone(m.getLocked(userID)), nil
}

func (m *Memory) Update(_ context.Context, userID string, p domain.UserPatch) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(userID)
	if p.IsAdmin != nil {
		u.IsAdmin = *p.IsAdmin
	}
	if p.ClearPremium {
		u.PremiumUntil = nil
	}
	if p.PremiumUntil != nil {
		t := *p.PremiumUntil
		u.PremiumUntil = &t
	}

	return clone(u), nil
}

func (m *Memory) IncrementQuestionsAnswered(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(userID)
	u.QuestionsAnswered++
	return u.QuestionsAnswered, nil
}

func (m *Memory) ApplyAttempt(_ context.Context, userID string, a domain.Attempt) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(userID)
	u.TotalScore = u.TotalScore.Add(a.Delta)
	if a.Answered {
		u.QuestionsAnswered++
	}

	st := u.SubjectStats[a.Subject]
	st.Total++
	if a.Correct {
		st.Correct++
	}
	if a.Timeout {
		st.Timeout++
	}
	u.SubjectStats[a.Subject] = st

	return clone(u), nil
}

func (m *Memory) ExtendPremium(_ context.Context, userID string, d time.Duration, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(userID)
	from := now
	if u.PremiumUntil != nil && u.PremiumUntil.After(now) {
		from = *u.PremiumUntil
	}
	until := from.Add(d)
	u.PremiumUntil = &until

	return until, nil
}

func (m *Memory) ClearExpiredPremium(_ context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.getLocked(userID)
	if u.PremiumUntil == nil || u.PremiumUntil.After(now) {
		return false, nil
	}
	u.PremiumUntil = nil

	return true, nil
}

func (m *Memory) ListScores(_ context.Context) ([]domain.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]domain.LeaderboardEntry, 0, len(m.users))
	for id, u := range m.users {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: id,
			Score:  u.TotalScore.InexactFloat64(),
		})
	}

	return entries, nil
}

func (*Memory) Ping(context.Context) error { return nil }

func (m *Memory) getLocked(userID string) *domain.User {
	u, ok := m.users[userID]
	if !ok {
		nu := domain.NewUser(userID)
		u = &nu
		m.users[userID] = u
	}
	return u
}

func clone(u *domain.User) domain.User {
	c := *u
	c.SubjectStats = maps.Clone(u.SubjectStats)
	if u.PremiumUntil != nil {
		t := *u.PremiumUntil
		c.PremiumUntil = &t
	}
	return c
}
