package session_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/score"
	"github.com/victornm/prepquiz/internal/session"
	"github.com/victornm/prepquiz/internal/store"
	"github.com/victornm/prepquiz/internal/store/storetest"
)

var question = domain.Question{Prompt: "2+2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

type nopLeaderboard struct{}

func (nopLeaderboard) Upsert(context.Context, string, decimal.Decimal) error { return nil }

type fixture struct {
	users *storetest.Flaky
	clock *fakeClock
	eb    *event.Bus
	m     *session.Manager

	mu       sync.Mutex
	resolved []domain.Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		users: &storetest.Flaky{Users: store.NewMemory()},
		clock: &fakeClock{},
		eb:    event.NewBus(),
	}
	ledger := score.NewService(score.Config{
		EventBus:      f.eb,
		Users:         f.users,
		Leaderboard:   nopLeaderboard{},
		Correct:       decimal.NewFromInt(1),
		Incorrect:     decimal.RequireFromString("-0.25"),
		Timeout:       decimal.Zero,
		CountTimeouts: true,
	})
	f.m = session.NewManager(session.Config{
		Ledger:    ledger,
		EventBus:  f.eb,
		AfterFunc: f.clock.AfterFunc,
	})
	f.eb.Subscribe(domain.EventNameSessionResolved, func(ctx context.Context, e event.Event) error {
		f.mu.Lock()
		f.resolved = append(f.resolved, e.(domain.EventSessionResolved).Outcome)
		f.mu.Unlock()
		return nil
	})

	return f
}

func (f *fixture) start(t *testing.T, userID string) domain.Session {
	t.Helper()

	ss, err := f.m.Start(context.Background(), session.StartRequest{
		UserID:    userID,
		Subject:   "math",
		Topic:     "average",
		Question:  question,
		TimeLimit: 90 * time.Second,
	})
	require.NoError(t, err)
	return ss
}

func (f *fixture) user(t *testing.T, userID string) domain.User {
	t.Helper()

	u, err := f.users.Get(context.Background(), userID)
	require.NoError(t, err)
	return u
}

func TestManager_CorrectAnswer(t *testing.T) {
	f := newFixture(t)
	ss := f.start(t, "u1")
	assert.Equal(t, 90*time.Second, ss.Deadline.Sub(ss.StartTime))
	assert.Equal(t, 90*time.Second, f.clock.last().d)

	o, err := f.m.ResolveByAnswer(context.Background(), "u1", ss.SessionID, 1)
	require.NoError(t, err)

	assert.True(t, o.Correct())
	assert.Equal(t, "4", o.ChosenLabel)
	assert.Equal(t, "4", o.CorrectLabel)
	assert.True(t, decimal.NewFromInt(1).Equal(o.TotalScore))
	assert.True(t, f.clock.last().stopped.Load(), "the deadline is cancelled")

	_, active := f.m.Active("u1")
	assert.False(t, active, "the session is removed")
	assert.Equal(t, domain.SubjectStats{Correct: 1, Total: 1}, f.user(t, "u1").SubjectStats["math"])

	f.eb.Stop()
	require.Len(t, f.resolved, 1)
	assert.Equal(t, domain.OutcomeCorrect, f.resolved[0].Kind)
}

func TestManager_IncorrectAnswer(t *testing.T) {
	f := newFixture(t)
	f.start(t, "u1")

	o, err := f.m.ResolveByAnswer(context.Background(), "u1", "", 2)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeIncorrect, o.Kind)
	assert.Equal(t, 2, o.Chosen)
	assert.Equal(t, "5", o.ChosenLabel)
	assert.True(t, decimal.RequireFromString("-0.25").Equal(o.TotalScore))
}

func TestManager_Timeout(t *testing.T) {
	f := newFixture(t)
	f.start(t, "u1")

	f.clock.last().f()

	_, active := f.m.Active("u1")
	assert.False(t, active)

	u := f.user(t, "u1")
	assert.Equal(t, domain.SubjectStats{Total: 1, Timeout: 1}, u.SubjectStats["math"])
	assert.True(t, u.TotalScore.IsZero(), "a timeout carries no score delta")

	_, err := f.m.ResolveByAnswer(context.Background(), "u1", "", 1)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession, "a late answer is a no-op")

	f.eb.Stop()
	require.Len(t, f.resolved, 1)
	assert.Equal(t, domain.OutcomeTimeout, f.resolved[0].Kind)
	assert.Equal(t, -1, f.resolved[0].Chosen)
}

func TestManager_DeadlineAfterAnswerIsNoop(t *testing.T) {
	f := newFixture(t)
	f.start(t, "u1")
	timer := f.clock.last()

	_, err := f.m.ResolveByAnswer(context.Background(), "u1", "", 1)
	require.NoError(t, err)

	// The timer fires although it was stopped, as a real timer may.
	timer.f()

	assert.Equal(t, domain.SubjectStats{Correct: 1, Total: 1}, f.user(t, "u1").SubjectStats["math"])
}

func TestManager_SingleActiveSession(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, "u1")

	_, err := f.m.Start(context.Background(), session.StartRequest{UserID: "u1", Subject: "english", Question: question, TimeLimit: time.Minute})
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)

	active, ok := f.m.Active("u1")
	require.True(t, ok)
	assert.Equal(t, first, active, "the first session is untouched")
	assert.Empty(t, f.user(t, "u1").SubjectStats, "no stored state changed")

	f.start(t, "u2")
}

func TestManager_RejectedAnswersKeepTheSession(t *testing.T) {
	f := newFixture(t)
	ss := f.start(t, "u1")

	_, err := f.m.ResolveByAnswer(context.Background(), "u1", "0190a8f2-stale", 1)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession, "answer for an earlier question")

	_, err = f.m.ResolveByAnswer(context.Background(), "u1", ss.SessionID, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidChoice)

	_, err = f.m.ResolveByAnswer(context.Background(), "u1", ss.SessionID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidChoice)

	_, err = f.m.ResolveByAnswer(context.Background(), "u2", "", 1)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)

	_, ok := f.m.Active("u1")
	assert.True(t, ok)
	assert.Empty(t, f.user(t, "u1").SubjectStats)
}

func TestManager_ExactlyOnceResolution(t *testing.T) {
	const rounds = 200

	f := newFixture(t)
	ctx := context.Background()

	var answers, timeouts int
	for i := range rounds {
		ss := f.start(t, "u1")
		timer := f.clock.last()

		var (
			wg       sync.WaitGroup
			answered atomic.Int32
			expired  atomic.Int32
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := f.m.ResolveByAnswer(ctx, "u1", ss.SessionID, i%3); err == nil {
				answered.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			timer.f()
		}()
		go func() {
			defer wg.Done()
			if _, err := f.m.ResolveByTimeout(ctx, "u1"); err == nil {
				expired.Add(1)
			}
		}()
		wg.Wait()

		answers += int(answered.Load())
		timeouts += int(expired.Load())
	}

	st := f.user(t, "u1").SubjectStats["math"]
	assert.Equal(t, rounds, st.Total, "exactly one resolution per session")
	assert.Equal(t, rounds-answers, st.Timeout, "never both, never neither")
	assert.LessOrEqual(t, st.Correct, answers)
	assert.GreaterOrEqual(t, st.Timeout, timeouts)

	f.eb.Stop()
	assert.Len(t, f.resolved, rounds)
}

func TestManager_StoreFailureDoesNotStrandTheSession(t *testing.T) {
	f := newFixture(t)
	f.start(t, "u1")
	f.users.Down.Store(true)

	_, err := f.m.ResolveByAnswer(context.Background(), "u1", "", 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, ok := f.m.Active("u1")
	assert.False(t, ok)

	f.users.Down.Store(false)
	f.start(t, "u1")
}

func TestManager_Drain(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.start(t, fmt.Sprintf("u%d", i))
	}

	n, err := f.m.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := range 3 {
		assert.Equal(t, 1, f.user(t, fmt.Sprintf("u%d", i)).SubjectStats["math"].Timeout)
	}

	_, err = f.m.Start(context.Background(), session.StartRequest{UserID: "u9", Question: question, TimeLimit: time.Minute})
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestManager_RealTimer(t *testing.T) {
	users := store.NewMemory()
	eb := event.NewBus()
	m := session.NewManager(session.Config{
		Ledger: score.NewService(score.Config{
			EventBus:    eb,
			Users:       users,
			Leaderboard: nopLeaderboard{},
		}),
		EventBus: eb,
	})

	_, err := m.Start(context.Background(), session.StartRequest{UserID: "u1", Subject: "english", Question: question, TimeLimit: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := m.Active("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	u, err := users.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.SubjectStats["english"].Timeout)
}

func TestTimeLimits_For(t *testing.T) {
	l := session.TimeLimits{
		Default:  time.Minute,
		Subjects: map[string]time.Duration{"math": 90 * time.Second, "english": 45 * time.Second},
		Topics:   map[string]time.Duration{"analytical/cr": 120 * time.Second},
	}

	assert.Equal(t, 90*time.Second, l.For("math", "average"))
	assert.Equal(t, 45*time.Second, l.For("english", "analogy"))
	assert.Equal(t, 120*time.Second, l.For("analytical", "cr"))
	assert.Equal(t, time.Minute, l.For("analytical", "puzzle"))
}
