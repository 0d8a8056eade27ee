// Package session owns the in-flight question of every user and resolves
// each one exactly once, by answer or by deadline.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/errors"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/telemetry"
)

const defaultResolveTimeout = 10 * time.Second

var ErrClosed = errors.New(errors.CodeUnavailable,
	errors.WithMessagef("the quiz is shutting down, try again later"))

type Ledger interface {
	Apply(ctx context.Context, userID, subject string, correct bool) (domain.ScoreResult, error)
	ApplyTimeout(ctx context.Context, userID, subject string) (domain.ScoreResult, error)
}

type Timer interface {
	Stop() bool
}

type Config struct {
	Ledger   Ledger
	EventBus *event.Bus
	Now      func() time.Time
	// AfterFunc schedules f after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	NewID     func() (string, error)
	// ResolveTimeout bounds the ledger call of a deadline-triggered resolution.
	ResolveTimeout time.Duration
}

type entry struct {
	session domain.Session
	state   atomic.Int32
	timer   Timer
	// done is closed once the resolution has been applied and the entry removed.
	done chan struct{}
}

// Manager holds at most one active session per user.
//
// The map lock only guards membership. Which trigger resolves a session is
// decided by a compare-and-swap of the entry state from active to resolved;
// cancelling the timer is best effort.
type Manager struct {
	ledger        Ledger
	eb            *event.Bus
	now           func() time.Time
	afterFunc     func(d time.Duration, f func()) Timer
	newID         func() (string, error)
	resolveWithin time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

func NewManager(c Config) *Manager {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	if c.NewID == nil {
		c.NewID = newSessionID
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}

	return &Manager{
		ledger:        c.Ledger,
		eb:            c.EventBus,
		now:           c.Now,
		afterFunc:     c.AfterFunc,
		newID:         c.NewID,
		resolveWithin: c.ResolveTimeout,
		sessions:      make(map[string]*entry),
	}
}

type StartRequest struct {
	UserID    string
	Subject   string
	Topic     string
	Question  domain.Question
	TimeLimit time.Duration
}

// Start opens a session and schedules its deadline. It fails with
// ErrAlreadyActive while the user has another session.
func (m *Manager) Start(ctx context.Context, req StartRequest) (domain.Session, error) {
	id, err := m.newID()
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: generate session ID: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Session{}, ErrClosed
	}
	if _, ok := m.sessions[req.UserID]; ok {
		m.mu.Unlock()
		return domain.Session{}, domain.ErrAlreadyActive
	}

	now := m.now()
	e := &entry{
		session: domain.Session{
			SessionID: id,
			UserID:    req.UserID,
			Subject:   req.Subject,
			Topic:     req.Topic,
			Question:  req.Question,
			StartTime: now,
			Deadline:  now.Add(req.TimeLimit),
		},
		done: make(chan struct{}),
	}
	m.sessions[req.UserID] = e
	e.timer = m.afterFunc(req.TimeLimit, func() { m.expire(e) })
	m.mu.Unlock()

	telemetry.SessionsStarted.WithLabelValues(req.Subject).Inc()
	telemetry.SessionsActive.Inc()

	slog.InfoContext(ctx, "session: started",
		"user", req.UserID,
		"session", id,
		"subject", req.Subject,
		"topic", req.Topic,
		"deadline", e.session.Deadline,
	)

	m.eb.Publish(ctx, domain.EventSessionStarted{Session: e.session})

	return e.session, nil
}

// ResolveByAnswer resolves the user's session with the chosen option. A
// non-empty sessionID must match the active session, which keeps answers to
// an earlier question from landing on the current one.
func (m *Manager) ResolveByAnswer(ctx context.Context, userID, sessionID string, choice int) (domain.Outcome, error) {
	e, ok := m.lookup(userID)
	if !ok || (sessionID != "" && e.session.SessionID != sessionID) {
		return domain.Outcome{}, domain.ErrNoActiveSession
	}

	if choice < 0 || choice >= len(e.session.Question.Options) {
		return domain.Outcome{}, errors.New(errors.CodeInvalidArgument,
			errors.WithCause(domain.ErrInvalidChoice),
			errors.WithMessagef("invalid option %d, pick one of %d options", choice, len(e.session.Question.Options)))
	}

	if !e.state.CompareAndSwap(int32(domain.SessionActive), int32(domain.SessionResolved)) {
		return domain.Outcome{}, domain.ErrAlreadyResolved
	}
	e.timer.Stop()

	return m.resolve(ctx, e, choice)
}

// ResolveByTimeout resolves the user's session as timed out, if it is still active.
func (m *Manager) ResolveByTimeout(ctx context.Context, userID string) (domain.Outcome, error) {
	e, ok := m.lookup(userID)
	if !ok {
		return domain.Outcome{}, domain.ErrNoActiveSession
	}

	return m.resolveTimeout(ctx, e, true)
}

// Active returns the user's in-flight session.
func (m *Manager) Active(userID string) (domain.Session, bool) {
	e, ok := m.lookup(userID)
	if !ok || e.state.Load() != int32(domain.SessionActive) {
		return domain.Session{}, false
	}
	return e.session, true
}

// Drain refuses new sessions, resolves every active one as timed out and
// waits for resolutions already in progress. It returns the number of
// sessions it resolved.
func (m *Manager) Drain(ctx context.Context) (int, error) {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var drained int
	for _, e := range entries {
		if _, err := m.resolveTimeout(ctx, e, true); err == nil {
			drained++
		}
	}

	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return drained, fmt.Errorf("session: drain: %w", ctx.Err())
		}
	}

	slog.InfoContext(ctx, "session: drained", "sessions", drained)
	return drained, nil
}

// expire is the deadline trigger.
func (m *Manager) expire(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.resolveWithin)
	defer cancel()

	// The timer has fired, there is nothing left to stop.
	if _, err := m.resolveTimeout(ctx, e, false); stderrors.Is(err, domain.ErrAlreadyResolved) {
		slog.DebugContext(ctx, "session: deadline lost to an answer", "user", e.session.UserID, "session", e.session.SessionID)
	}
}

func (m *Manager) resolveTimeout(ctx context.Context, e *entry, stopTimer bool) (domain.Outcome, error) {
	if !e.state.CompareAndSwap(int32(domain.SessionActive), int32(domain.SessionResolved)) {
		return domain.Outcome{}, domain.ErrAlreadyResolved
	}
	if stopTimer {
		e.timer.Stop()
	}

	return m.resolve(ctx, e, -1)
}

// resolve runs exactly once per entry, by whichever trigger won the swap.
func (m *Manager) resolve(ctx context.Context, e *entry, choice int) (domain.Outcome, error) {
	defer m.remove(e)

	ss := e.session
	q := ss.Question

	o := domain.Outcome{
		SessionID:    ss.SessionID,
		UserID:       ss.UserID,
		Subject:      ss.Subject,
		Topic:        ss.Topic,
		Chosen:       choice,
		CorrectIndex: q.CorrectIndex,
		CorrectLabel: q.Options[q.CorrectIndex],
		ResolvedAt:   m.now(),
	}

	var (
		res domain.ScoreResult
		err error
	)
	switch {
	case choice < 0:
		o.Kind = domain.OutcomeTimeout
		res, err = m.ledger.ApplyTimeout(ctx, ss.UserID, ss.Subject)
	case choice == q.CorrectIndex:
		o.Kind = domain.OutcomeCorrect
		o.ChosenLabel = q.Options[choice]
		res, err = m.ledger.Apply(ctx, ss.UserID, ss.Subject, true)
	default:
		o.Kind = domain.OutcomeIncorrect
		o.ChosenLabel = q.Options[choice]
		res, err = m.ledger.Apply(ctx, ss.UserID, ss.Subject, false)
	}
	if err != nil {
		telemetry.ResolutionFailures.Inc()
		slog.ErrorContext(ctx, "session: apply outcome failed",
			"user", ss.UserID,
			"session", ss.SessionID,
			"outcome", o.Kind,
			"error", err,
		)
		return domain.Outcome{}, fmt.Errorf("session: resolve %s: %w", ss.SessionID, err)
	}

	o.Delta = res.Delta
	o.TotalScore = res.TotalScore

	telemetry.SessionsResolved.WithLabelValues(ss.Subject, string(o.Kind)).Inc()
	slog.InfoContext(ctx, "session: resolved",
		"user", ss.UserID,
		"session", ss.SessionID,
		"outcome", o.Kind,
		"total_score", o.TotalScore,
	)

	m.eb.Publish(ctx, domain.EventSessionResolved{Outcome: o})

	return o, nil
}

func (m *Manager) lookup(userID string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[userID]
	return e, ok
}

func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	if m.sessions[e.session.UserID] == e {
		delete(m.sessions, e.session.UserID)
	}
	m.mu.Unlock()

	telemetry.SessionsActive.Dec()
	close(e.done)
}

func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
