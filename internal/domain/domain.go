package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the persistent per-user record.
type User struct {
	UserID            string
	TotalScore        decimal.Decimal
	QuestionsAnswered int
	SubjectStats      map[string]SubjectStats
	// PremiumUntil is the only stored premium state, see PremiumActive.
	PremiumUntil *time.Time
	IsAdmin      bool
}

// PremiumActive derives premium access from PremiumUntil. It is never stored.
func (u User) PremiumActive(now time.Time) bool {
	return u.PremiumUntil != nil && now.Before(*u.PremiumUntil)
}

// NewUser returns the default record created on first access.
func NewUser(id string) User {
	return User{
		UserID:       id,
		TotalScore:   decimal.Zero,
		SubjectStats: make(map[string]SubjectStats),
	}
}

type SubjectStats struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
	Timeout int `json:"timeout"`
}

// UserPatch is a partial update. Nil fields are left untouched.
type UserPatch struct {
	IsAdmin      *bool
	PremiumUntil *time.Time
	ClearPremium bool
}

// Attempt is the set of increments produced by one resolved session. Stores
// apply it as a single transaction.
type Attempt struct {
	Subject string
	Delta   decimal.Decimal
	Correct bool
	Timeout bool
	// Answered increments QuestionsAnswered, which is what the free quota counts.
	Answered bool
}

// Question is an immutable multiple-choice question.
type Question struct {
	Prompt       string   `json:"question" yaml:"question"`
	Options      []string `json:"options" yaml:"options"`
	CorrectIndex int      `json:"correct_answer" yaml:"correct_answer"`
	ImagePath    string   `json:"image_path,omitempty" yaml:"image_path,omitempty"`
}

type SessionState int32

const (
	SessionActive SessionState = iota
	SessionResolved
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionResolved:
		return "resolved"
	}
	return "unknown"
}

// Session is one in-flight question for one user.
type Session struct {
	SessionID string
	UserID    string
	Subject   string
	Topic     string
	Question  Question
	StartTime time.Time
	Deadline  time.Time
}

type OutcomeKind string

const (
	OutcomeCorrect   OutcomeKind = "correct"
	OutcomeIncorrect OutcomeKind = "incorrect"
	OutcomeTimeout   OutcomeKind = "timeout"
)

// Outcome is emitted once per resolved session.
type Outcome struct {
	SessionID    string
	UserID       string
	Subject      string
	Topic        string
	Kind         OutcomeKind
	Chosen       int // -1 on timeout
	ChosenLabel  string
	CorrectIndex int
	CorrectLabel string
	Delta        decimal.Decimal
	TotalScore   decimal.Decimal
	ResolvedAt   time.Time
}

func (o Outcome) Correct() bool { return o.Kind == OutcomeCorrect }

// ScoreResult is what the score ledger reports after applying an attempt.
type ScoreResult struct {
	Delta             decimal.Decimal
	TotalScore        decimal.Decimal
	QuestionsAnswered int
}

// AccessContext describes where a question was requested.
type AccessContext struct {
	// PremiumOnly marks the designated premium context (e.g. a premium chat).
	PremiumOnly bool
}

type AccessReason string

const (
	AccessAdmin                 AccessReason = "admin"
	AccessPremiumActive         AccessReason = "premium_active"
	AccessFreeQuotaRemaining    AccessReason = "free_quota_remaining"
	AccessDeniedPremiumRequired AccessReason = "denied_premium_required"
	AccessDeniedQuotaExhausted  AccessReason = "denied_quota_exhausted"
)

type AccessDecision struct {
	Allowed bool
	Reason  AccessReason
}

// Leaderboard is the ranked list of users, sorted by score in descending order.
type Leaderboard struct {
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID string
	Score  float64
}
