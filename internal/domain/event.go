package domain

const (
	EventNameSessionStarted     = "session.started"
	EventNameSessionResolved    = "session.resolved"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionStarted struct {
	Session Session
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionResolved struct {
	Outcome Outcome
}

func (EventSessionResolved) Name() string { return EventNameSessionResolved }

type EventScoreUpdated struct {
	UserID string
	Result ScoreResult
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
