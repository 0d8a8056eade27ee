package telegram

import (
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/practice"
	"github.com/victornm/prepquiz/internal/session"
)

func welcomeText(subjects []string) string {
	var sb strings.Builder
	sb.WriteString("Welcome to the practice bot!\n\nPick a subject and a topic:\n")
	for _, s := range subjects {
		fmt.Fprintf(&sb, "/%s <topic>\n", s)
	}
	sb.WriteString("\n/profile shows your stats, /leaderboard the top players.")
	return sb.String()
}

func topicsText(subject string, topics []string) string {
	return fmt.Sprintf("Topics for /%s:\n%s", subject, strings.Join(topics, "\n"))
}

func questionText(ss domain.Session) string {
	limit := ss.Deadline.Sub(ss.StartTime)
	return fmt.Sprintf("%s - %s\n\nQuestion:\n%s\n\nYou have %d seconds",
		capitalize(ss.Subject), ss.Topic, ss.Question.Prompt, int(limit.Seconds()))
}

func outcomeText(o domain.Outcome) string {
	switch o.Kind {
	case domain.OutcomeCorrect:
		return fmt.Sprintf("Correct! ✅\nYour answer: %s\nScore: %s", o.ChosenLabel, o.TotalScore)
	case domain.OutcomeIncorrect:
		return fmt.Sprintf("Incorrect! ❌ Correct answer: %s\nYour answer: %s\nScore: %s",
			o.CorrectLabel, o.ChosenLabel, o.TotalScore)
	default:
		return fmt.Sprintf("⏰ Time's up! Correct answer: %s\nScore: %s", o.CorrectLabel, o.TotalScore)
	}
}

func profileText(p practice.Profile) string {
	u := p.User

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total Score: %s\nQuestions Answered: %d\n", u.TotalScore, u.QuestionsAnswered)
	if p.Rank > 0 {
		fmt.Fprintf(&sb, "Rank: #%d\n", p.Rank)
	}

	switch {
	case u.IsAdmin:
		sb.WriteString("Access: admin\n")
	case p.PremiumActive:
		fmt.Fprintf(&sb, "Premium until %s\n", u.PremiumUntil.Format("2006-01-02 15:04 MST"))
	default:
		fmt.Fprintf(&sb, "Free questions left: %d\n", p.RemainingFree)
	}

	subjects := make([]string, 0, len(u.SubjectStats))
	for s := range u.SubjectStats {
		subjects = append(subjects, s)
	}
	slices.Sort(subjects)

	for _, s := range subjects {
		st := u.SubjectStats[s]
		fmt.Fprintf(&sb, "%s: %d/%d correct", capitalize(s), st.Correct, st.Total)
		if st.Timeout > 0 {
			fmt.Fprintf(&sb, ", %d timed out", st.Timeout)
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

func leaderboardText(l domain.Leaderboard) string {
	if len(l.Entries) == 0 {
		return "Leaderboard\nNo scores yet."
	}

	var sb strings.Builder
	sb.WriteString("Leaderboard")
	for i, e := range l.Entries {
		fmt.Fprintf(&sb, "\n%d. User %s: %s", i+1, e.UserID, strconv.FormatFloat(e.Score, 'f', -1, 64))
	}
	return sb.String()
}

// errorText gives every failure the user can hit its own message.
func errorText(err error) string {
	switch {
	case stderrors.Is(err, domain.ErrAlreadyActive):
		return "You already have an active question. Please answer it first."
	case stderrors.Is(err, domain.ErrPremiumRequired):
		return "🚫 Premium Access Required\nThis chat requires premium access."
	case stderrors.Is(err, domain.ErrQuotaExhausted):
		return "🎯 Free Limit Reached\nYou've used all free questions!"
	case stderrors.Is(err, domain.ErrEmptyCatalog):
		return "No questions found for this topic."
	case stderrors.Is(err, domain.ErrUnknownTopic):
		return "Unknown subject or topic."
	case stderrors.Is(err, domain.ErrNoActiveSession), stderrors.Is(err, domain.ErrAlreadyResolved):
		return "This question is no longer active."
	case stderrors.Is(err, domain.ErrInvalidChoice):
		return "That option does not exist."
	case stderrors.Is(err, domain.ErrStoreUnavailable):
		return "The quiz is temporarily unavailable, please try again later."
	case stderrors.Is(err, session.ErrClosed):
		return "The quiz is restarting, please try again in a moment."
	}
	return "Something went wrong, please try again."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
