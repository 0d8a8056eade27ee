// Package api exposes the quiz over HTTP and forwards notifications to Redis pub/sub.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/victornm/prepquiz/internal/access"
	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/errors"
	"github.com/victornm/prepquiz/internal/practice"
)

type Config struct {
	Router   gin.IRouter
	Practice *practice.Service
	Access   *access.Service
	// AdminToken guards the premium and admin routes as a bearer token.
	// Empty disables them.
	AdminToken string
}

type API struct {
	ps *practice.Service
	as *access.Service
}

func New(c Config) *API {
	a := &API{
		ps: c.Practice,
		as: c.Access,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/practice", a.RequestQuestion)
	v1.POST("/practice/answer", a.SubmitAnswer)
	v1.GET("/users/:id", a.GetProfile)
	v1.GET("/leaderboard", a.GetLeaderboard)
	v1.GET("/subjects/:subject/topics", a.ListTopics)

	admin := v1.Group("/users/:id", requireAdmin(c.AdminToken))
	admin.POST("/premium", a.GrantPremium)
	admin.DELETE("/premium", a.RevokePremium)
	admin.PUT("/admin", a.SetAdmin)

	return a
}

type (
	RequestQuestionRequest struct {
		UserID         string `json:"user_id" binding:"required"`
		Subject        string `json:"subject" binding:"required"`
		Topic          string `json:"topic" binding:"required"`
		PremiumContext bool   `json:"premium_context"`
	}

	// Question never carries the correct option.
	Question struct {
		SessionID string    `json:"session_id"`
		Subject   string    `json:"subject"`
		Topic     string    `json:"topic"`
		Prompt    string    `json:"question"`
		Options   []string  `json:"options"`
		HasImage  bool      `json:"has_image"`
		Deadline  time.Time `json:"deadline"`
		Access    string    `json:"access"`
	}
)

func (a *API) RequestQuestion(c *gin.Context) {
	var req RequestQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalidRequest(err))
		return
	}

	res, err := a.ps.Request(c, practice.Request{
		UserID:  req.UserID,
		Subject: req.Subject,
		Topic:   req.Topic,
		Context: domain.AccessContext{PremiumOnly: req.PremiumContext},
	})
	if err != nil {
		renderError(c, err)
		return
	}

	ss := res.Session
	c.JSON(http.StatusCreated, Question{
		SessionID: ss.SessionID,
		Subject:   ss.Subject,
		Topic:     ss.Topic,
		Prompt:    ss.Question.Prompt,
		Options:   ss.Question.Options,
		HasImage:  ss.Question.ImagePath != "",
		Deadline:  ss.Deadline,
		Access:    string(res.Decision.Reason),
	})
}

type (
	SubmitAnswerRequest struct {
		UserID    string `json:"user_id" binding:"required"`
		SessionID string `json:"session_id" binding:"required"`
		Choice    *int   `json:"choice" binding:"required"`
	}

	Outcome struct {
		SessionID     string          `json:"session_id"`
		Result        string          `json:"result"`
		Chosen        string          `json:"chosen,omitempty"`
		CorrectAnswer string          `json:"correct_answer"`
		Delta         decimal.Decimal `json:"delta"`
		TotalScore    decimal.Decimal `json:"total_score"`
	}
)

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalidRequest(err))
		return
	}

	o, err := a.ps.Answer(c, req.UserID, req.SessionID, *req.Choice)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toOutcome(o))
}

type Profile struct {
	UserID            string                         `json:"user_id"`
	TotalScore        decimal.Decimal                `json:"total_score"`
	QuestionsAnswered int                            `json:"questions_answered"`
	SubjectStats      map[string]domain.SubjectStats `json:"subject_stats"`
	RemainingFree     int                            `json:"remaining_free_questions"`
	PremiumActive     bool                           `json:"premium_active"`
	PremiumUntil      *time.Time                     `json:"premium_until,omitempty"`
	IsAdmin           bool                           `json:"is_admin"`
	Rank              int                            `json:"rank,omitempty"`
	ActiveQuestion    bool                           `json:"active_question"`
}

func (a *API) GetProfile(c *gin.Context) {
	p, err := a.ps.Profile(c, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	u := p.User
	c.JSON(http.StatusOK, Profile{
		UserID:            u.UserID,
		TotalScore:        u.TotalScore,
		QuestionsAnswered: u.QuestionsAnswered,
		SubjectStats:      u.SubjectStats,
		RemainingFree:     p.RemainingFree,
		PremiumActive:     p.PremiumActive,
		PremiumUntil:      u.PremiumUntil,
		IsAdmin:           u.IsAdmin,
		Rank:              p.Rank,
		ActiveQuestion:    p.HasActiveQuestion,
	})
}

type GrantPremiumRequest struct {
	Duration string `json:"duration" binding:"required"`
}

func (a *API) GrantPremium(c *gin.Context) {
	var req GrantPremiumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalidRequest(err))
		return
	}

	until, err := a.as.GrantPremium(c, c.Param("id"), req.Duration)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"premium_until": until})
}

func (a *API) RevokePremium(c *gin.Context) {
	if err := a.as.RevokePremium(c, c.Param("id")); err != nil {
		renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type SetAdminRequest struct {
	IsAdmin *bool `json:"is_admin" binding:"required"`
}

func (a *API) SetAdmin(c *gin.Context) {
	var req SetAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalidRequest(err))
		return
	}

	if err := a.as.SetAdmin(c, c.Param("id"), *req.IsAdmin); err != nil {
		renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type (
	Leaderboard struct {
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank   int    `json:"rank"`
		UserID string `json:"user_id"`
		Score  string `json:"score"`
	}
)

func (a *API) GetLeaderboard(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			renderError(c, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("limit must be between 1 and 100, got %q", s)))
			return
		}
		limit = n
	}

	l, err := a.ps.Leaderboard(c, limit)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(l))
}

func (a *API) ListTopics(c *gin.Context) {
	topics, err := a.ps.Topics(c.Param("subject"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func toOutcome(o domain.Outcome) Outcome {
	return Outcome{
		SessionID:     o.SessionID,
		Result:        string(o.Kind),
		Chosen:        o.ChosenLabel,
		CorrectAnswer: o.CorrectLabel,
		Delta:         o.Delta,
		TotalScore:    o.TotalScore,
	}
}

func toLeaderboard(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{Entries: make([]LeaderboardEntry, 0, len(l.Entries))}
	for i, e := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Rank:   i + 1,
			UserID: e.UserID,
			Score:  strconv.FormatFloat(e.Score, 'f', -1, 64),
		})
	}
	return data
}

var (
	errAdminDisabled = errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("admin endpoints are disabled"))
	errAdminToken = errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("missing or invalid admin token"))
)

func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			renderError(c, errAdminDisabled)
			return
		}

		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			renderError(c, errAdminToken)
			return
		}

		c.Next()
	}
}

func invalidRequest(err error) error {
	return errors.New(errors.CodeInvalidArgument,
		errors.WithCause(err),
		errors.WithMessagef("invalid request: %v", err))
}

// renderError writes err as {"code", "message"} with the matching HTTP status.
func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if errors.HasCode(e, errors.CodeInternal) || errors.HasCode(e, errors.CodeUnavailable) {
		slog.ErrorContext(c, "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
