// Package telegram serves the quiz as a Telegram bot.
package telegram

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/practice"
)

const answerPrefix = "ans:"

// Sender is the part of *tgbotapi.BotAPI the bot talks through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Config struct {
	Sender   Sender
	Practice *practice.Service
	EventBus *event.Bus
	// PremiumChatIDs are the chats where only premium users may practice.
	PremiumChatIDs []int64
}

type Bot struct {
	sender       Sender
	ps           *practice.Service
	premiumChats []int64

	mu sync.Mutex
	// pending maps a user to the message holding their active question.
	pending map[string]pending
}

type pending struct {
	sessionID string
	chatID    int64
	messageID int
}

func New(c Config) *Bot {
	b := &Bot{
		sender:       c.Sender,
		ps:           c.Practice,
		premiumChats: c.PremiumChatIDs,
		pending:      make(map[string]pending),
	}

	c.EventBus.Subscribe(domain.EventNameSessionResolved, func(ctx context.Context, e event.Event) error {
		return b.onResolved(ctx, e.(domain.EventSessionResolved).Outcome)
	})

	return b
}

// Run handles updates until ctx is done or updates is closed.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			b.Handle(ctx, u)
		}
	}
}

func (b *Bot) Handle(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.IsCommand():
		b.handleCommand(ctx, u.Message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil {
		return
	}

	chatID := m.Chat.ID
	userID := idOf(m.From)

	switch cmd := m.Command(); cmd {
	case "start", "help":
		b.send(ctx, tgbotapi.NewMessage(chatID, welcomeText(b.ps.Subjects())))
	case "profile":
		b.sendProfile(ctx, chatID, userID)
	case "leaderboard":
		b.sendLeaderboard(ctx, chatID)
	default:
		if !slices.Contains(b.ps.Subjects(), cmd) {
			b.send(ctx, tgbotapi.NewMessage(chatID, "Unknown command, try /start."))
			return
		}
		b.sendQuestion(ctx, chatID, userID, cmd, strings.TrimSpace(m.CommandArguments()))
	}
}

func (b *Bot) sendQuestion(ctx context.Context, chatID int64, userID, subject, topic string) {
	if topic == "" {
		b.sendTopics(ctx, chatID, subject)
		return
	}

	res, err := b.ps.Request(ctx, practice.Request{
		UserID:  userID,
		Subject: subject,
		Topic:   topic,
		Context: domain.AccessContext{PremiumOnly: slices.Contains(b.premiumChats, chatID)},
	})
	if stderrors.Is(err, domain.ErrUnknownTopic) {
		b.sendTopics(ctx, chatID, subject)
		return
	}
	if err != nil {
		b.sendError(ctx, chatID, err)
		return
	}

	ss := res.Session
	text := questionText(ss)
	kb := keyboard(ss)

	var c tgbotapi.Chattable
	if ss.Question.ImagePath != "" {
		p := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(ss.Question.ImagePath))
		p.Caption = text
		p.ReplyMarkup = kb
		c = p
	} else {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyMarkup = kb
		c = msg
	}

	// Registered before sending, the deadline may pass while Send is in flight.
	b.mu.Lock()
	b.pending[userID] = pending{sessionID: ss.SessionID, chatID: chatID}
	b.mu.Unlock()

	sent, err := b.sender.Send(c)
	if err != nil {
		// The deadline still resolves the session, the user just never saw it.
		b.take(userID, ss.SessionID)
		slog.ErrorContext(ctx, "telegram: send question failed", "user", userID, "session", ss.SessionID, "error", err)
		return
	}

	if !b.setMessageID(userID, ss.SessionID, sent.MessageID) {
		// Resolved while sending, the timeout is already rendered.
		b.closeQuestion(ctx, chatID, sent.MessageID)
	}
}

func (b *Bot) sendTopics(ctx context.Context, chatID int64, subject string) {
	topics, err := b.ps.Topics(subject)
	if err != nil {
		b.sendError(ctx, chatID, err)
		return
	}

	b.send(ctx, tgbotapi.NewMessage(chatID, topicsText(subject, topics)))
}

func (b *Bot) sendProfile(ctx context.Context, chatID int64, userID string) {
	p, err := b.ps.Profile(ctx, userID)
	if err != nil {
		b.sendError(ctx, chatID, err)
		return
	}

	b.send(ctx, tgbotapi.NewMessage(chatID, profileText(p)))
}

func (b *Bot) sendLeaderboard(ctx context.Context, chatID int64) {
	l, err := b.ps.Leaderboard(ctx, 0)
	if err != nil {
		b.sendError(ctx, chatID, err)
		return
	}

	b.send(ctx, tgbotapi.NewMessage(chatID, leaderboardText(l)))
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	sessionID, choice, ok := parseAnswer(q.Data)
	if !ok || q.Message == nil || q.From == nil {
		b.request(ctx, tgbotapi.NewCallback(q.ID, "Unknown action."))
		return
	}

	userID := idOf(q.From)
	o, err := b.ps.Answer(ctx, userID, sessionID, choice)
	if err != nil {
		b.request(ctx, tgbotapi.NewCallback(q.ID, errorText(err)))
		return
	}
	b.request(ctx, tgbotapi.NewCallback(q.ID, ""))
	b.take(userID, sessionID)

	b.closeQuestion(ctx, q.Message.Chat.ID, q.Message.MessageID)
	b.send(ctx, tgbotapi.NewMessage(q.Message.Chat.ID, outcomeText(o)))
}

// onResolved renders deadlines. Answers are rendered by the callback itself.
func (b *Bot) onResolved(ctx context.Context, o domain.Outcome) error {
	p, ok := b.take(o.UserID, o.SessionID)
	if !ok || o.Kind != domain.OutcomeTimeout {
		return nil
	}

	if p.messageID != 0 {
		b.closeQuestion(ctx, p.chatID, p.messageID)
	}
	if _, err := b.sender.Send(tgbotapi.NewMessage(p.chatID, outcomeText(o))); err != nil {
		return fmt.Errorf("telegram: send timeout to %s: %w", o.UserID, err)
	}
	return nil
}

// setMessageID records the sent question message, unless sessionID is no
// longer pending.
func (b *Bot) setMessageID(userID, sessionID string, messageID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[userID]
	if !ok || p.sessionID != sessionID {
		return false
	}
	p.messageID = messageID
	b.pending[userID] = p
	return true
}

// take forgets the pending question of userID if it belongs to sessionID.
func (b *Bot) take(userID, sessionID string) (pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[userID]
	if !ok || p.sessionID != sessionID {
		return pending{}, false
	}
	delete(b.pending, userID)
	return p, true
}

// closeQuestion removes the answer buttons from a question message.
func (b *Bot) closeQuestion(ctx context.Context, chatID int64, messageID int) {
	b.request(ctx, tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	}))
}

func (b *Bot) sendError(ctx context.Context, chatID int64, err error) {
	b.send(ctx, tgbotapi.NewMessage(chatID, errorText(err)))
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) {
	if _, err := b.sender.Send(c); err != nil {
		slog.ErrorContext(ctx, "telegram: send failed", "error", err)
	}
}

func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) {
	if _, err := b.sender.Request(c); err != nil {
		slog.WarnContext(ctx, "telegram: request failed", "error", err)
	}
}

func keyboard(ss domain.Session) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(ss.Question.Options))
	for i, opt := range ss.Question.Options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(opt, answerData(ss.SessionID, i)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func answerData(sessionID string, choice int) string {
	return answerPrefix + sessionID + ":" + strconv.Itoa(choice)
}

// parseAnswer splits callback data of the form ans:<session-id>:<index>.
func parseAnswer(data string) (string, int, bool) {
	rest, ok := strings.CutPrefix(data, answerPrefix)
	if !ok {
		return "", 0, false
	}

	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}

	choice, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], choice, true
}

func idOf(u *tgbotapi.User) string {
	return strconv.FormatInt(u.ID, 10)
}
