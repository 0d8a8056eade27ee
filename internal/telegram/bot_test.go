package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/practice/practicetest"
	"github.com/victornm/prepquiz/internal/session"
)

const (
	chatID        int64 = 100
	premiumChatID int64 = 200
	userID        int64 = 7
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	// onSend runs after a message is recorded, before Send returns.
	onSend func(c tgbotapi.Chattable)
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	s.sent = append(s.sent, c)
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	if s.onSend != nil {
		s.onSend(c)
	}
	return tgbotapi.Message{MessageID: id}, nil
}

func (s *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *fakeSender) lastMessage(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	require.NotEmpty(t, s.sent)
	m, ok := s.sent[len(s.sent)-1].(tgbotapi.MessageConfig)
	require.True(t, ok, "last sent is %T", s.sent[len(s.sent)-1])
	return m
}

func (s *fakeSender) lastCallback(t *testing.T) tgbotapi.CallbackConfig {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.requests) - 1; i >= 0; i-- {
		if c, ok := s.requests[i].(tgbotapi.CallbackConfig); ok {
			return c
		}
	}
	t.Fatal("no callback answered")
	return tgbotapi.CallbackConfig{}
}

func makeBot(t *testing.T) (*Bot, *fakeSender, *practicetest.Stack) {
	t.Helper()

	st := practicetest.New(t)
	s := &fakeSender{}
	b := New(Config{
		Sender:         s,
		Practice:       st.Practice,
		EventBus:       st.EventBus,
		PremiumChatIDs: []int64{premiumChatID},
	})

	return b, s, st
}

func command(chat int64, text string) tgbotapi.Update {
	cmd, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chat},
		From:     &tgbotapi.User{ID: userID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func callback(data string, messageID int) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: userID},
		Data:    data,
		Message: &tgbotapi.Message{MessageID: messageID, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func TestBot_AnswerFlow(t *testing.T) {
	ctx := context.Background()
	b, s, st := makeBot(t)

	b.Handle(ctx, command(chatID, "/math average"))

	q := s.lastMessage(t)
	assert.Equal(t, "Math - average\n\nQuestion:\n2+2?\n\nYou have 90 seconds", q.Text)

	kb, ok := q.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 3)

	ss, ok := st.Sessions.Active("7")
	require.True(t, ok)
	assert.Equal(t, answerData(ss.SessionID, 1), *kb.InlineKeyboard[1][0].CallbackData)

	b.Handle(ctx, callback(*kb.InlineKeyboard[1][0].CallbackData, 1))
	assert.Equal(t, "Correct! ✅\nYour answer: 4\nScore: 1", s.lastMessage(t).Text)
	assert.Empty(t, s.lastCallback(t).Text)

	// The same button again is stale.
	b.Handle(ctx, callback(*kb.InlineKeyboard[1][0].CallbackData, 1))
	assert.Equal(t, "This question is no longer active.", s.lastCallback(t).Text)

	st.EventBus.Stop()
	assert.Len(t, s.sent, 2, "answers are not rendered twice")
}

func TestBot_TimeoutIsRendered(t *testing.T) {
	ctx := context.Background()
	b, s, st := makeBot(t)

	b.Handle(ctx, command(chatID, "/math average"))
	_, err := st.Expire(ctx, "7")
	require.NoError(t, err)
	st.EventBus.Stop()

	assert.Equal(t, "⏰ Time's up! Correct answer: 4\nScore: 0", s.lastMessage(t).Text)

	var edits int
	for _, r := range s.requests {
		if e, ok := r.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			assert.Equal(t, 1, e.MessageID)
			edits++
		}
	}
	assert.Equal(t, 1, edits, "the buttons are removed")
}

func TestBot_TimeoutDuringSendIsRendered(t *testing.T) {
	ctx := context.Background()
	b, s, st := makeBot(t)

	var fired atomic.Bool
	s.onSend = func(c tgbotapi.Chattable) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		_, err := st.Expire(ctx, "7")
		require.NoError(t, err)
		st.EventBus.Stop()
	}

	b.Handle(ctx, command(chatID, "/math average"))

	assert.Equal(t, "⏰ Time's up! Correct answer: 4\nScore: 0", s.lastMessage(t).Text)

	var edits []int
	for _, r := range s.requests {
		if e, ok := r.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			edits = append(edits, e.MessageID)
		}
	}
	assert.Equal(t, []int{1}, edits, "the late question loses its buttons")

	b.mu.Lock()
	assert.Empty(t, b.pending)
	b.mu.Unlock()
}

func TestBot_Commands(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, b *Bot, st *practicetest.Stack)
		chat    int64
		text    string
		want    string
	}{
		"start lists subjects": {
			text: "/start",
			want: "Welcome to the practice bot!\n\nPick a subject and a topic:\n/analytical <topic>\n/english <topic>\n/math <topic>\n\n/profile shows your stats, /leaderboard the top players.",
		},
		"subject without topic lists topics": {
			text: "/math",
			want: "Topics for /math:\naverage\nratio",
		},
		"unknown topic lists topics": {
			text: "/math calculus",
			want: "Topics for /math:\naverage\nratio",
		},
		"empty topic": {
			text: "/math ratio",
			want: "No questions found for this topic.",
		},
		"premium chat": {
			chat: premiumChatID,
			text: "/math average",
			want: "🚫 Premium Access Required\nThis chat requires premium access.",
		},
		"quota exhausted": {
			arrange: func(t *testing.T, b *Bot, st *practicetest.Stack) {
				for range 2 {
					b.Handle(context.Background(), command(chatID, "/math average"))
					_, err := st.Expire(context.Background(), "7")
					require.NoError(t, err)
				}
				st.EventBus.Stop()
			},
			text: "/math average",
			want: "🎯 Free Limit Reached\nYou've used all free questions!",
		},
		"already active": {
			arrange: func(t *testing.T, b *Bot, st *practicetest.Stack) {
				b.Handle(context.Background(), command(chatID, "/math average"))
			},
			text: "/math average",
			want: "You already have an active question. Please answer it first.",
		},
		"store down": {
			arrange: func(t *testing.T, b *Bot, st *practicetest.Stack) {
				st.Users.Down.Store(true)
			},
			text: "/profile",
			want: "The quiz is temporarily unavailable, please try again later.",
		},
		"profile": {
			text: "/profile",
			want: "Total Score: 0\nQuestions Answered: 0\nFree questions left: 2",
		},
		"empty leaderboard": {
			text: "/leaderboard",
			want: "Leaderboard\nNo scores yet.",
		},
		"unknown command": {
			text: "/history",
			want: "Unknown command, try /start.",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			b, s, st := makeBot(t)
			if tt.arrange != nil {
				tt.arrange(t, b, st)
			}

			chat := tt.chat
			if chat == 0 {
				chat = chatID
			}

			b.Handle(context.Background(), command(chat, tt.text))
			assert.Equal(t, tt.want, s.lastMessage(t).Text)
			assert.Equal(t, chat, s.lastMessage(t).ChatID)
		})
	}
}

func TestBot_ProfileAndLeaderboardAfterAnswers(t *testing.T) {
	ctx := context.Background()
	b, s, st := makeBot(t)

	b.Handle(ctx, command(chatID, "/math average"))
	ss, ok := st.Sessions.Active("7")
	require.True(t, ok)
	b.Handle(ctx, callback(answerData(ss.SessionID, 0), 1))

	b.Handle(ctx, command(chatID, "/profile"))
	assert.Equal(t, "Total Score: -0.25\nQuestions Answered: 1\nRank: #1\nFree questions left: 1\nMath: 0/1 correct", s.lastMessage(t).Text)

	b.Handle(ctx, command(chatID, "/leaderboard"))
	assert.Equal(t, "Leaderboard\n1. User 7: -0.25", s.lastMessage(t).Text)
}

func TestParseAnswer(t *testing.T) {
	tests := map[string]struct {
		data    string
		session string
		choice  int
		ok      bool
	}{
		"valid":          {data: "ans:0190a8f2-7c1e-7d2a-9b3c-1a2b3c4d5e6f:2", session: "0190a8f2-7c1e-7d2a-9b3c-1a2b3c4d5e6f", choice: 2, ok: true},
		"wrong prefix":   {data: "quiz_1_2"},
		"missing choice": {data: "ans:abc"},
		"bad choice":     {data: "ans:abc:x"},
		"empty session":  {data: "ans::1"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			session, choice, ok := parseAnswer(tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.session, session)
			assert.Equal(t, tt.choice, choice)
		})
	}
}

func TestErrorText(t *testing.T) {
	wrapped := fmt.Errorf("practice: %w", domain.ErrInvalidChoice)
	assert.Equal(t, "That option does not exist.", errorText(wrapped))
	assert.Equal(t, "The quiz is restarting, please try again in a moment.",
		errorText(fmt.Errorf("practice: start: %w", session.ErrClosed)))
	assert.Equal(t, "Something went wrong, please try again.", errorText(fmt.Errorf("boom")))
}
