package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/prepquiz/internal/config"
	"github.com/victornm/prepquiz/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func makeConfig(t *testing.T) (server.Config, *miniredis.Miniredis) {
	t.Helper()

	dir := t.TempDir()
	topic := filepath.Join(dir, "math", "average")
	require.NoError(t, os.MkdirAll(topic, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topic, "questions.json"),
		[]byte(`[{"question": "2+2?", "options": ["3", "4"], "correct_answer": 1}]`), 0o600))

	rs := miniredis.RunT(t)

	c := server.DefaultConfig()
	c.Redis.Leaderboard = server.RedisConfig{Addrs: []string{rs.Addr()}, Prefix: "lb"}
	c.Redis.Pubsub = server.RedisConfig{Addrs: []string{rs.Addr()}, Prefix: "ps"}
	c.Store.Driver = server.DriverMemory
	c.Catalog.Dir = dir
	c.Catalog.Subjects = map[string][]string{"math": {"average", "ratio"}}

	return c, rs
}

func serve(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var b bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&b).Encode(body))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, &b))
	return w
}

func TestServer_DrainsSessionsOnShutdown(t *testing.T) {
	c, rs := makeConfig(t)

	s, err := server.Init(c)
	require.NoError(t, err)

	h := s.Handler()
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/metrics", nil).Code)

	w := serve(t, h, http.MethodPost, "/v1/practice", gin.H{"user_id": "u1", "subject": "math", "topic": "average"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rc := redis.NewClient(&redis.Options{Addr: rs.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	ps := rc.Subscribe(context.Background(), "ps:user:u1")
	_, err = ps.Receive(context.Background())
	require.NoError(t, err)

	s.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Subscriptions publish concurrently, skip anything but the resolution.
	var n struct {
		Event string `json:"event"`
		Data  struct {
			Result string `json:"result"`
		} `json:"data"`
	}
	for n.Event != "session.resolved" {
		msg, err := ps.ReceiveMessage(ctx)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
	}
	assert.Equal(t, "timeout", n.Data.Result)

	members, err := rc.ZRange(context.Background(), "lb:leaderboard", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

func TestServer_InitFailsLoudly(t *testing.T) {
	tests := map[string]func(c *server.Config){
		"unknown store driver": func(c *server.Config) { c.Store.Driver = "mongo" },
		"bad scoring":          func(c *server.Config) { c.Quiz.Scoring.Incorrect = "minus a quarter" },
		"invalid question file": func(c *server.Config) {
			c.Catalog.Subjects = map[string][]string{"english": {"analogy"}}
			topic := filepath.Join(c.Catalog.Dir, "english", "analogy")
			_ = os.MkdirAll(topic, 0o755)
			_ = os.WriteFile(filepath.Join(topic, "questions.json"), []byte(`[{"question": "x", "options": ["a"], "correct_answer": 0}]`), 0o600)
		},
		"redis down": func(c *server.Config) { c.Redis.Leaderboard.Addrs = []string{"127.0.0.1:1"} },
	}

	for name, arrange := range tests {
		t.Run(name, func(t *testing.T) {
			c, _ := makeConfig(t)
			arrange(&c)

			_, err := server.Init(c)
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfig_Load(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")

	c := server.DefaultConfig()
	require.NoError(t, config.Load("", &c))

	assert.Equal(t, "postgres", c.Store.Driver)
	assert.Equal(t, 90*time.Second, c.Quiz.TimeLimits.Subjects["math"])
	assert.Equal(t, 120*time.Second, c.Quiz.TimeLimits.Topics["analytical/cr"])
	assert.Equal(t, 30, c.Access.FreeQuestionLimit)
	assert.Equal(t, "-0.25", c.Quiz.Scoring.Incorrect)
	assert.Len(t, c.Catalog.Subjects["math"], 20)
	assert.Len(t, c.Catalog.Subjects["english"], 9)
	assert.Equal(t, []string{"cr", "ds", "puzzle"}, c.Catalog.Subjects["analytical"])
	assert.Equal(t, 30*24*time.Hour, c.Access.PremiumDurations["30d"])
}
