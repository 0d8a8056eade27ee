//go:build integration_test

// Package demo drives a running server (`prepquiz serve`) over HTTP and
// watches the Redis notifications of one user. It needs the server on
// localhost:8080 with questions for math/average, and Redis on localhost:6379.
package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/prepquiz/internal/api"
	"github.com/victornm/prepquiz/internal/domain"
)

const (
	baseURL = "http://localhost:8080"
	prefix  = "prepquiz"
)

func TestPractice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		wg    = new(sync.WaitGroup)
		users = []string{
			fmt.Sprintf("demo-%d-1", time.Now().Unix()),
			fmt.Sprintf("demo-%d-2", time.Now().Unix()),
			fmt.Sprintf("demo-%d-3", time.Now().Unix()),
		}
	)

	subscribeAsUser(t, ctx, makeRedis(t), wg, users[0])

	// Every user gets a question and answers it concurrently.
	var eg errgroup.Group
	for i, u := range users {
		eg.Go(func() error {
			var q api.Question
			if err := post(ctx, "/v1/practice", api.RequestQuestionRequest{UserID: u, Subject: "math", Topic: "average"}, &q); err != nil {
				return fmt.Errorf("user %q request question: %w", u, err)
			}

			choice := i % len(q.Options)
			var o api.Outcome
			if err := post(ctx, "/v1/practice/answer", api.SubmitAnswerRequest{UserID: u, SessionID: q.SessionID, Choice: &choice}, &o); err != nil {
				return fmt.Errorf("user %q submit answer: %w", u, err)
			}

			t.Logf("User %q answered %q: %s, delta=%s, total_score=%s", u, o.Chosen, o.Result, o.Delta, o.TotalScore)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// Leave time for the throttled leaderboard notification.
	time.Sleep(2 * time.Second)
	cancel()
	wg.Wait()
}

func post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("status %d: code=%d %s", resp.StatusCode, e.Code, e.Message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func subscribeAsUser(t *testing.T, ctx context.Context, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, ctx, rc, fmt.Sprintf("%s:user:%s", prefix, u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameSessionResolved:
				var o api.Outcome
				if err := json.Unmarshal(n.Data, &o); err != nil {
					t.Logf("unmarshal outcome: %v", err)
					continue
				}

				t.Logf("%s resolved %s: %s", u, o.SessionID, o.Result)
			case domain.EventNameLeaderboardUpdated:
				var l api.Leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", u, formatLeaderboard(l))
			}
		}
	}()
}

// subscribeRedis streams messages on channel until ctx is done.
func subscribeRedis(t *testing.T, ctx context.Context, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l api.Leaderboard) string {
	var sb strings.Builder
	for _, e := range l.Entries {
		fmt.Fprintf(&sb, "%d. %s: %s\n", e.Rank, e.UserID, e.Score)
	}
	return sb.String()
}
