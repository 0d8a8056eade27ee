// Package catalog maps (subject, topic) to pools of questions.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/errors"
)

// Loader reads the question pool of one topic. A topic without questions
// yields an empty pool and no error.
type Loader interface {
	Load(ctx context.Context, subject, topic string) ([]domain.Question, error)
}

type Config struct {
	Loader Loader
	// Subjects lists the known topics per subject.
	Subjects map[string][]string
	// Intn returns a uniform random number in [0, n). Defaults to math/rand/v2.
	Intn func(n int) int
}

// Catalog loads topic pools lazily, once per topic, and caches them.
type Catalog struct {
	loader   Loader
	subjects map[string][]string
	intn     func(n int) int

	sf    singleflight.Group
	mu    sync.RWMutex
	pools map[string][]domain.Question
}

func New(c Config) *Catalog {
	if c.Intn == nil {
		c.Intn = rand.IntN
	}

	return &Catalog{
		loader:   c.Loader,
		subjects: c.Subjects,
		intn:     c.Intn,
		pools:    make(map[string][]domain.Question),
	}
}

// Subjects returns the configured subjects in lexical order.
func (c *Catalog) Subjects() []string {
	subjects := make([]string, 0, len(c.subjects))
	for s := range c.subjects {
		subjects = append(subjects, s)
	}
	slices.Sort(subjects)
	return subjects
}

// Topics returns the configured topics of subject.
func (c *Catalog) Topics(subject string) ([]string, error) {
	topics, ok := c.subjects[subject]
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithCause(domain.ErrUnknownTopic),
			errors.WithMessagef("unknown subject %q", subject))
	}
	return slices.Clone(topics), nil
}

// Validate reports ErrUnknownTopic for a subject or topic that is not configured.
func (c *Catalog) Validate(subject, topic string) error {
	if !slices.Contains(c.subjects[subject], topic) {
		return unknownTopic(subject, topic)
	}
	return nil
}

// Pick returns a uniformly random question of the topic. It fails with
// ErrUnknownTopic or ErrEmptyCatalog before any other state is touched.
func (c *Catalog) Pick(ctx context.Context, subject, topic string) (domain.Question, error) {
	pool, err := c.pool(ctx, subject, topic)
	if err != nil {
		return domain.Question{}, err
	}

	if len(pool) == 0 {
		return domain.Question{}, errors.New(errors.CodeNotFound,
			errors.WithCause(domain.ErrEmptyCatalog),
			errors.WithMessagef("no questions found for %s/%s", subject, topic))
	}

	return pool[c.intn(len(pool))], nil
}

// Count returns the number of questions of the topic.
func (c *Catalog) Count(ctx context.Context, subject, topic string) (int, error) {
	pool, err := c.pool(ctx, subject, topic)
	return len(pool), err
}

// Preload loads every configured topic and logs its size.
func (c *Catalog) Preload(ctx context.Context) error {
	for _, subject := range c.Subjects() {
		for _, topic := range c.subjects[subject] {
			n, err := c.Count(ctx, subject, topic)
			if err != nil {
				return err
			}

			if n == 0 {
				slog.WarnContext(ctx, "catalog: no questions found", "subject", subject, "topic", topic)
				continue
			}
			slog.InfoContext(ctx, "catalog: topic loaded", "subject", subject, "topic", topic, "questions", n)
		}
	}

	return nil
}

func (c *Catalog) pool(ctx context.Context, subject, topic string) ([]domain.Question, error) {
	if err := c.Validate(subject, topic); err != nil {
		return nil, err
	}

	key := subject + "/" + topic

	c.mu.RLock()
	pool, ok := c.pools[key]
	c.mu.RUnlock()
	if ok {
		return pool, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		c.mu.RLock()
		pool, ok := c.pools[key]
		c.mu.RUnlock()
		if ok {
			return pool, nil
		}

		pool, err := c.loader.Load(ctx, subject, topic)
		if err != nil {
			return nil, fmt.Errorf("catalog: load %s: %w", key, err)
		}

		c.mu.Lock()
		c.pools[key] = pool
		c.mu.Unlock()

		return pool, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]domain.Question), nil
}

func unknownTopic(subject, topic string) error {
	return errors.New(errors.CodeInvalidArgument,
		errors.WithCause(domain.ErrUnknownTopic),
		errors.WithMessagef("unknown topic %s/%s", subject, topic))
}
