package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/leaderboard"
	"github.com/victornm/prepquiz/internal/practice"
	"github.com/victornm/prepquiz/internal/store"
	"github.com/victornm/prepquiz/internal/store/postgres"
	"github.com/victornm/prepquiz/internal/store/sqlite"
	"github.com/victornm/prepquiz/internal/telemetry"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// openStore connects the configured user store. The returned func releases it.
func openStore(ctx context.Context, c Config, migrate bool) (store.Users, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch c.Store.Driver {
	case DriverPostgres:
		if migrate {
			if err := postgres.Migrate(ctx, c.postgresDSN()); err != nil {
				return nil, nil, err
			}
		}

		cc, err := pgxpool.ParseConfig(c.postgresDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: parse config: %w", err)
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: connect: %w", err)
		}

		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres: ping: %w", err)
		}

		return postgres.New(postgres.Config{DB: db}), db.Close, nil

	case DriverSQLite:
		s, err := sqlite.Open(ctx, c.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}

		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("server: close sqlite failed", "error", err)
			}
		}, nil

	case DriverMemory:
		slog.WarnContext(ctx, "server: using the in-memory user store, nothing survives a restart")
		return store.NewMemory(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
}

func connectRedis(ctx context.Context, c RedisConfig) (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Addrs,
		Password: c.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Migrate brings the configured store's schema up to date.
func Migrate(ctx context.Context, c Config) error {
	switch c.Store.Driver {
	case DriverPostgres:
		return postgres.Migrate(ctx, c.postgresDSN())
	case DriverSQLite:
		// The sqlite schema is applied on open.
		s, err := sqlite.Open(ctx, c.SQLite.Path)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "server: sqlite schema is up to date", "path", c.SQLite.Path)
		return s.Close()
	case DriverMemory:
		slog.InfoContext(ctx, "server: the memory store has no schema")
		return nil
	}

	return fmt.Errorf("unknown store driver %q", c.Store.Driver)
}

// RebuildLeaderboard reloads the Redis leaderboard from the user store.
func RebuildLeaderboard(ctx context.Context, c Config) (int, error) {
	users, release, err := openStore(ctx, c, false)
	if err != nil {
		return 0, fmt.Errorf("server: open store: %w", err)
	}
	defer release()

	r, err := connectRedis(ctx, c.Redis.Leaderboard)
	if err != nil {
		return 0, fmt.Errorf("server: redis: %w", err)
	}
	defer r.Close()

	eb := event.NewBus()
	defer eb.Stop()

	ps := practice.NewService(practice.Config{
		Users: users,
		Leaderboard: leaderboard.NewService(leaderboard.Config{
			EventBus: eb,
			Redis:    r,
			Prefix:   c.Redis.Leaderboard.Prefix,
			Size:     c.Leaderboard.Size,
		}),
	})

	return ps.RebuildLeaderboard(ctx)
}
