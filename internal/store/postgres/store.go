// Package postgres implements store.Users on PostgreSQL with pgx.
package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/store"
	"github.com/victornm/prepquiz/internal/store/postgres/migrations"
)

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

var _ store.Users = (*Store)(nil)

func New(c Config) *Store {
	return &Store{db: c.DB}
}

// Migrate applies all pending schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("postgres: init migrator: %w", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "postgres: schema is up to date")
	} else {
		slog.InfoContext(ctx, "postgres: migrated", "group", group.String())
	}

	return nil
}

const (
	ensureUserStmt = `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING;`

	selectUserStmt = `
SELECT total_score, questions_answered, premium_until, is_admin
FROM users
WHERE user_id = $1;`

	selectStatsStmt = `SELECT subject, correct, total, timeout FROM subject_stats WHERE user_id = $1;`
)

func (s *Store) Get(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := s.inTx(ctx, func(tx pgx.Tx) (err error) {
		u, err = getUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return domain.User{}, unavailable("get user", err)
	}

	return u, nil
}

func (s *Store) Update(ctx context.Context, userID string, p domain.UserPatch) (domain.User, error) {
	const stmt = `
UPDATE users SET
	is_admin      = COALESCE($2, is_admin),
	premium_until = CASE WHEN $3 THEN NULL ELSE premium_until END
WHERE user_id = $1;`

	const setPremiumStmt = `UPDATE users SET premium_until = $2 WHERE user_id = $1;`

	var u domain.User
	err := s.inTx(ctx, func(tx pgx.Tx) (err error) {
		if _, err = tx.Exec(ctx, ensureUserStmt, userID); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		if _, err = tx.Exec(ctx, stmt, userID, p.IsAdmin, p.ClearPremium); err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		if p.PremiumUntil != nil {
			if _, err = tx.Exec(ctx, setPremiumStmt, userID, *p.PremiumUntil); err != nil {
				return fmt.Errorf("set premium: %w", err)
			}
		}

		u, err = getUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return domain.User{}, unavailable("update user", err)
	}

	return u, nil
}

func (s *Store) IncrementQuestionsAnswered(ctx context.Context, userID string) (int, error) {
	const stmt = `
INSERT INTO users (user_id, questions_answered) VALUES ($1, 1)
ON CONFLICT (user_id) DO UPDATE SET questions_answered = users.questions_answered + 1
RETURNING questions_answered;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, userID).Scan(&n); err != nil {
		return 0, unavailable("increment questions answered", err)
	}

	return n, nil
}

func (s *Store) ApplyAttempt(ctx context.Context, userID string, a domain.Attempt) (domain.User, error) {
	const (
		updateUserStmt = `
UPDATE users SET
	total_score        = total_score + $2,
	questions_answered = questions_answered + $3
WHERE user_id = $1;`

		upsertStatsStmt = `
INSERT INTO subject_stats (user_id, subject, correct, total, timeout) VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (user_id, subject) DO UPDATE SET
	correct = subject_stats.correct + EXCLUDED.correct,
	total   = subject_stats.total + 1,
	timeout = subject_stats.timeout + EXCLUDED.timeout;`
	)

	var u domain.User
	err := s.inTx(ctx, func(tx pgx.Tx) (err error) {
		if _, err = tx.Exec(ctx, ensureUserStmt, userID); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		if _, err = tx.Exec(ctx, updateUserStmt, userID, a.Delta, boolToInt(a.Answered)); err != nil {
			return fmt.Errorf("update score: %w", err)
		}

		if _, err = tx.Exec(ctx, upsertStatsStmt, userID, a.Subject, boolToInt(a.Correct), boolToInt(a.Timeout)); err != nil {
			return fmt.Errorf("update subject stats: %w", err)
		}

		u, err = getUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return domain.User{}, unavailable("apply attempt", err)
	}

	return u, nil
}

func (s *Store) ExtendPremium(ctx context.Context, userID string, d time.Duration, now time.Time) (time.Time, error) {
	const stmt = `
INSERT INTO users (user_id, premium_until) VALUES ($1, $2::timestamptz + $3::double precision * INTERVAL '1 second')
ON CONFLICT (user_id) DO UPDATE SET
	premium_until = GREATEST(COALESCE(users.premium_until, $2::timestamptz), $2::timestamptz) + $3::double precision * INTERVAL '1 second'
RETURNING premium_until;`

	var until time.Time
	if err := s.db.QueryRow(ctx, stmt, userID, now, d.Seconds()).Scan(&until); err != nil {
		return time.Time{}, unavailable("extend premium", err)
	}

	return until, nil
}

func (s *Store) ClearExpiredPremium(ctx context.Context, userID string, now time.Time) (bool, error) {
	const stmt = `
UPDATE users SET premium_until = NULL
WHERE user_id = $1 AND premium_until IS NOT NULL AND premium_until <= $2;`

	tag, err := s.db.Exec(ctx, stmt, userID, now)
	if err != nil {
		return false, unavailable("clear expired premium", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListScores(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, total_score FROM users;`)
	if err != nil {
		return nil, unavailable("list scores", err)
	}

	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
		var (
			e     domain.LeaderboardEntry
			score decimal.Decimal
		)
		if err := r.Scan(&e.UserID, &score); err != nil {
			return domain.LeaderboardEntry{}, err
		}
		e.Score = score.InexactFloat64()
		return e, nil
	})
	if err != nil {
		return nil, unavailable("list scores", err)
	}

	return entries, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func getUser(ctx context.Context, tx pgx.Tx, userID string) (domain.User, error) {
	if _, err := tx.Exec(ctx, ensureUserStmt, userID); err != nil {
		return domain.User{}, fmt.Errorf("ensure user: %w", err)
	}

	u := domain.NewUser(userID)
	if err := tx.QueryRow(ctx, selectUserStmt, userID).Scan(&u.TotalScore, &u.QuestionsAnswered, &u.PremiumUntil, &u.IsAdmin); err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}

	rows, err := tx.Query(ctx, selectStatsStmt, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("select subject stats: %w", err)
	}

	var (
		subject string
		st      domain.SubjectStats
	)
	_, err = pgx.ForEachRow(rows, []any{&subject, &st.Correct, &st.Total, &st.Timeout}, func() error {
		u.SubjectStats[subject] = st
		return nil
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("scan subject stats: %w", err)
	}

	return u, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w", op, stderrors.Join(domain.ErrStoreUnavailable, err))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
