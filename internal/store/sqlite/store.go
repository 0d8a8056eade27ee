// Package sqlite implements store.Users on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/store"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Scores are stored as fixed-point integers with this many decimal places.
const scoreScale = 4

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.Users = (*Store)(nil)

// Open connects to the database at dsn, applies pragmas and creates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// SQLite serialises writers; one connection keeps transactions from
	// racing each other into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const (
	ensureUserStmt  = `INSERT INTO users (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING;`
	selectUserStmt  = `SELECT total_score, questions_answered, premium_until, is_admin FROM users WHERE user_id = ?;`
	selectStatsStmt = `SELECT subject, correct, total, timeout FROM subject_stats WHERE user_id = ?;`
)

func (s *Store) Get(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := s.inTx(ctx, func(tx *sql.Tx) (err error) {
		u, err = getUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return domain.User{}, unavailable("get user", err)
	}

	return u, nil
}

func (s *Store) Update(ctx context.Context, userID string, p domain.UserPatch) (domain.User, error) {
	var u domain.User
	err := s.inTx(ctx, func(tx *sql.Tx) (err error) {
		if _, err = tx.ExecContext(ctx, ensureUserStmt, userID); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		if p.IsAdmin != nil {
			if _, err = tx.ExecContext(ctx, `UPDATE users SET is_admin = ? WHERE user_id = ?;`, *p.IsAdmin, userID); err != nil {
				return fmt.Errorf("set admin: %w", err)
			}
		}

		switch {
		case p.ClearPremium:
			_, err = tx.ExecContext(ctx, `UPDATE users SET premium_until = NULL WHERE user_id = ?;`, userID)
		case p.PremiumUntil != nil:
			_, err = tx.ExecContext(ctx, `UPDATE users SET premium_until = ? WHERE user_id = ?;`, p.PremiumUntil.UnixMilli(), userID)
		}
		if err != nil {
			return fmt.Errorf("set premium: %w", err)
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
INSERT INTO users (user_id, questions_answered) VALUES (?, 1)
ON CONFLICT (user_id) DO UPDATE SET questions_answered = questions_answered + 1
RETURNING questions_answered;`

	var n int
	if err := s.db.QueryRowContext(ctx, stmt, userID).Scan(&n); err != nil {
		return 0, unavailable("increment questions answered", err)
	}

	return n, nil
}

func (s *Store) ApplyAttempt(ctx context.Context, userID string, a domain.Attempt) (domain.User, error) {
	const (
		updateUserStmt = `
UPDATE users SET
	total_score        = total_score + ?,
	questions_answered = questions_answered + ?
WHERE user_id = ?;`

		upsertStatsStmt = `
INSERT INTO subject_stats (user_id, subject, correct, total, timeout) VALUES (?, ?, ?, 1, ?)
ON CONFLICT (user_id, subject) DO UPDATE SET
	correct = correct + excluded.correct,
	total   = total + 1,
	timeout = timeout + excluded.timeout;`
	)

	var u domain.User
	err := s.inTx(ctx, func(tx *sql.Tx) (err error) {
		if _, err = tx.ExecContext(ctx, ensureUserStmt, userID); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		if _, err = tx.ExecContext(ctx, updateUserStmt, toFixed(a.Delta), boolToInt(a.Answered), userID); err != nil {
			return fmt.Errorf("update score: %w", err)
		}

		if _, err = tx.ExecContext(ctx, upsertStatsStmt, userID, a.Subject, boolToInt(a.Correct), boolToInt(a.Timeout)); err != nil {
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
INSERT INTO users (user_id, premium_until) VALUES (?1, ?2 + ?3)
ON CONFLICT (user_id) DO UPDATE SET
	premium_until = max(coalesce(premium_until, ?2), ?2) + ?3
RETURNING premium_until;`

	var until int64
	if err := s.db.QueryRowContext(ctx, stmt, userID, now.UnixMilli(), d.Milliseconds()).Scan(&until); err != nil {
		return time.Time{}, unavailable("extend premium", err)
	}

	return time.UnixMilli(until).UTC(), nil
}

func (s *Store) ClearExpiredPremium(ctx context.Context, userID string, now time.Time) (bool, error) {
	const stmt = `
UPDATE users SET premium_until = NULL
WHERE user_id = ? AND premium_until IS NOT NULL AND premium_until <= ?;`

	res, err := s.db.ExecContext(ctx, stmt, userID, now.UnixMilli())
	if err != nil {
		return false, unavailable("clear expired premium", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("clear expired premium", err)
	}

	return n > 0, nil
}

func (s *Store) ListScores(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, total_score FROM users;`)
	if err != nil {
		return nil, unavailable("list scores", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var (
			e     domain.LeaderboardEntry
			fixed int64
		)
		if err := rows.Scan(&e.UserID, &fixed); err != nil {
			return nil, unavailable("list scores", err)
		}
		e.Score = fromFixed(fixed).InexactFloat64()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list scores", err)
	}

	return entries, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback())
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func getUser(ctx context.Context, tx *sql.Tx, userID string) (domain.User, error) {
	if _, err := tx.ExecContext(ctx, ensureUserStmt, userID); err != nil {
		return domain.User{}, fmt.Errorf("ensure user: %w", err)
	}

	var (
		u       = domain.NewUser(userID)
		fixed   int64
		premium sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx, selectUserStmt, userID).Scan(&fixed, &u.QuestionsAnswered, &premium, &u.IsAdmin); err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	u.TotalScore = fromFixed(fixed)
	if premium.Valid {
		until := time.UnixMilli(premium.Int64).UTC()
		u.PremiumUntil = &until
	}

	rows, err := tx.QueryContext(ctx, selectStatsStmt, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("select subject stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			subject string
			st      domain.SubjectStats
		)
		if err := rows.Scan(&subject, &st.Correct, &st.Total, &st.Timeout); err != nil {
			return domain.User{}, fmt.Errorf("scan subject stats: %w", err)
		}
		u.SubjectStats[subject] = st
	}

	return u, rows.Err()
}

func toFixed(d decimal.Decimal) int64 {
	return d.Shift(scoreScale).Round(0).IntPart()
}

func fromFixed(n int64) decimal.Decimal {
	return decimal.New(n, -scoreScale)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sqlite: %s: %w", op, stderrors.Join(domain.ErrStoreUnavailable, err))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
