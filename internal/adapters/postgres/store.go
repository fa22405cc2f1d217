// Package postgres implements the ledger Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/domain/model"
)

const uniqueViolation = "23505"

// Store is a ledger.Store backed by a pgx connection pool. Version checks
// and badge uniqueness are enforced by the database, so several engine
// processes may share one database.
type Store struct {
	pool *pgxpool.Pool

	// afterEntryRead runs inside Load between the entry and grant queries.
	afterEntryRead func(ctx context.Context)
}

var _ ledger.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse dsn: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// snapshotTx reads one subject as of a single database snapshot.
var snapshotTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Load implements ledger.Store. The entry, its grants and its badges come
// from one repeatable-read transaction, so they always belong to the same
// version.
func (s *Store) Load(ctx context.Context, subjectID string) (model.Entry, error) {
	e := model.Entry{SubjectID: subjectID}
	err := pgx.BeginTxFunc(ctx, s.pool, snapshotTx, func(tx pgx.Tx) error {
		var err error
		e, err = s.loadTx(ctx, tx, subjectID)
		return err
	})
	if err != nil {
		return model.Entry{}, err
	}
	return e, nil
}

func (s *Store) loadTx(ctx context.Context, tx pgx.Tx, subjectID string) (model.Entry, error) {
	e := model.Entry{SubjectID: subjectID}
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT points, rank, version, updated_at FROM ledger_entries WHERE subject_id = $1`,
		subjectID,
	).Scan(&e.Points, &e.Rank, &version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		e.Rank = model.Unranked
		return e, nil
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("postgres: load entry: %w", err)
	}
	e.Version = uint64(version)
	if s.afterEntryRead != nil {
		s.afterEntryRead(ctx)
	}

	rows, err := tx.Query(ctx,
		`SELECT rule, amount, category, event_name, event_id, granted_at
		   FROM point_grants WHERE subject_id = $1 ORDER BY id`, subjectID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("postgres: load grants: %w", err)
	}
	e.Grants, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PointGrant, error) {
		var g model.PointGrant
		err := row.Scan(&g.Rule, &g.Amount, &g.Category, &g.EventName, &g.EventID, &g.GrantedAt)
		return g, err
	})
	if err != nil {
		return model.Entry{}, fmt.Errorf("postgres: scan grants: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT name, level FROM badge_grants WHERE subject_id = $1 ORDER BY name, level`, subjectID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("postgres: load badges: %w", err)
	}
	e.Badges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BadgeKey, error) {
		var k model.BadgeKey
		err := row.Scan(&k.Name, &k.Level)
		return k, err
	})
	if err != nil {
		return model.Entry{}, fmt.Errorf("postgres: scan badges: %w", err)
	}
	return e, nil
}

// Commit implements ledger.Store in one transaction. The entry row is
// written with a version predicate; a missed predicate or a duplicate badge
// key surfaces as ledger.ErrConcurrentModification.
func (s *Store) Commit(ctx context.Context, c ledger.Commit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var tag pgconn.CommandTag
		var err error
		if c.BaseVersion == 0 {
			tag, err = tx.Exec(ctx,
				`INSERT INTO ledger_entries (subject_id, points, rank, version, updated_at)
				 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (subject_id) DO NOTHING`,
				c.SubjectID, c.Entry.Points, c.Entry.Rank, int64(c.Entry.Version), c.Entry.UpdatedAt)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE ledger_entries SET points = $2, rank = $3, version = $4, updated_at = $5
				  WHERE subject_id = $1 AND version = $6`,
				c.SubjectID, c.Entry.Points, c.Entry.Rank, int64(c.Entry.Version), c.Entry.UpdatedAt, int64(c.BaseVersion))
		}
		if err != nil {
			return fmt.Errorf("postgres: write entry: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ledger.ErrConcurrentModification
		}

		batch := &pgx.Batch{}
		for _, g := range c.Points {
			batch.Queue(`INSERT INTO point_grants (subject_id, rule, amount, category, event_name, event_id, granted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.SubjectID, g.Rule, g.Amount, g.Category, g.EventName, g.EventID, grantTime(g.GrantedAt, c.Entry.UpdatedAt))
		}
		for _, b := range c.Badges {
			batch.Queue(`INSERT INTO badge_grants (subject_id, name, level, rule, event_name, event_id, granted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.SubjectID, b.Name, b.Level, b.Rule, b.EventName, b.EventID, grantTime(b.GrantedAt, c.Entry.UpdatedAt))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ledger.ErrConcurrentModification
			}
			return fmt.Errorf("postgres: write grants: %w", err)
		}
		return nil
	})
}

func grantTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// TopN implements ledger.Store.
func (s *Store) TopN(ctx context.Context, n int) ([]ledger.Standing, error) {
	if n < 1 {
		return nil, ledger.ErrInvalidLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT RANK() OVER (ORDER BY e.points DESC)::int, e.subject_id, e.points, e.rank,
		       (SELECT COUNT(*) FROM badge_grants b WHERE b.subject_id = e.subject_id)::int
		  FROM ledger_entries e
		 ORDER BY e.points DESC, e.subject_id ASC
		 LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: top n: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanStanding)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan top n: %w", err)
	}
	return out, nil
}

// Standing implements ledger.Store.
func (s *Store) Standing(ctx context.Context, subjectID string) (ledger.Standing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT (SELECT COUNT(*) FROM ledger_entries o WHERE o.points > e.points)::int + 1,
		       e.subject_id, e.points, e.rank,
		       (SELECT COUNT(*) FROM badge_grants b WHERE b.subject_id = e.subject_id)::int
		  FROM ledger_entries e
		 WHERE e.subject_id = $1`, subjectID)
	if err != nil {
		return ledger.Standing{}, fmt.Errorf("postgres: standing: %w", err)
	}
	st, err := pgx.CollectOneRow(rows, scanStanding)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Standing{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Standing{}, fmt.Errorf("postgres: scan standing: %w", err)
	}
	return st, nil
}

func scanStanding(row pgx.CollectableRow) (ledger.Standing, error) {
	var st ledger.Standing
	err := row.Scan(&st.Position, &st.SubjectID, &st.Points, &st.Rank, &st.Badges)
	return st, err
}

// Count implements ledger.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return n, nil
}
