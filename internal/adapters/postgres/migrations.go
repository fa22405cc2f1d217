package postgres

import (
	"context"
	"fmt"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    subject_id TEXT PRIMARY KEY,
    points     BIGINT NOT NULL DEFAULT 0,
    rank       TEXT NOT NULL DEFAULT '',
    version    BIGINT NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_board ON ledger_entries(points DESC, subject_id ASC);

CREATE TABLE IF NOT EXISTS point_grants (
    id         BIGSERIAL PRIMARY KEY,
    subject_id TEXT NOT NULL REFERENCES ledger_entries(subject_id) ON DELETE CASCADE,
    rule       TEXT NOT NULL,
    amount     BIGINT NOT NULL,
    category   TEXT NOT NULL DEFAULT '',
    event_name TEXT NOT NULL,
    event_id   TEXT NOT NULL DEFAULT '',
    granted_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_point_grants_subject ON point_grants(subject_id, id);

CREATE TABLE IF NOT EXISTS badge_grants (
    subject_id TEXT NOT NULL REFERENCES ledger_entries(subject_id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    level      INTEGER NOT NULL,
    rule       TEXT NOT NULL,
    event_name TEXT NOT NULL,
    event_id   TEXT NOT NULL DEFAULT '',
    granted_at TIMESTAMP WITH TIME ZONE NOT NULL,
    PRIMARY KEY (subject_id, name, level)
);
`

// Migrate creates the ledger schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return nil
}
