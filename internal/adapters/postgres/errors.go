package postgres

import "errors"

// Sentinel errors for the postgres store.
var (
	ErrMigrationFailed = errors.New("postgres: migration failed")
	ErrEmptyDSN        = errors.New("postgres: empty dsn")
)
