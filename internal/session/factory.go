package session

import (
	"context"
	"strings"
)

// NewStore picks the session backend: PostgreSQL when databaseURL is set,
// SQLite when sqlitePath is set, otherwise in-memory. The returned mode names
// the chosen backend for health reporting.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		st, err := NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewInMemoryStore(), "in-memory", nil
}
