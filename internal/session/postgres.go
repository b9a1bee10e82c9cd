package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/scribe/internal/apperr"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			session_title VARCHAR(255) NOT NULL,
			audio_file_path VARCHAR(255) NOT NULL DEFAULT '',
			transcription_text TEXT NOT NULL DEFAULT '',
			transcription_expires_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions (created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_transcription_expires
			ON sessions (transcription_expires_at) WHERE transcription_expires_at IS NOT NULL;`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const selectSessionColumns = `SELECT id, session_title, audio_file_path, transcription_text,
	transcription_expires_at, created_at FROM sessions`

func (s *PostgresStore) Create(ctx context.Context, title string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(title),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, session_title, created_at) VALUES ($1, $2, $3)`,
		sess.ID, sess.Title, sess.CreatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w: %w", apperr.ErrStorage, err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, selectSessionColumns+` WHERE id=$1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
		}
		return Session{}, fmt.Errorf("get session: %w: %w", apperr.ErrStorage, err)
	}
	return sess, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectSessionColumns+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, id, title string) (Session, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET session_title=$2 WHERE id=$1`, id, normalizeTitle(title))
	if err != nil {
		return Session{}, fmt.Errorf("update session title: %w: %w", apperr.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return Session{}, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w: %w", apperr.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AttachAudio(ctx context.Context, id, path string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET audio_file_path=$2
		WHERE id=$1 AND audio_file_path='' AND transcription_text=''`,
		id, path,
	)
	if err != nil {
		return fmt.Errorf("attach audio: %w: %w", apperr.ErrStorage, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return attachConflict(sess)
}

func (s *PostgresStore) DetachAudio(ctx context.Context, id, path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET audio_file_path='' WHERE id=$1 AND audio_file_path=$2`,
		id, path,
	)
	if err != nil {
		return fmt.Errorf("detach audio: %w: %w", apperr.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) CompleteTranscription(ctx context.Context, id string, c Completion) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET
			transcription_text=$2,
			transcription_expires_at=$3,
			audio_file_path='',
			session_title = CASE
				WHEN $4::text <> '' AND (session_title = '' OR session_title = $5::text) THEN $4::text
				ELSE session_title
			END
		 WHERE id=$1`,
		id, c.Text, c.ExpiresAt.UTC(), strings.TrimSpace(c.Title), DefaultTitle,
	)
	if err != nil {
		return fmt.Errorf("complete transcription: %w: %w", apperr.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w: %w", apperr.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET transcription_text='', transcription_expires_at=NULL
		 WHERE transcription_expires_at <= $1 AND transcription_text <> ''`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired transcripts: %w: %w", apperr.ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w: %w", apperr.ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess            Session
		expiresNullable *time.Time
	)
	if err := row.Scan(
		&sess.ID,
		&sess.Title,
		&sess.AudioFilePath,
		&sess.TranscriptionText,
		&expiresNullable,
		&sess.CreatedAt,
	); err != nil {
		return Session{}, err
	}
	sess.TranscriptionExpiresAt = expiresNullable
	return sess, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
