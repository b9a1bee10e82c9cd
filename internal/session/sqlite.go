package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ent0n29/scribe/internal/apperr"
)

// SQLiteStore persists sessions in a single SQLite file. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
	create table if not exists sessions (
		id text primary key not null,
		session_title text not null,
		audio_file_path text not null default '',
		transcription_text text not null default '',
		transcription_expires_at integer,
		created_at integer not null
	);
	create index if not exists idx_sessions_created on sessions (created_at);
	create index if not exists idx_sessions_transcription_expires on sessions (transcription_expires_at);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const selectSQLiteColumns = `select id, session_title, audio_file_path, transcription_text,
	transcription_expires_at, created_at from sessions`

func (s *SQLiteStore) Create(ctx context.Context, title string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(title),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx,
		`insert into sessions (id, session_title, created_at) values (?, ?, ?)`,
		sess.ID, sess.Title, sess.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("persisting session into sqlite: %w: %w", apperr.ErrStorage, err)
	}
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, selectSQLiteColumns+` where id = ?`, id)
	sess, err := scanSQLiteSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
		}
		return Session{}, fmt.Errorf("get session: %w: %w", apperr.ErrStorage, err)
	}
	return sess, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectSQLiteColumns+` order by created_at desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", apperr.ErrStorage, err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
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

func (s *SQLiteStore) UpdateTitle(ctx context.Context, id, title string) (Session, error) {
	res, err := s.db.ExecContext(ctx, `update sessions set session_title = ? where id = ?`, normalizeTitle(title), id)
	if err != nil {
		return Session{}, fmt.Errorf("update session title: %w: %w", apperr.ErrStorage, err)
	}
	if err := expectRow(res, id); err != nil {
		return Session{}, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w: %w", apperr.ErrStorage, err)
	}
	return expectRow(res, id)
}

func (s *SQLiteStore) AttachAudio(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set audio_file_path = ?
		where id = ? and audio_file_path = '' and transcription_text = ''`,
		path, id,
	)
	if err != nil {
		return fmt.Errorf("attach audio: %w: %w", apperr.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w: %w", apperr.ErrStorage, err)
	}
	if n == 1 {
		return nil
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return attachConflict(sess)
}

func (s *SQLiteStore) DetachAudio(ctx context.Context, id, path string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set audio_file_path = '' where id = ? and audio_file_path = ?`,
		id, path,
	)
	if err != nil {
		return fmt.Errorf("detach audio: %w: %w", apperr.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) CompleteTranscription(ctx context.Context, id string, c Completion) error {
	title := strings.TrimSpace(c.Title)
	res, err := s.db.ExecContext(ctx, `
		update sessions set
			transcription_text = ?,
			transcription_expires_at = ?,
			audio_file_path = '',
			session_title = case
				when ? <> '' and (session_title = '' or session_title = ?) then ?
				else session_title
			end
		where id = ?`,
		c.Text, c.ExpiresAt.UTC().UnixMilli(), title, DefaultTitle, title, id,
	)
	if err != nil {
		return fmt.Errorf("complete transcription: %w: %w", apperr.ErrStorage, err)
	}
	return expectRow(res, id)
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge expired: begin trx: %w: %w", apperr.ErrStorage, err)
	}
	res, err := tx.ExecContext(ctx, `
		update sessions
		set transcription_text = '', transcription_expires_at = null
		where transcription_expires_at <= ? and transcription_text <> ''`,
		now.UTC().UnixMilli(),
	)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return 0, fmt.Errorf("rollback purge expired: %w", rbErr)
		}
		return 0, fmt.Errorf("purge expired transcripts: %w: %w", apperr.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("rows affected: %w: %w", apperr.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge expired: commiting: %w: %w", apperr.ErrStorage, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row sqliteScanner) (Session, error) {
	var (
		sess      Session
		expiresMS sql.NullInt64
		createdMS int64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.Title,
		&sess.AudioFilePath,
		&sess.TranscriptionText,
		&expiresMS,
		&createdMS,
	); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = time.UnixMilli(createdMS).UTC()
	if expiresMS.Valid {
		t := time.UnixMilli(expiresMS.Int64).UTC()
		sess.TranscriptionExpiresAt = &t
	}
	return sess, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w: %w", apperr.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
