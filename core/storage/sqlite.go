package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Pure-Go SQLite driver, registers "sqlite".
	_ "modernc.org/sqlite"

	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
)

const sqliteSchemaVersion = 1

// SQLite stores one row per session and commits every save in a single transaction,
// so concurrent processes sharing the database never observe a partial collection.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("%w: sqlite backend requires a path", ErrUnsupported)
	}
	db, err := sql.Open("sqlite", trimmedPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if trimmedPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store := &SQLite{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	const statements = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			document TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE TABLE IF NOT EXISTS collection_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, statements); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		sqliteSchemaVersion,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context) (schemasession.Collection, error) {
	collection := schemasession.NewCollection()
	meta, err := s.readMeta(ctx)
	if err != nil {
		return schemasession.Collection{}, err
	}
	if len(meta) == 0 {
		return collection, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, document FROM sessions ORDER BY id")
	if err != nil {
		return schemasession.Collection{}, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var id string
		var document string
		if err := rows.Scan(&id, &document); err != nil {
			return schemasession.Collection{}, fmt.Errorf("scan session: %w", err)
		}
		var record schemasession.Session
		if err := json.Unmarshal([]byte(document), &record); err != nil {
			return schemasession.Collection{}, fmt.Errorf("%w: parse session %s: %v", ErrCorrupt, id, err)
		}
		collection.Sessions[id] = record
	}
	if err := rows.Err(); err != nil {
		return schemasession.Collection{}, fmt.Errorf("iterate sessions: %w", err)
	}

	collection.Digest = meta["digest"]
	if updatedAt, parseErr := time.Parse(time.RFC3339Nano, meta["updated_at"]); parseErr == nil {
		collection.UpdatedAt = updatedAt.UTC()
	}
	if err := Verify(collection); err != nil {
		return schemasession.Collection{}, err
	}
	return collection, nil
}

func (s *SQLite) Save(ctx context.Context, collection schemasession.Collection) (err error) {
	sealed, err := Seal(collection, s.now())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	statement, err := tx.PrepareContext(ctx, "INSERT INTO sessions (id, user_id, state, updated_at, document) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() {
		_ = statement.Close()
	}()
	for id, record := range sealed.Sessions {
		document, encodeErr := json.Marshal(record)
		if encodeErr != nil {
			err = fmt.Errorf("encode session %s: %w", id, encodeErr)
			return err
		}
		if _, err = statement.ExecContext(ctx, id, record.UserID, string(record.State), record.UpdatedAt.UTC().Format(time.RFC3339Nano), string(document)); err != nil {
			return fmt.Errorf("insert session %s: %w", id, err)
		}
	}
	for key, value := range map[string]string{
		"digest":         sealed.Digest,
		"updated_at":     sealed.UpdatedAt.Format(time.RFC3339Nano),
		"schema_version": sealed.SchemaVersion,
	} {
		if _, err = tx.ExecContext(ctx, "INSERT INTO collection_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value); err != nil {
			return fmt.Errorf("write collection meta: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) readMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM collection_meta")
	if err != nil {
		return nil, fmt.Errorf("query collection meta: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	meta := map[string]string{}
	for rows.Next() {
		var key string
		var value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan collection meta: %w", err)
		}
		meta[key] = value
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate collection meta: %w", err)
	}
	return meta, nil
}
