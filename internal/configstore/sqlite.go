package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS upstream_servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	transport TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	args_json TEXT NOT NULL DEFAULT '[]',
	url TEXT NOT NULL DEFAULT '',
	headers_json TEXT NOT NULL DEFAULT '{}',
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore persists ServerConfig records in SQLite so session ids and
// connection status survive a process restart.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLiteStore, func() error, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

// NewSQLiteStore wraps an existing *sql.DB, applying the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite db is nil")
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (ServerConfig, error) {
	return s.scanRow(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetByName(ctx context.Context, name string) (ServerConfig, error) {
	return s.scanRow(ctx, "name = ?", name)
}

func (s *SQLiteStore) scanRow(ctx context.Context, where, arg string) (ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, transport, command, args_json, url, headers_json, session_id, status, access_token
		FROM upstream_servers WHERE `+where, arg)

	var cfg ServerConfig
	var argsJSON, headersJSON, status string
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Transport, &cfg.Command, &argsJSON, &cfg.URL, &headersJSON, &cfg.SessionID, &status, &cfg.AccessToken); err != nil {
		if err == sql.ErrNoRows {
			return ServerConfig{}, ErrNotFound
		}
		return ServerConfig{}, fmt.Errorf("scan server config: %w", err)
	}
	cfg.Status = Status(status)
	if err := json.Unmarshal([]byte(argsJSON), &cfg.Args); err != nil {
		return ServerConfig{}, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &cfg.Headers); err != nil {
		return ServerConfig{}, fmt.Errorf("decode headers: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) Update(ctx context.Context, cfg ServerConfig) error {
	argsJSON, err := json.Marshal(cfg.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	headersJSON, err := json.Marshal(cfg.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upstream_servers (id, name, transport, command, args_json, url, headers_json, session_id, status, access_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			transport = excluded.transport,
			command = excluded.command,
			args_json = excluded.args_json,
			url = excluded.url,
			headers_json = excluded.headers_json,
			session_id = excluded.session_id,
			status = excluded.status,
			access_token = excluded.access_token
	`, cfg.ID, cfg.Name, cfg.Transport, cfg.Command, string(argsJSON), cfg.URL, string(headersJSON), cfg.SessionID, string(cfg.Status), cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("update server config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, transport, command, args_json, url, headers_json, session_id, status, access_token
		FROM upstream_servers`)
	if err != nil {
		return nil, fmt.Errorf("list server configs: %w", err)
	}
	defer rows.Close()

	var out []ServerConfig
	for rows.Next() {
		var cfg ServerConfig
		var argsJSON, headersJSON, status string
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Transport, &cfg.Command, &argsJSON, &cfg.URL, &headersJSON, &cfg.SessionID, &status, &cfg.AccessToken); err != nil {
			return nil, fmt.Errorf("scan server config: %w", err)
		}
		cfg.Status = Status(status)
		_ = json.Unmarshal([]byte(argsJSON), &cfg.Args)
		_ = json.Unmarshal([]byte(headersJSON), &cfg.Headers)
		out = append(out, cfg)
	}
	return out, rows.Err()
}
