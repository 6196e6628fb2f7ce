package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"timrs/internal/models"
	"timrs/internal/store"
)

// SQLStore keeps documents in one table on SQLite or Turso.
type SQLStore struct {
	db   *sql.DB
	name string
}

// OpenSQLite opens a document store in a local SQLite file.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		path = "remote.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return NewSQLStore(db, "sqlite")
}

// OpenTurso opens a document store on a Turso database.
func OpenTurso(url, token string) (*SQLStore, error) {
	db, err := store.OpenTurso(url, token)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, "turso")
}

// NewSQLStore prepares the documents table on db.
func NewSQLStore(db *sql.DB, name string) (*SQLStore, error) {
	s := &SQLStore{db: db, name: name}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		user_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, collection, doc_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

func (s *SQLStore) Name() string { return s.name }

func (s *SQLStore) Upsert(ctx context.Context, userID string, coll models.Collection, docID string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (user_id, collection, doc_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, collection, doc_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, userID, string(coll), docID, string(data), time.Now().UnixMilli())
	return err
}

func (s *SQLStore) Delete(ctx context.Context, userID string, coll models.Collection, docID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE user_id = ? AND collection = ? AND doc_id = ?`,
		userID, string(coll), docID)
	return err
}

func (s *SQLStore) Get(ctx context.Context, userID string, coll models.Collection, docID string) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE user_id = ? AND collection = ? AND doc_id = ?`,
		userID, string(coll), docID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *SQLStore) List(ctx context.Context, userID string, coll models.Collection, opts ListOptions) ([]json.RawMessage, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var q strings.Builder
	args := []any{userID, string(coll)}
	q.WriteString(`SELECT data FROM documents WHERE user_id = ? AND collection = ?`)
	if opts.WhereField != "" {
		q.WriteString(` AND json_extract(data, '$.` + opts.WhereField + `') = ?`)
		args = append(args, opts.WhereValue)
	}
	if opts.OrderBy != "" {
		q.WriteString(` ORDER BY json_extract(data, '$.` + opts.OrderBy + `')`)
		if opts.Desc {
			q.WriteString(` DESC`)
		}
	} else {
		q.WriteString(` ORDER BY doc_id`)
	}
	if opts.Limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		docs = append(docs, json.RawMessage(data))
	}
	return docs, rows.Err()
}

func (s *SQLStore) DeleteAllUnderUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE user_id = ?`, userID)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
