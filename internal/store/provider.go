package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// DataBackendType identifies the local persistence backend
type DataBackendType string

const (
	BackendSQLite DataBackendType = "sqlite"
	BackendTurso  DataBackendType = "turso"
	BackendBadger DataBackendType = "badger"
)

// DataBackend opens a KV on some storage engine
type DataBackend interface {
	// Type returns the backend type
	Type() DataBackendType

	// Open establishes the connection and prepares the schema
	Open() (KV, error)

	// Description returns a human-readable description
	Description() string
}

// Config holds the local store configuration
type Config struct {
	Backend DataBackendType `json:"backend"`

	// SQLite-specific
	SQLitePath string `json:"sqlitePath,omitempty"` // e.g., "./timrs.db" or ":memory:"

	// Turso-specific
	TursoURL   string `json:"tursoUrl,omitempty"`   // e.g., "libsql://mydb.turso.io"
	TursoToken string `json:"tursoToken,omitempty"` // Auth token

	// Badger-specific
	BadgerPath string `json:"badgerPath,omitempty"` // directory, empty for in-memory
}

// NewDataBackend creates a DataBackend from Config
func NewDataBackend(cfg Config) (DataBackend, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return &SQLiteBackend{Path: cfg.SQLitePath}, nil
	case BackendTurso:
		return &TursoBackend{URL: cfg.TursoURL, Token: cfg.TursoToken}, nil
	case BackendBadger:
		return &BadgerBackend{Path: cfg.BadgerPath}, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// SQLiteBackend implements DataBackend for local SQLite
type SQLiteBackend struct {
	Path string // File path or ":memory:" for in-memory
}

func (b *SQLiteBackend) Type() DataBackendType {
	return BackendSQLite
}

func (b *SQLiteBackend) Open() (KV, error) {
	path := b.Path
	if path == "" {
		path = "timrs.db"
	}
	dsn := path
	if !isMemoryPath(path) && !strings.Contains(path, "?") {
		// Sync queue writes may overlap entity writes on another connection.
		dsn = path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if isMemoryPath(path) {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return newSQLKV(db)
}

func (b *SQLiteBackend) Description() string {
	if isMemoryPath(b.Path) {
		return "SQLite (in-memory)"
	}
	return fmt.Sprintf("SQLite (%s)", b.Path)
}

func isMemoryPath(p string) bool {
	return p == ":memory:" || p == "file::memory:"
}

// TursoBackend implements DataBackend for Turso cloud database
type TursoBackend struct {
	URL   string // libsql://mydb.turso.io
	Token string // Auth token
}

func (b *TursoBackend) Type() DataBackendType {
	return BackendTurso
}

func (b *TursoBackend) Open() (KV, error) {
	db, err := OpenTurso(b.URL, b.Token)
	if err != nil {
		return nil, err
	}
	return newSQLKV(db)
}

func (b *TursoBackend) Description() string {
	return fmt.Sprintf("Turso (%s)", b.URL)
}

// OpenTurso opens a libsql connection, appending the auth token when set.
func OpenTurso(url, token string) (*sql.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("turso URL is required")
	}
	connStr := url
	if token != "" {
		connStr = url + "?authToken=" + token
	}
	return sql.Open("libsql", connStr)
}

// BadgerBackend implements DataBackend for an embedded Badger directory
type BadgerBackend struct {
	Path string // empty runs in memory
}

func (b *BadgerBackend) Type() DataBackendType {
	return BackendBadger
}

func (b *BadgerBackend) Open() (KV, error) {
	opts := badger.DefaultOptions(b.Path).WithLogger(nil)
	if b.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerKV{db: db}, nil
}

func (b *BadgerBackend) Description() string {
	if b.Path == "" {
		return "Badger (in-memory)"
	}
	return fmt.Sprintf("Badger (%s)", b.Path)
}

// SupportedBackends returns a list of all supported backend types
func SupportedBackends() []DataBackendType {
	return []DataBackendType{
		BackendSQLite,
		BackendTurso,
		BackendBadger,
	}
}
