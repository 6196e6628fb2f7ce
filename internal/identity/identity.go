// Package identity resolves the anonymous user id that namespaces remote
// documents. The id is created on first use and persisted in the data dir.
package identity

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"timrs/internal/apperr"
	"timrs/internal/logging"
)

const fileName = "identity.json"

// Identity is the persisted anonymous account.
type Identity struct {
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	IsAnonymous bool      `json:"is_anonymous"`
}

// Manager owns the identity file.
type Manager struct {
	path string
	id   *Identity
	mu   sync.RWMutex
}

// New creates a Manager in dataDir, loading an existing identity if present.
func New(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	m := &Manager{path: filepath.Join(dataDir, fileName)}
	m.load()
	return m, nil
}

// Current returns the user id, or "" while no identity exists yet.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.id == nil {
		return ""
	}
	return m.id.UserID
}

// UserID returns the user id, creating and persisting an anonymous one on
// first call.
func (m *Manager) UserID(ctx context.Context) (string, error) {
	if id := m.Current(); id != "" {
		return id, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id != nil {
		return m.id.UserID, nil
	}

	id := &Identity{
		UserID:      uuid.New().String(),
		CreatedAt:   time.Now(),
		IsAnonymous: true,
	}
	if err := m.save(id); err != nil {
		return "", apperr.NewStorage("save identity", err)
	}
	m.id = id

	logging.Info().Str("component", "identity").Str("user_id", id.UserID).Msg("created anonymous identity")
	return id.UserID, nil
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.UserID == "" {
		logging.Warn().Str("component", "identity").Str("path", m.path).Msg("ignoring unreadable identity file")
		return
	}
	m.id = &id
}

func (m *Manager) save(id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.path, data, 0600)
}
