// Package remote is the per-user document store that local state is mirrored
// to. Documents are JSON, addressed by (user, collection, doc id), and every
// write is an idempotent upsert or delete.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/goccy/go-json"

	"timrs/internal/config"
	"timrs/internal/models"
)

var (
	// ErrNotFound is returned by Get for a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrUnavailable means the call was not attempted because the circuit
	// breaker is open.
	ErrUnavailable = errors.New("remote store unavailable")
)

// ListOptions narrows and orders a List call.
type ListOptions struct {
	OrderBy    string // top-level JSON field
	Desc       bool
	Limit      int // 0 for no limit
	WhereField string
	WhereValue any
}

// Store is the remote document capability.
type Store interface {
	Name() string
	Upsert(ctx context.Context, userID string, coll models.Collection, docID string, data json.RawMessage) error
	Delete(ctx context.Context, userID string, coll models.Collection, docID string) error
	Get(ctx context.Context, userID string, coll models.Collection, docID string) (json.RawMessage, error)
	List(ctx context.Context, userID string, coll models.Collection, opts ListOptions) ([]json.RawMessage, error)
	DeleteAllUnderUser(ctx context.Context, userID string) error
	Close() error
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func checkField(name string) error {
	if name != "" && !fieldPattern.MatchString(name) {
		return fmt.Errorf("invalid field name %q", name)
	}
	return nil
}

func (o ListOptions) validate() error {
	if err := checkField(o.OrderBy); err != nil {
		return err
	}
	return checkField(o.WhereField)
}

// New builds the configured remote store wrapped in a circuit breaker. It
// returns nil when mirroring is disabled.
func New(cfg config.RemoteConfig) (Store, error) {
	var (
		inner Store
		err   error
	)
	switch cfg.Backend {
	case "", "disabled":
		return nil, nil
	case "sqlite":
		inner, err = OpenSQLite(cfg.SQLitePath)
	case "turso":
		inner, err = OpenTurso(cfg.TursoURL, cfg.TursoToken)
	case "s3":
		inner, err = NewS3Store(context.Background(), S3Config{
			Bucket:     cfg.S3Bucket,
			Endpoint:   cfg.S3Endpoint,
			Region:     cfg.S3Region,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			HTTPClient: &http.Client{Timeout: cfg.Timeout},
		})
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewBreaker(inner, BreakerSettings{
		MaxRequests:      cfg.BreakerMaxRequests,
		Interval:         cfg.BreakerInterval,
		Timeout:          cfg.BreakerTimeout,
		FailureThreshold: cfg.BreakerFailureThreshold,
	}), nil
}
