package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"timrs/internal/logging"
	"timrs/internal/metrics"
	"timrs/internal/models"
)

// BreakerSettings tunes the circuit breaker around a Store.
type BreakerSettings struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state count reset period
	Timeout          time.Duration // open duration before probing
	FailureThreshold uint32        // consecutive failures that open the circuit
}

// Breaker decorates a Store with a circuit breaker. Calls rejected by an
// open circuit fail with ErrUnavailable without reaching the backend.
type Breaker struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

func NewBreaker(inner Store, s BreakerSettings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	name := "remote-" + inner.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	threshold := s.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("component", "remote").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Breaker{inner: inner, cb: cb, name: name}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// State reports the breaker state as closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	metrics.ObserveRemote(b.inner.Name(), op, start, err)
	return res, err
}

func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) Upsert(ctx context.Context, userID string, coll models.Collection, docID string, data json.RawMessage) error {
	_, err := b.execute("upsert", func() (any, error) {
		return nil, b.inner.Upsert(ctx, userID, coll, docID, data)
	})
	return err
}

func (b *Breaker) Delete(ctx context.Context, userID string, coll models.Collection, docID string) error {
	_, err := b.execute("delete", func() (any, error) {
		return nil, b.inner.Delete(ctx, userID, coll, docID)
	})
	return err
}

func (b *Breaker) Get(ctx context.Context, userID string, coll models.Collection, docID string) (json.RawMessage, error) {
	res, err := b.execute("get", func() (any, error) {
		return b.inner.Get(ctx, userID, coll, docID)
	})
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}

func (b *Breaker) List(ctx context.Context, userID string, coll models.Collection, opts ListOptions) ([]json.RawMessage, error) {
	res, err := b.execute("list", func() (any, error) {
		return b.inner.List(ctx, userID, coll, opts)
	})
	if err != nil {
		return nil, err
	}
	return res.([]json.RawMessage), nil
}

func (b *Breaker) DeleteAllUnderUser(ctx context.Context, userID string) error {
	_, err := b.execute("delete_all", func() (any, error) {
		return nil, b.inner.DeleteAllUnderUser(ctx, userID)
	})
	return err
}

func (b *Breaker) Close() error {
	return b.inner.Close()
}
