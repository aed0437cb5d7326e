// Package postgres is the durable store adapter: row CRUD for messages,
// notifications, settings, push subscriptions and wallets, plus
// LISTEN/NOTIFY change feeds. Every query runs behind a circuit breaker.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lisuiheng/terrimatch-go/metrics"
)

//go:embed schema.sql
var schema string

const breakerName = "postgres"

type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"gte=0"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gte=0"`
	Migrate         bool          `mapstructure:"migrate"`
}

type Store struct {
	pool   *pgxpool.Pool
	cb     *gobreaker.CircuitBreaker[any]
	logger *slog.Logger
}

// Open connects a pool for cfg.DSN and wraps it in a Store. The schema is
// applied when cfg.Migrate is set.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := New(pool, cfg, log)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func New(pool *pgxpool.Pool, cfg Config, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store")

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	metrics.StoreBreakerState.WithLabelValues(breakerName).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.StoreBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Store{pool: pool, cb: cb, logger: log}
}

// isSuccessful keeps caller-side outcomes from tripping the breaker.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, pgx.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, errNotFound)
}

var errNotFound = errors.New("row not found")

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("Schema applied")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// call runs fn through the breaker and records the outcome.
func call[T any](s *Store, op string, fn func() (T, error)) (T, error) {
	res, err := s.cb.Execute(func() (any, error) {
		return fn()
	})
	var zero T
	if err != nil {
		result := "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		metrics.StoreOperations.WithLabelValues(op, result).Inc()
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	metrics.StoreOperations.WithLabelValues(op, "success").Inc()
	typed, ok := res.(T)
	if !ok && res != nil {
		return zero, fmt.Errorf("%s: unexpected result type %T", op, res)
	}
	return typed, nil
}

func exec(s *Store, op string, fn func() error) error {
	_, err := call(s, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
