// Package storage implements the typed repositories over PostgreSQL.
// Every statement is parameterized; transient failures retry with
// backoff; serialization conflicts retry once after reload.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// Postgres error codes the retry logic cares about.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// Store bundles the repositories over one shared pool.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	log          logging.Logger

	mQueries metrics.Counter
	mErrors  metrics.Counter
}

// Open connects the pool and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig, log logging.Logger, provider metrics.Provider) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, models.E(models.KindConfiguration, "storage.open", err)
	}
	pc.MaxConns = int32(cfg.PoolSize)
	pc.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, models.E(models.KindConnection, "storage.open", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, models.E(models.KindConnection, "storage.open", err)
	}

	s := &Store{
		pool:         pool,
		queryTimeout: cfg.QueryTimeout,
		log:          log,
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = 30 * time.Second
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if provider != nil {
		s.mQueries = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "storage", Name: "queries_total",
			Help: "Repository operations executed", Labels: []string{"op"}}})
		s.mErrors = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "storage", Name: "errors_total",
			Help: "Repository operations failed", Labels: []string{"op"}}})
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health verifies pool connectivity for the health evaluator.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// withTimeout applies the statement timeout to an operation context.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// run executes op with the retry policy: transient failures back off
// and retry, serialization conflicts and upsert races retry once.
func (s *Store) run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if s.mQueries != nil {
		s.mQueries.Inc(1, name)
	}
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		opCtx, cancel := s.withTimeout(ctx)
		err = op(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !retryablePG(err) || ctx.Err() != nil {
			break
		}
		// Retryable Postgres errors are conflicts (serialization,
		// deadlock, unique violation): they get one retry only.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && attempt >= 1 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			continue
		}
		break
	}
	if s.mErrors != nil {
		s.mErrors.Inc(1, name)
	}
	return wrapPG(name, err)
}

func retryablePG(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return true
		}
		return false
	}
	// Network-level failures surface as generic errors from pgx.
	return errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err)
}

func wrapPG(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.E(models.KindTimeout, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return models.E(models.KindDatabase, op, fmt.Errorf("%s: %w", pgErr.Code, err))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.E(models.KindDatabase, op, err)
	}
	return models.E(models.KindConnection, op, err)
}

// IsNotFound reports whether an error is the no-rows condition.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
