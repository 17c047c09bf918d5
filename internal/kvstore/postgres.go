package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/backoff"
	"github.com/tessellate-ai/ltm/internal/circuitbreaker"
	"github.com/tessellate-ai/ltm/internal/metrics"
)

const schema = `CREATE TABLE IF NOT EXISTS ltm_kv (
	bucket     TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      BYTEA       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (bucket, key)
)`

// Postgres keeps every bucket in one table keyed (bucket, key). All
// statements run behind the database circuit breaker and the standard
// retry envelope.
type Postgres struct {
	db    *circuitbreaker.DatabaseWrapper
	retry backoff.Policy
	log   *zap.Logger
}

var _ KeyValueStore = (*Postgres)(nil)

// OpenPostgres connects, sizes the pool, and verifies connectivity
// before returning the store.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresFromDB(db, logger), nil
}

// NewPostgresFromDB wraps an existing handle; tests inject sqlmock
// through here.
func NewPostgresFromDB(db *sqlx.DB, logger *zap.Logger) *Postgres {
	return &Postgres{
		db:    circuitbreaker.NewDatabaseWrapper(db, logger),
		retry: backoff.Default(),
		log:   logger,
	}
}

// EnsureSchema creates the backing table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return p.run(ctx, "ensure_schema", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, schema)
		return err
	})
}

// run executes one statement under the retry envelope, classifying as
// it goes: missing rows and an open breaker are permanent, everything
// else retries and folds into ErrUnavailable on exhaustion.
func (p *Postgres) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := p.retry.Retry(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		switch {
		case err == nil:
			metrics.RecordBackendCall("postgres", op, "ok", time.Since(start).Seconds())
			return nil
		case errors.Is(err, sql.ErrNoRows):
			metrics.RecordBackendCall("postgres", op, "not_found", time.Since(start).Seconds())
			return backoff.Permanent(ErrKeyNotFound)
		case circuitbreaker.IsOpen(err):
			metrics.RecordBackendCall("postgres", op, "error", time.Since(start).Seconds())
			return backoff.Permanent(fmt.Errorf("%w: circuit open", ErrUnavailable))
		default:
			metrics.RecordBackendCall("postgres", op, "error", time.Since(start).Seconds())
			return err
		}
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrUnavailable):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("postgres %s: %w", op, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Put inserts or replaces the value.
func (p *Postgres) Put(ctx context.Context, bucket, key string, value []byte) error {
	return p.run(ctx, "put", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO ltm_kv (bucket, key, value, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			bucket, key, value)
		return err
	})
}

// Get returns the stored value or ErrKeyNotFound.
func (p *Postgres) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := p.run(ctx, "get", func(ctx context.Context) error {
		return p.db.GetContext(ctx, &value,
			`SELECT value FROM ltm_kv WHERE bucket = $1 AND key = $2`, bucket, key)
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes the key; absent keys succeed.
func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
	return p.run(ctx, "delete", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM ltm_kv WHERE bucket = $1 AND key = $2`, bucket, key)
		return err
	})
}

type kvRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// List walks the bucket in key order. The result set is materialized
// before fn runs, so fn may call back into the store.
func (p *Postgres) List(ctx context.Context, bucket string, fn func(key string, value []byte) bool) error {
	var rows []kvRow
	err := p.run(ctx, "list", func(ctx context.Context) error {
		rows = rows[:0]
		return p.db.SelectContext(ctx, &rows,
			`SELECT key, value FROM ltm_kv WHERE bucket = $1 ORDER BY key`, bucket)
	})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if !fn(r.Key, r.Value) {
			return nil
		}
	}
	return nil
}

// Ping probes connectivity through the breaker.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.run(ctx, "ping", func(ctx context.Context) error {
		return p.db.PingContext(ctx)
	})
}

// BreakerState exposes the circuit breaker state for health checks.
func (p *Postgres) BreakerState() circuitbreaker.State { return p.db.State() }

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }
