package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps the sqlx handle behind the key-value store with
// a circuit breaker.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *Breaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := New("postgres", DatabaseConfig(), logger)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// PingContext wraps Ping with the circuit breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext wraps Exec with the circuit breaker.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		res, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// GetContext wraps sqlx Get. sql.ErrNoRows is the caller's business, not
// a breaker failure.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var getErr error
	err := dw.cb.Execute(ctx, func() error {
		getErr = dw.db.GetContext(ctx, dest, query, args...)
		if getErr == sql.ErrNoRows {
			return nil
		}
		return getErr
	})
	if err != nil {
		return err
	}
	return getErr
}

// SelectContext wraps sqlx Select with the circuit breaker.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

// State exposes the breaker state for health checks.
func (dw *DatabaseWrapper) State() State { return dw.cb.State() }

// Close closes the underlying handle.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
