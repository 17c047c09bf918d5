package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/backoff"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := NewPostgresFromDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	p.retry = backoff.Policy{Initial: time.Millisecond, MaxAttempts: 3}
	return p, mock
}

func TestPostgresPutUpserts(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO ltm_kv").
		WithArgs("skills", "s1", []byte("policy")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Put(context.Background(), "skills", "s1", []byte("policy")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetReturnsValue(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM ltm_kv").
		WithArgs("skills", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("policy")))

	got, err := p.Get(context.Background(), "skills", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("policy"), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissingKey(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM ltm_kv").
		WithArgs("skills", "ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := p.Get(context.Background(), "skills", "ghost")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet(), "missing keys must not be retried")
}

func TestPostgresRetriesTransientErrors(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM ltm_kv").WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("SELECT value FROM ltm_kv").WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("SELECT value FROM ltm_kv").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("ok")))

	got, err := p.Get(context.Background(), "b", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExhaustionReportsUnavailable(t *testing.T) {
	p, mock := newMockStore(t)
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO ltm_kv").WillReturnError(errors.New("connection refused"))
	}

	err := p.Put(context.Background(), "b", "k", []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteIdempotent(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM ltm_kv").
		WithArgs("b", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Delete(context.Background(), "b", "ghost"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListOrdersAndStopsEarly(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT key, value FROM ltm_kv").
		WithArgs("prov").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("a", []byte("1")).
			AddRow("b", []byte("2")).
			AddRow("c", []byte("3")))

	var keys []string
	require.NoError(t, p.List(context.Background(), "prov", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return len(keys) < 2
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ltm_kv").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
