package ratelimit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreAdmitRecordsWhenBelowLimit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Second

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("example.com").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM rate_limit_events WHERE domain = $1 AND admitted_at <= $2`)).
		WithArgs("example.com", now.Add(-window)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM rate_limit_events WHERE domain = $1`)).
		WithArgs("example.com").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO rate_limit_events (domain, admitted_at) VALUES ($1, $2)`)).
		WithArgs("example.com", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	store := NewPostgresStoreWithPool(mock)
	admitted, err := store.Admit(context.Background(), "example.com", 2, window, now)
	require.NoError(t, err)
	require.True(t, admitted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAdmitDeniesWhenWindowFull(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Second

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("example.com").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM rate_limit_events WHERE domain = $1 AND admitted_at <= $2`)).
		WithArgs("example.com", now.Add(-window)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM rate_limit_events WHERE domain = $1`)).
		WithArgs("example.com").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	store := NewPostgresStoreWithPool(mock)
	admitted, err := store.Admit(context.Background(), "example.com", 2, window, now)
	require.NoError(t, err)
	require.False(t, admitted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreWindow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Second
	oldest := now.Add(-4 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*), min(admitted_at) FROM rate_limit_events WHERE domain = $1 AND admitted_at > $2`)).
		WithArgs("example.com", now.Add(-window)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "min"}).AddRow(2, &oldest))

	store := NewPostgresStoreWithPool(mock)
	count, got, err := store.Window(context.Background(), "example.com", window, now)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, oldest, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rate_limit_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	store := NewPostgresStoreWithPool(mock)
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
