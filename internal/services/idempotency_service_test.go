package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idempotencyCols = []string{"operation", "request_hash", "response", "status_code", "status", "created_at", "expires_at"}

func TestIdempotencyService_Execute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewIdempotencyService(db, redisClient, 24*time.Hour)

	now := time.Now().UTC()

	t.Run("fresh key executes and caches", func(t *testing.T) {
		redisMock.ExpectSetNX("idempotency:lock:key-1", "1", 30*time.Second).SetVal(true)
		redisMock.ExpectDel("idempotency:lock:key-1").SetVal(1)

		mock.ExpectExec("DELETE FROM idempotency_records WHERE idempotency_key = \\$1 AND expires_at <= NOW").
			WithArgs("key-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT operation, request_hash, response, status_code, status, created_at, expires_at FROM idempotency_records").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows(idempotencyCols))
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE idempotency_records SET response = \\$1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		calls := 0
		response, statusCode, err := service.Execute(context.Background(), "key-1", "hold.create", "hash-a",
			func(ctx context.Context) ([]byte, int, error) {
				calls++
				return []byte(`{"id":"hold-1"}`), 201, nil
			})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 201, statusCode)
		assert.JSONEq(t, `{"id":"hold-1"}`, string(response))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("replay with same payload returns cached response", func(t *testing.T) {
		redisMock.ExpectSetNX("idempotency:lock:key-1", "1", 30*time.Second).SetVal(true)
		redisMock.ExpectDel("idempotency:lock:key-1").SetVal(1)

		mock.ExpectExec("DELETE FROM idempotency_records WHERE idempotency_key = \\$1 AND expires_at <= NOW").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT operation, request_hash, response, status_code, status, created_at, expires_at FROM idempotency_records").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows(idempotencyCols).
				AddRow("hold.create", "hash-a", []byte(`{"id":"hold-1"}`), 201, "completed", now, now.Add(time.Hour)))

		calls := 0
		response, statusCode, err := service.Execute(context.Background(), "key-1", "hold.create", "hash-a",
			func(ctx context.Context) ([]byte, int, error) {
				calls++
				return nil, 0, nil
			})
		require.NoError(t, err)
		assert.Equal(t, 0, calls, "cached replay must not re-execute")
		assert.Equal(t, 201, statusCode)
		assert.JSONEq(t, `{"id":"hold-1"}`, string(response))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay with different payload conflicts", func(t *testing.T) {
		redisMock.ExpectSetNX("idempotency:lock:key-1", "1", 30*time.Second).SetVal(true)
		redisMock.ExpectDel("idempotency:lock:key-1").SetVal(1)

		mock.ExpectExec("DELETE FROM idempotency_records WHERE idempotency_key = \\$1 AND expires_at <= NOW").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT operation, request_hash, response, status_code, status, created_at, expires_at FROM idempotency_records").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows(idempotencyCols).
				AddRow("hold.create", "hash-a", []byte(`{"id":"hold-1"}`), 201, "completed", now, now.Add(time.Hour)))

		_, _, err := service.Execute(context.Background(), "key-1", "hold.create", "hash-b",
			func(ctx context.Context) ([]byte, int, error) {
				t.Fatal("must not execute on conflicting payload")
				return nil, 0, nil
			})
		assert.ErrorIs(t, err, ErrIdempotencyKeyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent arrival while in flight", func(t *testing.T) {
		redisMock.ExpectSetNX("idempotency:lock:key-1", "1", 30*time.Second).SetVal(false)

		mock.ExpectQuery("SELECT operation, request_hash, response, status_code, status, created_at, expires_at FROM idempotency_records").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows(idempotencyCols).
				AddRow("hold.create", "hash-a", nil, nil, "in_flight", now, now.Add(time.Hour)))

		_, _, err := service.Execute(context.Background(), "key-1", "hold.create", "hash-a",
			func(ctx context.Context) ([]byte, int, error) {
				t.Fatal("must not execute while first call is in flight")
				return nil, 0, nil
			})
		assert.ErrorIs(t, err, ErrOperationInFlight)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("operation error frees the key for retry", func(t *testing.T) {
		redisMock.ExpectSetNX("idempotency:lock:key-2", "1", 30*time.Second).SetVal(true)
		redisMock.ExpectDel("idempotency:lock:key-2").SetVal(1)

		mock.ExpectExec("DELETE FROM idempotency_records WHERE idempotency_key = \\$1 AND expires_at <= NOW").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT operation, request_hash, response, status_code, status, created_at, expires_at FROM idempotency_records").
			WithArgs("key-2").
			WillReturnRows(sqlmock.NewRows(idempotencyCols))
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM idempotency_records WHERE idempotency_key = \\$1").
			WithArgs("key-2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		boom := errors.New("insert failed")
		_, _, err := service.Execute(context.Background(), "key-2", "hold.create", "hash-a",
			func(ctx context.Context) ([]byte, int, error) {
				return nil, 0, boom
			})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty key rejected", func(t *testing.T) {
		_, _, err := service.Execute(context.Background(), "", "hold.create", "hash-a",
			func(ctx context.Context) ([]byte, int, error) {
				return nil, 0, nil
			})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestIdempotencyService_DatabaseClaimWithoutRedis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewIdempotencyService(db, nil, 24*time.Hour)

	t.Run("lost insert race reports in flight", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM idempotency_records WHERE idempotency_key = \\$1 AND expires_at <= NOW").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT operation, request_hash, response, status_code, status, created_at, expires_at FROM idempotency_records").
			WithArgs("key-3").
			WillReturnRows(sqlmock.NewRows(idempotencyCols))
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, _, err := service.Execute(context.Background(), "key-3", "hold.create", "hash-a",
			func(ctx context.Context) ([]byte, int, error) {
				t.Fatal("must not execute after losing the claim race")
				return nil, 0, nil
			})
		assert.ErrorIs(t, err, ErrOperationInFlight)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
