package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sanadpay/wallet/internal/models"
)

const idempotencyLockPrefix = "idempotency:lock:"

// IdempotencyService guarantees at-most-once execution of a mutating
// operation per idempotency key. The durable claim lives in Postgres; a redis
// lock short-circuits concurrent arrivals before they hit the database.
type IdempotencyService struct {
	db      *sql.DB
	redis   *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

func NewIdempotencyService(db *sql.DB, redisClient *redis.Client, ttl time.Duration) *IdempotencyService {
	return &IdempotencyService{
		db:      db,
		redis:   redisClient,
		ttl:     ttl,
		lockTTL: 30 * time.Second,
	}
}

// Execute runs fn at most once for the given key. A replay with the same
// payload returns the cached response verbatim; a replay with a different
// payload fails with ErrIdempotencyKeyConflict; a concurrent call while the
// first is in flight fails with ErrOperationInFlight so the caller retries.
// Expired keys are treated as fresh.
func (s *IdempotencyService) Execute(ctx context.Context, key, operation, requestHash string, fn func(ctx context.Context) ([]byte, int, error)) ([]byte, int, error) {
	if key == "" {
		return nil, 0, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}

	if s.redis != nil {
		locked, err := s.redis.SetNX(ctx, idempotencyLockPrefix+key, "1", s.lockTTL).Result()
		if err != nil {
			log.Printf("[IDEMPOTENCY] Redis lock unavailable for key %s, relying on database claim: %v", key, err)
		} else if !locked {
			// Another caller holds the lock. Serve the cached outcome if the
			// first execution already finished, otherwise tell them to retry.
			if record, err := s.lookup(ctx, key); err == nil && record != nil {
				return s.replay(record, requestHash)
			}
			return nil, 0, ErrOperationInFlight
		} else {
			defer s.redis.Del(context.Background(), idempotencyLockPrefix+key)
		}
	}

	// Expired keys are treated as fresh: drop the stale record before
	// claiming the key.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at <= NOW()`, key); err != nil {
		return nil, 0, fmt.Errorf("expire idempotency record: %w", err)
	}

	record, err := s.lookup(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if record != nil {
		return s.replay(record, requestHash)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, operation, request_hash, status, created_at, expires_at)
		VALUES ($1, $2, $3, 'in_flight', $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, operation, requestHash, now, now.Add(s.ttl))
	if err != nil {
		return nil, 0, fmt.Errorf("claim idempotency key: %w", err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	if claimed == 0 {
		return nil, 0, ErrOperationInFlight
	}

	response, statusCode, err := fn(ctx)
	if err != nil {
		// The operation itself failed before producing an outcome; free the
		// key so a retry can execute.
		if _, delErr := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_records WHERE idempotency_key = $1`, key); delErr != nil {
			log.Printf("[IDEMPOTENCY] Failed to release key %s after error: %v", key, delErr)
		}
		return nil, 0, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET response = $1, status_code = $2, status = 'completed'
		WHERE idempotency_key = $3`,
		response, statusCode, key); err != nil {
		return nil, 0, fmt.Errorf("persist idempotency result: %w", err)
	}

	return response, statusCode, nil
}

func (s *IdempotencyService) lookup(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	record := &models.IdempotencyRecord{Key: key}
	var response []byte
	var statusCode sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT operation, request_hash, response, status_code, status, created_at, expires_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > NOW()`, key).Scan(
		&record.Operation, &record.RequestHash, &response, &statusCode,
		&record.Status, &record.CreatedAt, &record.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up idempotency record: %w", err)
	}
	record.Response = response
	if statusCode.Valid {
		record.StatusCode = int(statusCode.Int64)
	}
	return record, nil
}

func (s *IdempotencyService) replay(record *models.IdempotencyRecord, requestHash string) ([]byte, int, error) {
	if record.RequestHash != requestHash {
		return nil, 0, ErrIdempotencyKeyConflict
	}
	if record.Status != models.IdempotencyStatusCompleted {
		return nil, 0, ErrOperationInFlight
	}
	log.Printf("[IDEMPOTENCY] Replaying cached response for key %s (%s)", record.Key, record.Operation)
	return record.Response, record.StatusCode, nil
}
