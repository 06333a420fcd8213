package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"payout-security-api/internal/repository"
	apperrors "payout-security-api/pkg/errors"
)

// IdempotencyManager makes a submission safe to retry. The first call for a
// key runs the operation and stores its encoded response; later calls replay it.
type IdempotencyManager interface {
	Process(ctx context.Context, key string, operation func(ctx context.Context) ([]byte, error)) (response []byte, replayed bool, err error)
	Key(principalID, operation, clientKey string) string
}

const defaultIdempotencyTTL = 24 * time.Hour

type idempotencyManager struct {
	repo   repository.IdempotencyRepository
	ttl    time.Duration
	logger *logrus.Entry
}

func NewIdempotencyManager(repo repository.IdempotencyRepository, ttl time.Duration) IdempotencyManager {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyManager{
		repo:   repo,
		ttl:    ttl,
		logger: logrus.WithField("component", "idempotency_manager"),
	}
}

func (m *idempotencyManager) Process(ctx context.Context, key string, operation func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if response, done, err := m.lookup(ctx, key); err != nil || done {
		return response, done, err
	}

	reserved, err := m.repo.Reserve(ctx, key, m.ttl)
	if err != nil {
		return nil, false, apperrors.NewSystemError("failed to reserve idempotency key", err)
	}
	if !reserved {
		// lost the race; whoever holds the key is either done or still running
		response, done, err := m.lookup(ctx, key)
		if err != nil || done {
			return response, done, err
		}
		return nil, false, apperrors.ErrIdempotencyPending
	}

	response, err := operation(ctx)
	if err != nil {
		// failures are not cached so the client can retry
		if releaseErr := m.repo.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			m.logger.WithError(releaseErr).Warn("Failed to release idempotency key")
		}
		return nil, false, err
	}

	if err := m.repo.Complete(context.WithoutCancel(ctx), key, response, m.ttl); err != nil {
		m.logger.WithError(err).Warn("Failed to store idempotent response")
	}
	return response, false, nil
}

// lookup reports done=true when a stored response exists. A pending key
// yields ErrIdempotencyPending.
func (m *idempotencyManager) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	response, found, err := m.repo.Get(ctx, key)
	if err != nil {
		return nil, false, apperrors.NewSystemError("failed to read idempotency key", err)
	}
	if !found {
		return nil, false, nil
	}
	if response == nil {
		return nil, false, apperrors.ErrIdempotencyPending
	}
	return response, true, nil
}

// Key scopes a client supplied key to the principal and operation so two
// drivers cannot collide on the same value.
func (m *idempotencyManager) Key(principalID, operation, clientKey string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", principalID, operation, clientKey)))
	return hex.EncodeToString(hash[:])
}
