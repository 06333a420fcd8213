package engine

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"payout-security-api/internal/models"
)

type MockEncryptionService struct {
	mock.Mock
}

func (m *MockEncryptionService) Encrypt(ctx context.Context, driverID string, details *models.BankDetails) (*models.EncryptedPayload, error) {
	args := m.Called(ctx, driverID, details)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EncryptedPayload), args.Error(1)
}

func (m *MockEncryptionService) Decrypt(ctx context.Context, driverID string, payload *models.EncryptedPayload) (*models.BankDetails, error) {
	args := m.Called(ctx, driverID, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BankDetails), args.Error(1)
}

func (m *MockEncryptionService) GetOrCreateKey(ctx context.Context, driverID string) (*models.DriverEncryptionKey, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DriverEncryptionKey), args.Error(1)
}

func (m *MockEncryptionService) RotateKey(ctx context.Context, driverID string) (int, error) {
	args := m.Called(ctx, driverID)
	return args.Int(0), args.Error(1)
}

func (m *MockEncryptionService) DeleteKey(ctx context.Context, driverID string) error {
	args := m.Called(ctx, driverID)
	return args.Error(0)
}

func (m *MockEncryptionService) PurgeRetiredKeys(ctx context.Context, driverID string) (int, error) {
	args := m.Called(ctx, driverID)
	return args.Int(0), args.Error(1)
}

func (m *MockEncryptionService) PurgeAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// failingHistoryRepository accepts writes but cannot serve history reads.
type failingHistoryRepository struct {
	err     error
	created []*models.WithdrawalRecord
}

func (r *failingHistoryRepository) Create(_ context.Context, record *models.WithdrawalRecord) error {
	r.created = append(r.created, record)
	return nil
}

func (r *failingHistoryRepository) ListSince(context.Context, string, time.Time) ([]*models.WithdrawalRecord, error) {
	return nil, r.err
}

func (r *failingHistoryRepository) KnownDevices(context.Context, string) ([]string, error) {
	return nil, r.err
}
