package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"payout-security-api/internal/config"
	"payout-security-api/internal/keystore"
	"payout-security-api/internal/models"
	"payout-security-api/internal/monitoring"
	"payout-security-api/internal/repository"
	apperrors "payout-security-api/pkg/errors"
)

// EncryptionService owns per-driver key lifecycles and seals bank payloads.
// Key material handed out by GetOrCreateKey must be wiped by the caller.
type EncryptionService interface {
	Encrypt(ctx context.Context, driverID string, details *models.BankDetails) (*models.EncryptedPayload, error)
	Decrypt(ctx context.Context, driverID string, payload *models.EncryptedPayload) (*models.BankDetails, error)
	GetOrCreateKey(ctx context.Context, driverID string) (*models.DriverEncryptionKey, error)
	RotateKey(ctx context.Context, driverID string) (int, error)
	DeleteKey(ctx context.Context, driverID string) error
	PurgeRetiredKeys(ctx context.Context, driverID string) (int, error)
	PurgeAll(ctx context.Context) (int, error)
}

const (
	keyIDPrefix  = "driver:"
	ringIDSuffix = ":ring"
)

var payoutAccountPattern = regexp.MustCompile(`^[0-9A-Za-z +-]{4,34}$`)

func lockKey(driverID string) string {
	return "keys:" + driverID
}

func ringID(driverID string) string {
	return keyIDPrefix + driverID + ringIDSuffix
}

func versionKeyID(driverID string, version int) string {
	return fmt.Sprintf("%s%s:v%d", keyIDPrefix, driverID, version)
}

// associatedData binds a ciphertext to its driver, key version and algorithm.
func associatedData(driverID string, version int, algorithm string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", driverID, version, algorithm))
}

type encryptionService struct {
	store     keystore.SecureKeyStore
	locker    repository.Locker
	audit     AuditService
	metrics   monitoring.MetricsService
	retention time.Duration
	logger    *logrus.Entry
	now       func() time.Time
}

func NewEncryptionService(
	store keystore.SecureKeyStore,
	locker repository.Locker,
	audit AuditService,
	metrics monitoring.MetricsService,
	cfg config.EncryptionConfig,
) EncryptionService {
	retention := cfg.RetiredKeyRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if locker == nil {
		locker = repository.NewLocalLocker()
	}
	return &encryptionService{
		store:     store,
		locker:    locker,
		audit:     audit,
		metrics:   metrics,
		retention: retention,
		logger:    logrus.WithField("component", "encryption_service"),
		now:       time.Now,
	}
}

func validatePayoutDetails(details *models.BankDetails) error {
	if details == nil {
		return apperrors.NewValidationError("payout details are required")
	}
	if strings.TrimSpace(details.AccountNumber) == "" ||
		strings.TrimSpace(details.BankCode) == "" ||
		strings.TrimSpace(details.AccountHolderName) == "" {
		return apperrors.NewValidationError("account number, bank code and account holder name are required")
	}
	if !payoutAccountPattern.MatchString(details.AccountNumber) {
		return apperrors.NewValidationError("account number has an invalid format")
	}
	return nil
}

func (s *encryptionService) Encrypt(ctx context.Context, driverID string, details *models.BankDetails) (*models.EncryptedPayload, error) {
	if driverID == "" {
		return nil, apperrors.NewValidationError("driver id is required")
	}
	if err := validatePayoutDetails(details); err != nil {
		s.recordAttempt(ctx, models.EventEncryption, driverID, "encrypt", 0, details, err)
		return nil, err
	}

	payload, err := s.encrypt(ctx, driverID, details)
	version := 0
	if payload != nil {
		version = payload.KeyVersion
	}
	s.recordAttempt(ctx, models.EventEncryption, driverID, "encrypt", version, details, err)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *encryptionService) encrypt(ctx context.Context, driverID string, details *models.BankDetails) (*models.EncryptedPayload, error) {
	release, err := s.locker.Lock(ctx, lockKey(driverID))
	if err != nil {
		return nil, apperrors.NewEncryptionError("failed to acquire driver key lock", err)
	}
	defer release()

	ring, key, created, err := s.currentKey(ctx, driverID)
	if err != nil {
		return nil, apperrors.NewEncryptionError("failed to load encryption key", err)
	}
	defer keystore.Wipe(key)
	if created {
		s.recordKeyEvent(ctx, models.EventKeyCreated, driverID, models.AuditInfo, map[string]interface{}{
			"key_version": ring.Current,
		})
	}

	plaintext, err := json.Marshal(details)
	if err != nil {
		return nil, apperrors.NewEncryptionError("failed to encode payout details", err)
	}
	defer keystore.Wipe(plaintext)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperrors.NewEncryptionError("failed to initialise cipher", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.NewEncryptionError("failed to generate nonce", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, associatedData(driverID, ring.Current, models.AlgorithmXChaCha20Poly1305))

	return &models.EncryptedPayload{
		Ciphertext:  base64.StdEncoding.EncodeToString(sealed),
		AlgorithmID: models.AlgorithmXChaCha20Poly1305,
		KeyVersion:  ring.Current,
	}, nil
}

func (s *encryptionService) Decrypt(ctx context.Context, driverID string, payload *models.EncryptedPayload) (*models.BankDetails, error) {
	details, err := s.decrypt(ctx, driverID, payload)
	version := 0
	if payload != nil {
		version = payload.KeyVersion
	}
	s.recordAttempt(ctx, models.EventDecryption, driverID, "decrypt", version, details, err)
	if err != nil {
		return nil, err
	}
	return details, nil
}

func (s *encryptionService) decrypt(ctx context.Context, driverID string, payload *models.EncryptedPayload) (*models.BankDetails, error) {
	if driverID == "" {
		return nil, apperrors.NewValidationError("driver id is required")
	}
	if payload == nil || payload.Ciphertext == "" {
		return nil, apperrors.NewDecryptionError("payload is empty", nil)
	}
	if payload.AlgorithmID != models.AlgorithmXChaCha20Poly1305 {
		return nil, apperrors.NewDecryptionError(fmt.Sprintf("unsupported algorithm %q", payload.AlgorithmID), nil)
	}

	sealed, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, apperrors.NewDecryptionError("payload is not valid base64", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, apperrors.ErrPayloadTampered.Wrap(errors.New("payload is truncated"))
	}

	release, err := s.locker.Lock(ctx, lockKey(driverID))
	if err != nil {
		return nil, apperrors.NewDecryptionError("failed to acquire driver key lock", err)
	}
	defer release()

	ring, found, err := s.loadRing(ctx, driverID)
	if err != nil {
		return nil, apperrors.NewDecryptionError("failed to load key ring", err)
	}
	if !found || !ring.Has(payload.KeyVersion) {
		return nil, apperrors.NewDecryptionError("key version is not available", apperrors.ErrKeyNotFound)
	}

	key, err := s.store.Get(ctx, versionKeyID(driverID, payload.KeyVersion))
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, apperrors.NewDecryptionError("key version is not available", apperrors.ErrKeyNotFound)
		}
		return nil, apperrors.NewDecryptionError("failed to load encryption key", err)
	}
	defer keystore.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperrors.NewDecryptionError("failed to initialise cipher", err)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData(driverID, payload.KeyVersion, payload.AlgorithmID))
	if err != nil {
		return nil, apperrors.ErrPayloadTampered.Wrap(err)
	}
	defer keystore.Wipe(plaintext)

	var details models.BankDetails
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return nil, apperrors.NewDecryptionError("failed to decode payout details", err)
	}
	return &details, nil
}

func (s *encryptionService) GetOrCreateKey(ctx context.Context, driverID string) (*models.DriverEncryptionKey, error) {
	if driverID == "" {
		return nil, apperrors.NewValidationError("driver id is required")
	}

	release, err := s.locker.Lock(ctx, lockKey(driverID))
	if err != nil {
		return nil, apperrors.NewEncryptionError("failed to acquire driver key lock", err)
	}
	defer release()

	ring, key, created, err := s.currentKey(ctx, driverID)
	if err != nil {
		return nil, apperrors.NewEncryptionError("failed to load encryption key", err)
	}
	if created {
		s.recordKeyEvent(ctx, models.EventKeyCreated, driverID, models.AuditInfo, map[string]interface{}{
			"key_version": ring.Current,
		})
	}

	return &models.DriverEncryptionKey{
		DriverID:    driverID,
		KeyVersion:  ring.Current,
		KeyMaterial: key,
	}, nil
}

// RotateKey makes a fresh version current. The previous version is retired
// and stays readable until the retention window passes.
func (s *encryptionService) RotateKey(ctx context.Context, driverID string) (int, error) {
	if driverID == "" {
		return 0, apperrors.NewValidationError("driver id is required")
	}

	release, err := s.locker.Lock(ctx, lockKey(driverID))
	if err != nil {
		return 0, apperrors.NewEncryptionError("failed to acquire driver key lock", err)
	}
	defer release()

	ring, found, err := s.loadRing(ctx, driverID)
	if err != nil {
		s.metrics.RecordEncryption("rotate", "failure")
		return 0, apperrors.NewEncryptionError("failed to load key ring", err)
	}
	if !found {
		ring = &models.KeyRing{DriverID: driverID}
	}

	now := s.now().UTC()
	previous := ring.Current
	next := 1
	for _, v := range ring.Versions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}

	if err := s.storeNewVersion(ctx, driverID, next); err != nil {
		s.metrics.RecordEncryption("rotate", "failure")
		return 0, apperrors.NewEncryptionError("failed to store rotated key", err)
	}
	for i := range ring.Versions {
		if ring.Versions[i].Version == previous && ring.Versions[i].RetiredAt == nil {
			retired := now
			ring.Versions[i].RetiredAt = &retired
		}
	}
	ring.Versions = append(ring.Versions, models.KeyVersionState{Version: next, CreatedAt: now})
	ring.Current = next

	purged := s.purgeExpired(ctx, driverID, ring, now)

	if err := s.saveRing(ctx, ring); err != nil {
		s.metrics.RecordEncryption("rotate", "failure")
		return 0, apperrors.NewEncryptionError("failed to save key ring", err)
	}

	s.metrics.RecordEncryption("rotate", "success")
	s.recordKeyEvent(ctx, models.EventKeyRotated, driverID, models.AuditMedium, map[string]interface{}{
		"previous_version": previous,
		"key_version":      next,
		"purged_versions":  purged,
	})
	return next, nil
}

// DeleteKey erases every version. Ciphertexts issued for the driver become
// permanently unreadable.
func (s *encryptionService) DeleteKey(ctx context.Context, driverID string) error {
	if driverID == "" {
		return apperrors.NewValidationError("driver id is required")
	}

	release, err := s.locker.Lock(ctx, lockKey(driverID))
	if err != nil {
		return apperrors.NewEncryptionError("failed to acquire driver key lock", err)
	}
	defer release()

	ring, found, err := s.loadRing(ctx, driverID)
	if err != nil {
		return apperrors.NewEncryptionError("failed to load key ring", err)
	}
	if !found {
		return apperrors.ErrKeyNotFound
	}

	deleted := make([]int, 0, len(ring.Versions))
	for _, v := range ring.Versions {
		if err := s.store.Delete(ctx, versionKeyID(driverID, v.Version)); err != nil {
			s.metrics.RecordEncryption("delete", "failure")
			return apperrors.NewEncryptionError("failed to delete key version", err)
		}
		deleted = append(deleted, v.Version)
	}
	if err := s.store.Delete(ctx, ringID(driverID)); err != nil {
		s.metrics.RecordEncryption("delete", "failure")
		return apperrors.NewEncryptionError("failed to delete key ring", err)
	}

	s.metrics.RecordEncryption("delete", "success")
	s.recordKeyEvent(ctx, models.EventKeyDeleted, driverID, models.AuditHigh, map[string]interface{}{
		"deleted_versions": deleted,
	})
	return nil
}

func (s *encryptionService) PurgeRetiredKeys(ctx context.Context, driverID string) (int, error) {
	release, err := s.locker.Lock(ctx, lockKey(driverID))
	if err != nil {
		return 0, fmt.Errorf("failed to acquire driver key lock: %w", err)
	}
	defer release()

	ring, found, err := s.loadRing(ctx, driverID)
	if err != nil {
		return 0, fmt.Errorf("failed to load key ring: %w", err)
	}
	if !found {
		return 0, nil
	}

	purged := s.purgeExpired(ctx, driverID, ring, s.now().UTC())
	if len(purged) == 0 {
		return 0, nil
	}
	if err := s.saveRing(ctx, ring); err != nil {
		return 0, fmt.Errorf("failed to save key ring: %w", err)
	}
	return len(purged), nil
}

// PurgeAll sweeps every driver ring in stores that can enumerate keys.
func (s *encryptionService) PurgeAll(ctx context.Context) (int, error) {
	lister, ok := s.store.(keystore.Lister)
	if !ok {
		s.logger.Debug("Key store cannot list keys, skipping retired key sweep")
		return 0, nil
	}

	ids, err := lister.List(ctx, keyIDPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list key rings: %w", err)
	}

	total := 0
	var errs []error
	for _, id := range ids {
		if !strings.HasSuffix(id, ringIDSuffix) {
			continue
		}
		driverID := strings.TrimSuffix(strings.TrimPrefix(id, keyIDPrefix), ringIDSuffix)
		n, err := s.PurgeRetiredKeys(ctx, driverID)
		if err != nil {
			errs = append(errs, fmt.Errorf("driver %s: %w", driverID, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// purgeExpired erases retired versions past retention and drops them from
// ring. It returns the erased versions; the caller saves the ring.
func (s *encryptionService) purgeExpired(ctx context.Context, driverID string, ring *models.KeyRing, now time.Time) []int {
	var (
		kept   []models.KeyVersionState
		purged []int
	)
	for _, v := range ring.Versions {
		expired := v.Version != ring.Current && v.RetiredAt != nil && now.Sub(*v.RetiredAt) >= s.retention
		if !expired {
			kept = append(kept, v)
			continue
		}
		if err := s.store.Delete(ctx, versionKeyID(driverID, v.Version)); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"driver_id":   driverID,
				"key_version": v.Version,
			}).Warn("Failed to erase retired key version")
			kept = append(kept, v)
			continue
		}
		purged = append(purged, v.Version)
	}
	ring.Versions = kept

	if len(purged) > 0 {
		s.metrics.RecordEncryption("purge", "success")
		s.recordKeyEvent(ctx, models.EventKeyPurged, driverID, models.AuditInfo, map[string]interface{}{
			"purged_versions": purged,
		})
	}
	return purged
}

// currentKey returns the ring and current key bytes, creating version 1 when
// the driver has no ring yet. Must be called under the driver lock.
func (s *encryptionService) currentKey(ctx context.Context, driverID string) (*models.KeyRing, []byte, bool, error) {
	ring, found, err := s.loadRing(ctx, driverID)
	if err != nil {
		return nil, nil, false, err
	}

	created := false
	if !found {
		ring = &models.KeyRing{
			DriverID: driverID,
			Current:  1,
			Versions: []models.KeyVersionState{{Version: 1, CreatedAt: s.now().UTC()}},
		}
		if err := s.storeNewVersion(ctx, driverID, 1); err != nil {
			return nil, nil, false, err
		}
		if err := s.saveRing(ctx, ring); err != nil {
			return nil, nil, false, err
		}
		created = true
	}

	key, err := s.store.Get(ctx, versionKeyID(driverID, ring.Current))
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read key version %d: %w", ring.Current, err)
	}
	if len(key) != chacha20poly1305.KeySize {
		keystore.Wipe(key)
		return nil, nil, false, fmt.Errorf("key version %d has invalid length", ring.Current)
	}
	return ring, key, created, nil
}

func (s *encryptionService) storeNewVersion(ctx context.Context, driverID string, version int) error {
	key := make([]byte, chacha20poly1305.KeySize)
	defer keystore.Wipe(key)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key material: %w", err)
	}
	return s.store.Set(ctx, versionKeyID(driverID, version), key)
}

func (s *encryptionService) loadRing(ctx context.Context, driverID string) (*models.KeyRing, bool, error) {
	data, err := s.store.Get(ctx, ringID(driverID))
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ring models.KeyRing
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, false, fmt.Errorf("failed to decode key ring: %w", err)
	}
	return &ring, true, nil
}

func (s *encryptionService) saveRing(ctx context.Context, ring *models.KeyRing) error {
	data, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("failed to encode key ring: %w", err)
	}
	return s.store.Set(ctx, ringID(ring.DriverID), data)
}

// recordAttempt audits an encrypt or decrypt call. Only a masked account
// number ever reaches the record.
func (s *encryptionService) recordAttempt(ctx context.Context, eventType, driverID, operation string, version int, details *models.BankDetails, opErr error) {
	outcome := "success"
	severity := models.AuditInfo
	data := map[string]interface{}{
		"operation":    operation,
		"algorithm_id": models.AlgorithmXChaCha20Poly1305,
		"key_version":  version,
	}
	if details != nil && details.AccountNumber != "" {
		data["account_number"] = MaskSensitive(details.AccountNumber)
	}
	if opErr != nil {
		outcome = "failure"
		severity = models.AuditHigh
		if kind, ok := apperrors.KindOf(opErr); ok {
			data["error_kind"] = string(kind)
		}
		if errors.Is(opErr, apperrors.ErrPayloadTampered) {
			data["tampered"] = true
		}
	}
	data["outcome"] = outcome
	s.metrics.RecordEncryption(operation, outcome)

	if driverID == "" {
		return
	}
	s.record(ctx, &models.AuditRecord{
		EventType: eventType,
		Subject:   models.DriverScoped(driverID),
		EventData: data,
		Severity:  severity,
	})
}

func (s *encryptionService) recordKeyEvent(ctx context.Context, eventType, driverID string, severity models.AuditSeverity, data map[string]interface{}) {
	s.record(ctx, &models.AuditRecord{
		EventType: eventType,
		Subject:   models.DriverScoped(driverID),
		EventData: data,
		Severity:  severity,
	})
}

// Audit failures are already in the fallback; here they are only logged.
func (s *encryptionService) record(ctx context.Context, rec *models.AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WithError(err).WithField("event_type", rec.EventType).Warn("Failed to record key audit event")
	}
}
