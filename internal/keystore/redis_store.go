package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	redisKeyPrefix = "keystore:"
	kekInfo        = "payout-security-api/keystore/kek/v1"
)

// RedisStore keeps key material in Redis sealed under a key-encryption key
// derived from the service master secret. Redis never sees raw key bytes.
type RedisStore struct {
	client *redis.Client
	kek    cipher.AEAD
}

func NewRedisStore(client *redis.Client, masterSecret []byte) (*RedisStore, error) {
	kek, err := DeriveKEK(masterSecret)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, kek: kek}, nil
}

// DeriveKEK expands the master secret into an XChaCha20-Poly1305 key.
func DeriveKEK(masterSecret []byte) (cipher.AEAD, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	defer Wipe(key)

	r := hkdf.New(sha256.New, masterSecret, nil, []byte(kekInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create key-encryption cipher: %w", err)
	}
	return aead, nil
}

func (s *RedisStore) Get(ctx context.Context, keyID string) ([]byte, error) {
	sealed, err := s.client.Get(ctx, redisKeyPrefix+keyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", keyID, err)
	}
	return s.open(keyID, sealed)
}

func (s *RedisStore) Set(ctx context.Context, keyID string, value []byte) error {
	sealed, err := s.seal(keyID, value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+keyID, sealed, 0).Err(); err != nil {
		return fmt.Errorf("failed to store key %s: %w", keyID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keyID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+keyID).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", keyID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return ids, nil
}

// The key id is bound as associated data so a sealed value cannot be moved
// to another id.
func (s *RedisStore) seal(keyID string, value []byte) ([]byte, error) {
	nonce := make([]byte, s.kek.NonceSize(), s.kek.NonceSize()+len(value)+s.kek.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.kek.Seal(nonce, nonce, value, []byte(keyID)), nil
}

func (s *RedisStore) open(keyID string, sealed []byte) ([]byte, error) {
	ns := s.kek.NonceSize()
	if len(sealed) < ns+s.kek.Overhead() {
		return nil, fmt.Errorf("sealed key %s is truncated", keyID)
	}
	plain, err := s.kek.Open(nil, sealed[:ns], sealed[ns:], []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key %s: %w", keyID, err)
	}
	return plain, nil
}
