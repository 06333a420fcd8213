package models

import "time"

// AlgorithmXChaCha20Poly1305 identifies the AEAD construction used for bank payloads.
const AlgorithmXChaCha20Poly1305 = "xchacha20poly1305-v1"

// EncryptedPayload is the opaque form of BankDetails. Ciphertext is base64 of
// nonce||sealed bytes.
type EncryptedPayload struct {
	Ciphertext  string `json:"ciphertext" bson:"ciphertext"`
	AlgorithmID string `json:"algorithm_id" bson:"algorithm_id"`
	KeyVersion  int    `json:"key_version" bson:"key_version"`
}

// DriverEncryptionKey never leaves the key store except transiently inside the encryptor.
type DriverEncryptionKey struct {
	DriverID    string
	KeyVersion  int
	KeyMaterial []byte
}

// KeyVersionState tracks one version in a driver's key ring.
type KeyVersionState struct {
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// KeyRing is the metadata stored alongside key material. Current is the
// version used for new encryptions.
type KeyRing struct {
	DriverID string            `json:"driver_id"`
	Current  int               `json:"current"`
	Versions []KeyVersionState `json:"versions"`
}

func (r *KeyRing) Has(version int) bool {
	for _, v := range r.Versions {
		if v.Version == version {
			return true
		}
	}
	return false
}
