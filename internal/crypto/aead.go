package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// AEADEncryptor provides AES-256-GCM envelope encryption: each record is
// sealed with its own data key, and the data key is sealed with a master key
// from the ring.
type AEADEncryptor struct {
	ring *Keyring
}

// NewAEADEncryptor creates an encryptor backed by the given key ring.
func NewAEADEncryptor(ring *Keyring) *AEADEncryptor {
	return &AEADEncryptor{ring: ring}
}

// EncryptedData holds a sealed payload with its envelope metadata.
type EncryptedData struct {
	Ciphertext       []byte
	EncryptedDataKey []byte
	Nonce            []byte
	KeyNonce         []byte
	KeyID            string
	AdditionalData   []byte
}

// Encrypt seals plaintext under the ring's active key.
func (a *AEADEncryptor) Encrypt(plaintext, additionalData []byte) (*EncryptedData, error) {
	master, err := a.ring.Active()
	if err != nil {
		return nil, err
	}
	return a.encryptWith(master, plaintext, additionalData)
}

// EncryptWithKey seals plaintext under a specific key version. The key must
// be active; decrypt-only keys never encrypt new data.
func (a *AEADEncryptor) EncryptWithKey(keyID string, plaintext, additionalData []byte) (*EncryptedData, error) {
	master, err := a.ring.Get(keyID)
	if err != nil {
		return nil, err
	}
	if master.State != KeyActive {
		return nil, fmt.Errorf("key version %s is not active", keyID)
	}
	return a.encryptWith(master, plaintext, additionalData)
}

func (a *AEADEncryptor) encryptWith(master *KeyVersion, plaintext, additionalData []byte) (*EncryptedData, error) {
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	ciphertext, nonce, err := seal(dataKey, plaintext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}

	encKey, keyNonce, err := seal(master.material, dataKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal data key: %w", err)
	}

	return &EncryptedData{
		Ciphertext:       ciphertext,
		EncryptedDataKey: encKey,
		Nonce:            nonce,
		KeyNonce:         keyNonce,
		KeyID:            master.ID,
		AdditionalData:   additionalData,
	}, nil
}

// Decrypt opens a sealed payload. Fails if the referenced key version is
// retired or the ciphertext or AAD has been altered.
func (a *AEADEncryptor) Decrypt(data *EncryptedData) ([]byte, error) {
	master, err := a.ring.Get(data.KeyID)
	if err != nil {
		return nil, err
	}

	dataKey, err := open(master.material, data.EncryptedDataKey, data.KeyNonce, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open data key: %w", err)
	}

	plaintext, err := open(dataKey, data.Ciphertext, data.Nonce, data.AdditionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return plaintext, nil
}

func seal(key, plaintext, additionalData []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

func open(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, additionalData)
}
