package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// KeyState is the lifecycle state of a master key version.
type KeyState string

const (
	// KeyActive keys encrypt new data and decrypt existing data.
	KeyActive KeyState = "active"
	// KeyDecryptOnly keys decrypt existing data but never encrypt.
	KeyDecryptOnly KeyState = "decrypt_only"
	// KeyRetired keys are unusable; no stored record may reference them.
	KeyRetired KeyState = "retired"
)

// ErrNoActiveKey is returned when the ring holds no active key.
var ErrNoActiveKey = errors.New("keyring has no active key")

// KeyVersion is one master key in the ring.
type KeyVersion struct {
	ID        string
	Version   int
	State     KeyState
	material  []byte
	CreatedAt time.Time
}

// Keyring manages versioned master keys. Exactly one key is active at a
// time; rotation demotes the previous active key to decrypt-only.
type Keyring struct {
	mu       sync.RWMutex
	keys     map[string]*KeyVersion
	activeID string
	nextVer  int
}

// NewKeyring creates a ring with a freshly generated active key.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{keys: make(map[string]*KeyVersion), nextVer: 1}
	if _, err := kr.Rotate(); err != nil {
		return nil, err
	}
	return kr, nil
}

// Active returns the key used for new encryptions.
func (kr *Keyring) Active() (*KeyVersion, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	key, ok := kr.keys[kr.activeID]
	if !ok {
		return nil, ErrNoActiveKey
	}
	return key, nil
}

// Get returns a key usable for decryption. Retired keys are refused.
func (kr *Keyring) Get(keyID string) (*KeyVersion, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	key, ok := kr.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key version %s", keyID)
	}
	if key.State == KeyRetired {
		return nil, fmt.Errorf("key version %s is retired", keyID)
	}
	return key, nil
}

// Rotate generates a new active key and demotes the previous active key to
// decrypt-only. Returns the new key.
func (kr *Keyring) Rotate() (*KeyVersion, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	material := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	key := &KeyVersion{
		ID:        fmt.Sprintf("kv-%d", kr.nextVer),
		Version:   kr.nextVer,
		State:     KeyActive,
		material:  material,
		CreatedAt: time.Now().UTC(),
	}
	kr.nextVer++

	if prev, ok := kr.keys[kr.activeID]; ok {
		prev.State = KeyDecryptOnly
	}
	kr.keys[key.ID] = key
	kr.activeID = key.ID
	return key, nil
}

// Retire marks a decrypt-only key as retired. The caller is responsible for
// ensuring no stored record still references it.
func (kr *Keyring) Retire(keyID string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	key, ok := kr.keys[keyID]
	if !ok {
		return fmt.Errorf("unknown key version %s", keyID)
	}
	if key.State == KeyActive {
		return fmt.Errorf("cannot retire active key %s", keyID)
	}
	key.State = KeyRetired
	return nil
}

// Versions lists key versions ordered oldest first.
func (kr *Keyring) Versions() []*KeyVersion {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	out := make([]*KeyVersion, 0, len(kr.keys))
	for _, k := range kr.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
