package hipaa

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
)

// Versioned ciphertext format: "v{version}:" followed by the raw sealed bytes.
const (
	keyVersionPrefix    = 'v'
	keyVersionSeparator = ':'
	maxVersionDigits    = 9
)

// RotatingEncryptor supports encryption key rotation with versioned keys.
// New documents are sealed with the current key; documents sealed under a
// registered previous key remain readable.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *DocumentEncryptor
	currentVer int
	previous   map[int]*DocumentEncryptor
}

// NewRotatingEncryptor creates a new rotating encryptor with the current key.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("rotating encryptor: version must be positive, got %d", currentVersion)
	}
	enc, err := NewDocumentEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*DocumentEncryptor),
	}, nil
}

// AddPreviousKey adds a previous encryption key for decryption.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewDocumentEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

// Encrypt encrypts with the current key and prepends the version header.
func (r *RotatingEncryptor) Encrypt(data []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sealed, err := r.current.Encrypt(data)
	if err != nil {
		return nil, err
	}
	header := versionHeader(r.currentVer)
	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	return append(out, sealed...), nil
}

// Decrypt detects the key version and decrypts with the matching key.
// Unversioned input is treated as sealed by the current key.
func (r *RotatingEncryptor) Decrypt(data []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, body, ok := parseVersionedCiphertext(data)
	if !ok {
		return r.current.Decrypt(data)
	}

	if version == r.currentVer {
		return r.current.Decrypt(body)
	}

	enc, found := r.previous[version]
	if !found {
		return nil, fmt.Errorf("%w: no key available for version %d", ErrDecrypt, version)
	}
	return enc.Decrypt(body)
}

// NeedsReEncryption reports whether data was sealed under anything other
// than the current key.
func (r *RotatingEncryptor) NeedsReEncryption(data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, ok := parseVersionedCiphertext(data)
	if !ok {
		return true
	}
	return version != r.currentVer
}

// ReEncrypt decrypts with the old key and re-encrypts with the current key.
func (r *RotatingEncryptor) ReEncrypt(data []byte) ([]byte, error) {
	plaintext, err := r.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func versionHeader(version int) []byte {
	return []byte(fmt.Sprintf("%c%d%c", keyVersionPrefix, version, keyVersionSeparator))
}

func parseVersionedCiphertext(data []byte) (int, []byte, bool) {
	if len(data) < 3 || data[0] != keyVersionPrefix {
		return 0, nil, false
	}
	limit := len(data)
	if limit > maxVersionDigits+2 {
		limit = maxVersionDigits + 2
	}
	idx := bytes.IndexByte(data[1:limit], keyVersionSeparator)
	if idx < 1 {
		return 0, nil, false
	}
	version, err := strconv.Atoi(string(data[1 : 1+idx]))
	if err != nil || version < 1 {
		return 0, nil, false
	}
	return version, data[2+idx:], true
}
