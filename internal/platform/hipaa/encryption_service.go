package hipaa

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Cipher is the encryption collaborator the document core depends on.
// Decrypt failures wrap ErrDecrypt.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// EncryptionService provides document encryption for the application.
// It wraps a RotatingEncryptor and adds a disabled mode for development
// environments where no encryption key is configured.
type EncryptionService struct {
	encryptor *RotatingEncryptor
	enabled   bool
}

// KeyConfig describes the current key and any retired keys still needed to
// read older documents. Keys are 64-character hex strings.
type KeyConfig struct {
	CurrentKey     string
	CurrentVersion int
	PreviousKeys   map[int]string
}

// NewEncryptionService creates a new encryption service.
//
// If the current key is empty, encryption is disabled (development mode) and
// a warning is logged. Encrypt and Decrypt then return their input unchanged.
//
// A non-empty key must decode to 32 bytes; anything else is an error so the
// application refuses to start with a misconfigured key.
func NewEncryptionService(cfg KeyConfig, logger zerolog.Logger) (*EncryptionService, error) {
	if cfg.CurrentKey == "" {
		logger.Warn().Msg("document encryption disabled: DOCUMENT_ENCRYPTION_KEY is not set")
		return &EncryptionService{enabled: false}, nil
	}

	version := cfg.CurrentVersion
	if version == 0 {
		version = 1
	}

	keyBytes, err := decodeKey(cfg.CurrentKey)
	if err != nil {
		return nil, fmt.Errorf("DOCUMENT_ENCRYPTION_KEY: %w", err)
	}

	enc, err := NewRotatingEncryptor(keyBytes, version)
	if err != nil {
		return nil, fmt.Errorf("create document encryptor: %w", err)
	}

	for v, k := range cfg.PreviousKeys {
		if v == version {
			return nil, fmt.Errorf("previous key version %d collides with the current version", v)
		}
		prev, err := decodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", v, err)
		}
		if err := enc.AddPreviousKey(prev, v); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Int("key_version", version).
		Int("previous_keys", len(cfg.PreviousKeys)).
		Msg("document encryption enabled")
	return &EncryptionService{encryptor: enc, enabled: true}, nil
}

// Encrypt seals a document body. Returns the input unchanged if encryption is
// disabled.
func (s *EncryptionService) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.enabled {
		return plaintext, nil
	}
	return s.encryptor.Encrypt(plaintext)
}

// Decrypt opens a stored document body. Returns the input unchanged if
// encryption is disabled.
func (s *EncryptionService) Decrypt(ciphertext []byte) ([]byte, error) {
	if !s.enabled {
		return ciphertext, nil
	}
	return s.encryptor.Decrypt(ciphertext)
}

// IsEnabled returns true if encryption is active.
func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}

// ParseKeyList parses "version:hexkey" pairs separated by commas, as used by
// DOCUMENT_PREVIOUS_KEYS.
func ParseKeyList(s string) (map[int]string, error) {
	keys := make(map[int]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, k, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("key entry %q: expected version:hexkey", part)
		}
		version, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(v), "v"))
		if err != nil || version < 1 {
			return nil, fmt.Errorf("key entry %q: invalid version", part)
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("key version %d listed twice", version)
		}
		if _, err := decodeKey(k); err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		keys[version] = strings.TrimSpace(k)
	}
	return keys, nil
}

func decodeKey(s string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}
