package hipaa

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// KeyConfig carries the raw key settings.
type KeyConfig struct {
	// Key is the current key as 64 hex characters. Empty disables encryption.
	Key     string
	Version int
	// Previous lists retired keys as "version:hex" entries.
	Previous []string
}

// EncryptionService encrypts report snapshots at rest. Without a key it
// passes values through unchanged so local development needs no setup.
type EncryptionService struct {
	ring *KeyRing
}

func NewEncryptionService(cfg KeyConfig, logger zerolog.Logger) (*EncryptionService, error) {
	if cfg.Key == "" {
		logger.Warn().Msg("report encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &EncryptionService{}, nil
	}

	key, err := decodeKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
	}
	ver := cfg.Version
	if ver <= 0 {
		ver = 1
	}
	ring, err := NewKeyRing(key, ver)
	if err != nil {
		return nil, err
	}

	for _, p := range cfg.Previous {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		vs, hexKey, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("previous key %q: expected version:hex", p)
		}
		v, err := strconv.Atoi(vs)
		if err != nil {
			return nil, fmt.Errorf("previous key version %q: %w", vs, err)
		}
		k, err := decodeKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", v, err)
		}
		if err := ring.AddPrevious(k, v); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("key_version", ver).Int("previous_keys", len(ring.previous)).Msg("report encryption enabled")
	return &EncryptionService{ring: ring}, nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(b))
	}
	return b, nil
}

func (s *EncryptionService) EncryptField(value string) (string, error) {
	if s.ring == nil {
		return value, nil
	}
	return s.ring.Encrypt(value)
}

func (s *EncryptionService) DecryptField(value string) (string, error) {
	if s.ring == nil {
		return value, nil
	}
	return s.ring.Decrypt(value)
}

// NeedsRotation reports whether a stored value should be rewritten under the
// current key.
func (s *EncryptionService) NeedsRotation(value string) bool {
	return s.ring != nil && s.ring.Stale(value)
}

func (s *EncryptionService) IsEnabled() bool {
	return s.ring != nil
}
