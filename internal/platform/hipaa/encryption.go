package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Encryptor seals strings with AES-256-GCM. Output is base64 of nonce
// followed by ciphertext.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryptor: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryptor: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt: nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(e.aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("decrypt: ciphertext too short")
	}
	plain, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// KeyRing encrypts with the current key and decrypts with whichever key
// version the ciphertext names. Ciphertexts look like "v3:<base64>".
// Unprefixed values are tried against the current key.
type KeyRing struct {
	current    *Encryptor
	currentVer int
	previous   map[int]*Encryptor
}

func NewKeyRing(currentKey []byte, version int) (*KeyRing, error) {
	enc, err := NewEncryptor(currentKey)
	if err != nil {
		return nil, err
	}
	return &KeyRing{current: enc, currentVer: version, previous: map[int]*Encryptor{}}, nil
}

// AddPrevious registers a retired key for decryption only.
func (k *KeyRing) AddPrevious(key []byte, version int) error {
	if version == k.currentVer {
		return fmt.Errorf("key version %d is already current", version)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		return fmt.Errorf("key v%d: %w", version, err)
	}
	k.previous[version] = enc
	return nil
}

func (k *KeyRing) Version() int { return k.currentVer }

func (k *KeyRing) Encrypt(plaintext string) (string, error) {
	ct, err := k.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return "v" + strconv.Itoa(k.currentVer) + ":" + ct, nil
}

func (k *KeyRing) Decrypt(ciphertext string) (string, error) {
	ver, data, ok := splitVersion(ciphertext)
	if !ok || ver == k.currentVer {
		return k.current.Decrypt(data)
	}
	enc, found := k.previous[ver]
	if !found {
		return "", fmt.Errorf("decrypt: no key for version %d", ver)
	}
	return enc.Decrypt(data)
}

// Stale reports whether ciphertext was sealed with a key other than the
// current one.
func (k *KeyRing) Stale(ciphertext string) bool {
	ver, _, ok := splitVersion(ciphertext)
	return !ok || ver != k.currentVer
}

func splitVersion(s string) (int, string, bool) {
	if !strings.HasPrefix(s, "v") {
		return 0, s, false
	}
	head, rest, found := strings.Cut(s[1:], ":")
	if !found {
		return 0, s, false
	}
	v, err := strconv.Atoi(head)
	if err != nil {
		return 0, s, false
	}
	return v, rest, true
}
