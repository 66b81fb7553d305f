package hipaa

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(1))
	if err != nil {
		t.Fatal(err)
	}
	plain := `{"chataId":"JS-202401-1234","formData":{"strengths":"Curious"}}`
	ct, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(ct, "Curious") {
		t.Error("ciphertext leaks plaintext")
	}
	again, _ := enc.Encrypt(plain)
	if again == ct {
		t.Error("nonce reuse: identical ciphertexts")
	}
	got, err := enc.Decrypt(ct)
	if err != nil || got != plain {
		t.Errorf("decrypt = %q, %v", got, err)
	}
}

func TestEncryptor_Rejects(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("expected key length error")
	}
	enc, _ := NewEncryptor(testKey(1))
	other, _ := NewEncryptor(testKey(2))
	ct, _ := enc.Encrypt("secret")

	if _, err := other.Decrypt(ct); err == nil {
		t.Error("wrong key should fail authentication")
	}
	if _, err := enc.Decrypt("%%%"); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := enc.Decrypt("AAAA"); err == nil {
		t.Error("expected short ciphertext error")
	}
}

func TestKeyRing_Rotation(t *testing.T) {
	v1, _ := NewKeyRing(testKey(1), 1)
	oldCT, _ := v1.Encrypt("from v1")
	if !strings.HasPrefix(oldCT, "v1:") {
		t.Fatalf("missing version prefix: %q", oldCT)
	}

	v2, _ := NewKeyRing(testKey(2), 2)
	if _, err := v2.Decrypt(oldCT); err == nil {
		t.Error("v2 ring without the v1 key should fail")
	}
	if err := v2.AddPrevious(testKey(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := v2.AddPrevious(testKey(3), 2); err == nil {
		t.Error("re-registering the current version should fail")
	}

	got, err := v2.Decrypt(oldCT)
	if err != nil || got != "from v1" {
		t.Errorf("decrypt old = %q, %v", got, err)
	}
	if !v2.Stale(oldCT) {
		t.Error("v1 ciphertext should be stale")
	}
	newCT, _ := v2.Encrypt("from v2")
	if v2.Stale(newCT) {
		t.Error("current ciphertext should not be stale")
	}

	enc, _ := NewEncryptor(testKey(2))
	legacy, _ := enc.Encrypt("unversioned")
	if got, err := v2.Decrypt(legacy); err != nil || got != "unversioned" {
		t.Errorf("legacy decrypt = %q, %v", got, err)
	}
	if !v2.Stale(legacy) {
		t.Error("unversioned ciphertext should be stale")
	}
}

func TestEncryptionService_Disabled(t *testing.T) {
	svc, err := NewEncryptionService(KeyConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if svc.IsEnabled() {
		t.Error("expected disabled service")
	}
	v, _ := svc.EncryptField("plain")
	if v != "plain" {
		t.Errorf("disabled encrypt = %q", v)
	}
	if svc.NeedsRotation("plain") {
		t.Error("disabled service never rotates")
	}
}

func TestEncryptionService_Keys(t *testing.T) {
	cur := hex.EncodeToString(testKey(2))
	prev := hex.EncodeToString(testKey(1))

	svc, err := NewEncryptionService(KeyConfig{Key: cur, Version: 2, Previous: []string{"1:" + prev, " "}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	old, _ := NewKeyRing(testKey(1), 1)
	ct, _ := old.Encrypt("carried over")
	if got, err := svc.DecryptField(ct); err != nil || got != "carried over" {
		t.Errorf("decrypt previous = %q, %v", got, err)
	}
	if !svc.NeedsRotation(ct) {
		t.Error("expected rotation for v1 value")
	}

	bad := []KeyConfig{
		{Key: "zz"},
		{Key: hex.EncodeToString([]byte("too short"))},
		{Key: cur, Previous: []string{"nocolon"}},
		{Key: cur, Previous: []string{"x:" + prev}},
		{Key: cur, Previous: []string{"3:beef"}},
	}
	for _, cfg := range bad {
		if _, err := NewEncryptionService(cfg, zerolog.Nop()); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
