package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateKeyGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".encryption_key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if first == "" {
		t.Fatal("generated key is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file perm = %o, want 600", perm)
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey (second): %v", err)
	}
	if second != first {
		t.Error("second load generated a different key")
	}
}

func TestLoadKeyTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".encryption_key")
	if err := os.WriteFile(path, []byte("  abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if key != "abc123" {
		t.Errorf("key = %q, want abc123", key)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("test-master-key")

	plaintext := "sk-proj-abcdef1234567890"
	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if encrypted == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("round trip = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptEmptyIsEmpty(t *testing.T) {
	c := NewCipher("k")

	encrypted, err := c.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if encrypted != "" {
		t.Errorf("Encrypt(\"\") = %q, want empty", encrypted)
	}

	decrypted, err := c.Decrypt("")
	if err != nil || decrypted != "" {
		t.Errorf("Decrypt(\"\") = %q, %v; want empty, nil", decrypted, err)
	}
}

func TestEncryptProducesFreshSaltAndNonce(t *testing.T) {
	c := NewCipher("k")

	a, err := c.Encrypt("same value")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encrypt("same value")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same value produced identical ciphertext")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	encrypted, err := NewCipher("key-one").Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewCipher("key-two").Decrypt(encrypted); err == nil {
		t.Error("decrypt with wrong key succeeded")
	}
}

func TestDecryptGarbageFails(t *testing.T) {
	c := NewCipher("k")

	for _, in := range []string{"not base64!!!", "YWJj", "YQ=="} {
		if _, err := c.Decrypt(in); err == nil {
			t.Errorf("Decrypt(%q) succeeded, want error", in)
		}
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "*****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"sk-proj-abcdef1234567890", "sk-p" + strings.Repeat("*", 16) + "7890"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
