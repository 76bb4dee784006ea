package tenant

import (
	"strings"
	"testing"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-encryption-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	secrets := []string{
		"",
		"s3cret",
		"postgres://user:pass@db:5432/tenant",
		strings.Repeat("x", 4096),
	}
	for _, secret := range secrets {
		encrypted, err := c.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", secret, err)
		}
		if encrypted == secret && secret != "" {
			t.Errorf("Encrypt(%q) returned plaintext", secret)
		}

		decrypted, err := c.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if decrypted != secret {
			t.Errorf("round trip mismatch: got %q, want %q", decrypted, secret)
		}
	}
}

func TestCipher_UniqueNonces(t *testing.T) {
	c, err := NewCipher("test-encryption-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	a, _ := c.Encrypt("same-plaintext")
	b, _ := c.Encrypt("same-plaintext")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestCipher_WrongKeyFails(t *testing.T) {
	c1, _ := NewCipher("key-one")
	c2, _ := NewCipher("key-two")

	encrypted, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c2.Decrypt(encrypted); err == nil {
		t.Error("Decrypt with wrong key succeeded")
	}
}

func TestCipher_RejectsGarbage(t *testing.T) {
	c, _ := NewCipher("key")
	for _, input := range []string{"not-base64!!!", "aGVsbG8", ""} {
		if _, err := c.Decrypt(input); err == nil && input != "" {
			t.Errorf("Decrypt(%q) succeeded", input)
		}
	}
}
