package security

import (
	"strings"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{"no key disables", nil, false, false},
		{"valid key", key, false, true},
		{"short key", key[:16], true, false},
		{"long key", append(append([]byte{}, key...), 1), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	for _, plain := range []string{"access-token", strings.Repeat("x", 4096), "ünïcödé"} {
		sealed, err := enc.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if sealed == plain {
			t.Errorf("Encrypt(%q) returned plaintext", plain)
		}
		again, _ := enc.Encrypt(plain)
		if again == sealed {
			t.Error("Encrypt() reused a nonce")
		}
		got, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plain {
			t.Errorf("Decrypt() = %q, want %q", got, plain)
		}
	}
}

func TestEncryptor_Passthrough(t *testing.T) {
	var nilEnc *Encryptor
	disabled, _ := NewEncryptor(nil)

	for name, enc := range map[string]*Encryptor{"nil": nilEnc, "disabled": disabled} {
		t.Run(name, func(t *testing.T) {
			got, err := enc.Encrypt("value")
			if err != nil || got != "value" {
				t.Errorf("Encrypt() = %q, %v, want passthrough", got, err)
			}
			got, err = enc.Decrypt("value")
			if err != nil || got != "value" {
				t.Errorf("Decrypt() = %q, %v, want passthrough", got, err)
			}
		})
	}
}

func TestEncryptor_DecryptErrors(t *testing.T) {
	key, _ := GenerateKey()
	otherKey, _ := GenerateKey()
	enc, _ := NewEncryptor(key)
	other, _ := NewEncryptor(otherKey)

	sealed, _ := enc.Encrypt("secret")

	tests := []struct {
		name  string
		enc   *Encryptor
		input string
	}{
		{"wrong key", other, sealed},
		{"not base64", enc, "!!!"},
		{"too short", enc, "AAAA"},
		{"tampered", enc, sealed[:len(sealed)-4] + "AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.enc.Decrypt(tt.input); err == nil {
				t.Error("Decrypt() should fail")
			}
		})
	}
}

func TestKeyBase64(t *testing.T) {
	key, _ := GenerateKey()
	got, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if string(got) != string(key) {
		t.Error("key changed after base64 round trip")
	}

	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("KeyFromBase64() should reject invalid base64")
	}
	if _, err := KeyFromBase64(KeyToBase64(key[:10])); err == nil {
		t.Error("KeyFromBase64() should reject short keys")
	}
}
