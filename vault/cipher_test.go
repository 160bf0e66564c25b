package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func TestFieldCipherRoundTrip(t *testing.T) {
	fc, err := NewFieldCipher(testSecret)
	if err != nil {
		t.Fatalf("NewFieldCipher failed: %v", err)
	}

	plaintext := []byte(`{"account":"12-3456-789","balance":1044.50}`)
	for _, domain := range Domains {
		blob, err := fc.Encrypt(plaintext, domain)
		if err != nil {
			t.Fatalf("Encrypt(%s) failed: %v", domain, err)
		}
		got, err := fc.Decrypt(blob, domain)
		if err != nil {
			t.Fatalf("Decrypt(%s) failed: %v", domain, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt(%s) = %q, want %q", domain, got, plaintext)
		}
	}
}

func TestFieldCipherDomainIsolation(t *testing.T) {
	fc, err := NewFieldCipher(testSecret)
	if err != nil {
		t.Fatalf("NewFieldCipher failed: %v", err)
	}

	blob, err := fc.Encrypt([]byte("ssn=123-45-6789"), DomainPII)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	_, err = fc.Decrypt(blob, DomainFinancial)
	if !errors.Is(err, ErrDomainMismatch) {
		t.Errorf("cross-domain decrypt error = %v, want ErrDomainMismatch", err)
	}
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Errorf("domain mismatch should be an integrity violation, got %v", err)
	}
}

func TestFieldCipherTamperedBlob(t *testing.T) {
	fc, err := NewFieldCipher(testSecret)
	if err != nil {
		t.Fatalf("NewFieldCipher failed: %v", err)
	}

	blob, err := fc.Encrypt([]byte("payload"), DomainBusiness)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := fc.Decrypt(tampered, DomainBusiness); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("tampered decrypt error = %v, want ErrDecryptionFailure", err)
	}
}

func TestFieldCipherDifferentSecretsDisagree(t *testing.T) {
	fc1, _ := NewFieldCipher(testSecret)
	fc2, _ := NewFieldCipher(bytes.Repeat([]byte{0x43}, 32))

	blob, err := fc1.Encrypt([]byte("value"), DomainSystem)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := fc2.Decrypt(blob, DomainSystem); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("decrypt under wrong secret error = %v, want ErrDecryptionFailure", err)
	}
}

func TestFieldCipherDestroy(t *testing.T) {
	fc, err := NewFieldCipher(testSecret)
	if err != nil {
		t.Fatalf("NewFieldCipher failed: %v", err)
	}
	fc.Destroy()

	if _, err := fc.Encrypt([]byte("x"), DomainPII); !errors.Is(err, ErrUnknownDomain) {
		t.Errorf("Encrypt after Destroy error = %v, want ErrUnknownDomain", err)
	}
}

func TestFieldCipherEmptySecret(t *testing.T) {
	if _, err := NewFieldCipher(nil); err == nil {
		t.Error("NewFieldCipher accepted an empty master secret")
	}
}
