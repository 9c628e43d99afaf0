package auth

import (
	"strings"
	"testing"
)

func TestVerifyTokenPlaintext(t *testing.T) {
	t.Parallel()

	ok, err := VerifyToken("s3cret", "s3cret")
	if err != nil || !ok {
		t.Errorf("VerifyToken(match) = %v, %v; want true, nil", ok, err)
	}

	ok, err = VerifyToken("wrong", "s3cret")
	if err != nil || ok {
		t.Errorf("VerifyToken(mismatch) = %v, %v; want false, nil", ok, err)
	}
}

func TestVerifyTokenSHA256(t *testing.T) {
	t.Parallel()

	secret := "sha256:" + SHA256Hex("s3cret")

	ok, err := VerifyToken("s3cret", secret)
	if err != nil || !ok {
		t.Errorf("VerifyToken(match) = %v, %v; want true, nil", ok, err)
	}

	ok, err = VerifyToken("wrong", secret)
	if err != nil || ok {
		t.Errorf("VerifyToken(mismatch) = %v, %v; want false, nil", ok, err)
	}
}

func TestVerifyTokenArgon2id(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash %q not in PHC format", hash)
	}

	ok, err := VerifyToken("s3cret", hash)
	if err != nil || !ok {
		t.Errorf("VerifyToken(match) = %v, %v; want true, nil", ok, err)
	}

	ok, err = VerifyToken("wrong", hash)
	if err != nil || ok {
		t.Errorf("VerifyToken(mismatch) = %v, %v; want false, nil", ok, err)
	}
}

func TestVerifyTokenMalformedArgon2id(t *testing.T) {
	t.Parallel()

	// Malformed PHC strings must surface as errors, never panics.
	for _, secret := range []string{
		"$argon2id$",
		"$argon2id$v=19$m=abc,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=1$!!$!!",
	} {
		ok, err := VerifyToken("anything", secret)
		if ok {
			t.Errorf("VerifyToken(%q) = true, want false", secret)
		}
		if err == nil {
			t.Errorf("VerifyToken(%q) error = nil, want error", secret)
		}
	}
}

func TestVerifyTokenEmptySecret(t *testing.T) {
	t.Parallel()

	ok, err := VerifyToken("anything", "")
	if ok || err == nil {
		t.Errorf("VerifyToken(empty secret) = %v, %v; want false, error", ok, err)
	}
}

func TestHashTokenUniqueSalts(t *testing.T) {
	t.Parallel()

	a, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	b, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	if a == b {
		t.Error("two hashes of the same token are identical, salt not applied")
	}
}
