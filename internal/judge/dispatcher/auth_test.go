package dispatcher

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDeriveSigningKeyExpandsShortSecret(t *testing.T) {
	key, err := deriveSigningKey("short")
	if err != nil {
		t.Fatalf("deriveSigningKey: %v", err)
	}
	if len(key) != signingKeySize {
		t.Fatalf("expected expanded key of length %d, got %d", signingKeySize, len(key))
	}

	key2, err := deriveSigningKey("short")
	if err != nil {
		t.Fatalf("deriveSigningKey: %v", err)
	}
	if string(key) != string(key2) {
		t.Fatal("expected HKDF expansion to be deterministic for the same secret")
	}
}

func TestDeriveSigningKeyPassesThroughLongSecret(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef" // 32 bytes, already >= key size
	key, err := deriveSigningKey(secret)
	if err != nil {
		t.Fatalf("deriveSigningKey: %v", err)
	}
	if string(key) != secret {
		t.Fatalf("expected a long secret to pass through unchanged, got %q", key)
	}
}

func TestBuildAuthTokenBindsNameAndNonce(t *testing.T) {
	token, err := buildAuthToken("a-configured-secret", "worker-7", "nonce-abc")
	if err != nil {
		t.Fatalf("buildAuthToken: %v", err)
	}

	key, err := deriveSigningKey("a-configured-secret")
	if err != nil {
		t.Fatalf("deriveSigningKey: %v", err)
	}

	claims := &nonceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("expected token to verify, err=%v valid=%v", err, parsed.Valid)
	}
	if claims.Nonce != "nonce-abc" {
		t.Fatalf("Nonce = %q, want nonce-abc", claims.Nonce)
	}
	if claims.Subject != "worker-7" {
		t.Fatalf("Subject = %q, want worker-7", claims.Subject)
	}
	if claims.ExpiresAt.Time.Before(time.Now()) {
		t.Fatal("expected token not to already be expired")
	}
}

func TestBuildAuthTokenRejectsWrongSecret(t *testing.T) {
	token, err := buildAuthToken("the-real-secret", "worker-1", "nonce-1")
	if err != nil {
		t.Fatalf("buildAuthToken: %v", err)
	}

	wrongKey, err := deriveSigningKey("a-different-secret")
	if err != nil {
		t.Fatalf("deriveSigningKey: %v", err)
	}

	claims := &nonceClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return wrongKey, nil
	})
	if err == nil {
		t.Fatal("expected verification with the wrong secret to fail")
	}
}
