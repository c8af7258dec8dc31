package dispatcher

import (
	"crypto/sha256"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// signingKeySize is the HS256 key length HKDF expands a raw passphrase to.
const signingKeySize = 32

// nonceClaims binds the signed token to one handshake nonce so a captured
// token cannot be replayed against a later challenge.
type nonceClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// deriveSigningKey returns a 32-byte HS256 key for secret. A secret that is
// already key-length is used as-is; anything shorter (a human passphrase)
// is expanded with HKDF-SHA256 so short configured secrets don't weaken the
// handshake's HMAC.
func deriveSigningKey(secret string) ([]byte, error) {
	raw := []byte(secret)
	if len(raw) >= signingKeySize {
		return raw, nil
	}
	reader := hkdf.New(sha256.New, raw, []byte("ojworker-dispatcher-handshake"), nil)
	key := make([]byte, signingKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// buildAuthToken signs an HS256 JWT binding name and nonce, valid briefly
// so a stalled handshake can't be resumed later with a stale signature.
func buildAuthToken(secret, name, nonce string) (string, error) {
	key, err := deriveSigningKey(secret)
	if err != nil {
		return "", err
	}
	claims := nonceClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * time.Second)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}
