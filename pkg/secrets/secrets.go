package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	dErrors "gatehouse/pkg/domain-errors"
)

// GrantPrefix marks opaque access grant secrets so they are recognisable in
// logs and secret scanners without revealing anything about the grant.
const GrantPrefix = "gk_"

// MinKeyLength is the shortest digest key accepted by NewDigester.
const MinKeyLength = 16

// Generate creates a cryptographically secure random secret.
// Returns a base64url-encoded string of 32 random bytes.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not generate secret")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateGrantSecret is Generate with the grant prefix applied.
func GenerateGrantSecret() (string, error) {
	s, err := Generate()
	if err != nil {
		return "", err
	}
	return GrantPrefix + s, nil
}

// Digester produces keyed BLAKE2b-256 digests. Only digests are persisted, so a
// leaked table cannot be replayed without the server key.
type Digester struct {
	key []byte
}

func NewDigester(key []byte) (*Digester, error) {
	if len(key) < MinKeyLength || len(key) > blake2b.Size {
		return nil, dErrors.New(dErrors.CodeValidation, "digest key must be between 16 and 64 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Digester{key: k}, nil
}

// Digest returns the hex encoded keyed digest of secret. Surrounding whitespace
// is ignored so pasted secrets still match.
func (d *Digester) Digest(secret string) string {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// key length is checked in NewDigester
		panic(err)
	}
	h.Write([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
