package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
)

const urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const (
	SessionTokenLength = 32
	RecipientIDLength  = 16
)

// RandomString returns n characters drawn uniformly from a URL-safe alphabet.
func RandomString(n int) (string, error) {
	max := big.NewInt(int64(len(urlSafeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random string: %w", err)
		}
		out[i] = urlSafeAlphabet[idx.Int64()]
	}
	return string(out), nil
}

func NewSessionToken() (string, error) {
	return RandomString(SessionTokenLength)
}

func NewRecipientID() (string, error) {
	return RandomString(RecipientIDLength)
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// EqualTokens compares two secrets in constant time. Empty expected values
// never match.
func EqualTokens(expected, provided string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
