package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoSecret = errors.New("secret is not configured")

// SecretHash keeps only a bcrypt digest of a shared bearer secret so the
// plaintext does not live in process memory after startup.
type SecretHash struct {
	digest []byte
}

func NewSecretHash(secret string) (*SecretHash, error) {
	if secret == "" {
		return &SecretHash{}, nil
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	return &SecretHash{digest: digest}, nil
}

func (h *SecretHash) Configured() bool {
	return h != nil && len(h.digest) > 0
}

func (h *SecretHash) Verify(candidate string) error {
	if !h.Configured() {
		return ErrNoSecret
	}
	if candidate == "" {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword(h.digest, []byte(candidate))
}
