package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"

	webhookSecretPrefix = "whsec_"
	webhookTolerance    = 5 * time.Minute
)

var (
	ErrMissingSignatureHeaders = errors.New("missing webhook signature headers")
	ErrInvalidSignature        = errors.New("invalid webhook signature")
	ErrStaleTimestamp          = errors.New("webhook timestamp outside tolerance")
)

type WebhookVerifier struct {
	key []byte
}

// NewWebhookVerifier accepts the provider's signing secret, with or without
// the whsec_ prefix. The remainder is base64 encoded.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	secret = strings.TrimPrefix(strings.TrimSpace(secret), webhookSecretPrefix)
	if secret == "" {
		return nil, ErrNoSecret
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return &WebhookVerifier{key: key}, nil
}

// Verify checks the signature headers against body and returns the event id.
func (v *WebhookVerifier) Verify(headers http.Header, body []byte, now time.Time) (string, error) {
	id := headers.Get(HeaderWebhookID)
	timestamp := headers.Get(HeaderWebhookTimestamp)
	signatures := headers.Get(HeaderWebhookSignature)
	if id == "" || timestamp == "" || signatures == "" {
		return "", ErrMissingSignatureHeaders
	}

	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrInvalidSignature
	}
	sent := time.Unix(seconds, 0)
	if now.Sub(sent) > webhookTolerance || sent.Sub(now) > webhookTolerance {
		return "", ErrStaleTimestamp
	}

	expected := v.Sign(id, timestamp, body)
	for _, candidate := range strings.Fields(signatures) {
		version, signature, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return id, nil
		}
	}
	return "", ErrInvalidSignature
}

// Sign returns the base64 v1 signature for a message.
func (v *WebhookVerifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	_, _ = mac.Write([]byte(id + "." + timestamp + "."))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
