package store

import (
	"encoding/json"
	"strings"
	"time"
)

type Mode string

const (
	ModePrivate Mode = "private"
	ModeShared  Mode = "shared"
)

func (m Mode) Valid() bool {
	return m == ModePrivate || m == ModeShared
}

type DocumentRef struct {
	ID   string
	Type string
	// Weak references may point at an unpublished draft.
	Weak  bool
	Slug  string
	Title string
}

type Owner struct {
	ID    string
	Name  string
	Email string
	URL   string
}

// RecipientKey identifies a recipient inside a session. Private sessions hand
// each recipient a dedicated TokenKey; shared sessions distinguish recipients
// of one shared token by RecipientIDKey.
type RecipientKey interface {
	recipientKey() string
}

type TokenKey string

type RecipientIDKey string

func (k TokenKey) recipientKey() string       { return string(k) }
func (k RecipientIDKey) recipientKey() string { return string(k) }

type Recipient struct {
	Key     RecipientKey
	Name    string
	Email   string
	URL     string
	AddedAt time.Time
}

// RecipientID returns the shared-mode recipient id, or "" for token-keyed recipients.
func (r Recipient) RecipientID() string {
	if key, ok := r.Key.(RecipientIDKey); ok {
		return string(key)
	}
	return ""
}

// Token returns the private-mode recipient token, or "" for id-keyed recipients.
func (r Recipient) Token() string {
	if key, ok := r.Key.(TokenKey); ok {
		return string(key)
	}
	return ""
}

type recipientJSON struct {
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Token       string    `json:"token,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	URL         string    `json:"reviewUrl"`
	AddedAt     time.Time `json:"addedAt"`
}

func (r Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(recipientJSON{
		Name:        r.Name,
		Email:       r.Email,
		Token:       r.Token(),
		RecipientID: r.RecipientID(),
		URL:         r.URL,
		AddedAt:     r.AddedAt,
	})
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var raw recipientJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Name = raw.Name
	r.Email = raw.Email
	r.URL = raw.URL
	r.AddedAt = raw.AddedAt
	switch {
	case raw.RecipientID != "":
		r.Key = RecipientIDKey(raw.RecipientID)
	case raw.Token != "":
		r.Key = TokenKey(raw.Token)
	default:
		r.Key = nil
	}
	return nil
}

type ReviewSession struct {
	ID            string
	Token         string
	RoomID        string
	Document      DocumentRef
	Mode          Mode
	IsOwnerAccess bool
	CreatedBy     Owner
	Recipients    []Recipient
	ExpiresAt     time.Time
	Revoked       bool
	CommentCount  int
	CreatedAt     time.Time
}

// Live reports whether the session may still be used at the given instant.
func (s ReviewSession) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

func (s ReviewSession) IsOwnerEmail(email string) bool {
	return email != "" && strings.EqualFold(s.CreatedBy.Email, email)
}

func (s ReviewSession) RecipientByEmail(email string) (Recipient, bool) {
	for _, recipient := range s.Recipients {
		if strings.EqualFold(recipient.Email, email) {
			return recipient, true
		}
	}
	return Recipient{}, false
}

func (s ReviewSession) RecipientByID(recipientID string) (Recipient, bool) {
	if recipientID == "" {
		return Recipient{}, false
	}
	for _, recipient := range s.Recipients {
		if recipient.RecipientID() == recipientID {
			return recipient, true
		}
	}
	return Recipient{}, false
}
