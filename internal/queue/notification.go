package queue

import "time"

type Type string

const (
	TypeComment Type = "comment"
	TypeResolve Type = "resolve"
)

// Audience selects the digest wording: owners hear about their drafts,
// reviewers hear about feedback they left.
type Audience string

const (
	AudienceOwner    Audience = "owner"
	AudienceReviewer Audience = "reviewer"
)

type Notification struct {
	Type          Type      `json:"type"`
	SessionID     string    `json:"sessionId"`
	DocumentTitle string    `json:"documentTitle"`
	DocumentSlug  string    `json:"documentSlug"`
	From          string    `json:"from"`
	Content       string    `json:"content,omitempty"`
	ThreadID      string    `json:"threadId"`
	Timestamp     time.Time `json:"timestamp"`
	Link          string    `json:"link,omitempty"`
	Audience      Audience  `json:"audience,omitempty"`
}
