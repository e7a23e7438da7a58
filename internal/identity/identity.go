// Package identity derives the opaque user ids presented to the collaboration
// provider and maps them back to people recorded on review sessions.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"previewer/api/internal/store"
)

// DerivedLength is the number of hex characters kept from the identity hash.
const DerivedLength = 16

const avatarBase = "https://api.dicebear.com/7.x/initials/svg?seed="

// Derive hashes (email, sessionID) into a short one-way identity. The email is
// normalized so that the same person maps to the same id regardless of case.
func Derive(email, sessionID string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized + "-" + sessionID))
	return hex.EncodeToString(sum[:])[:DerivedLength]
}

// ForUser returns the identity a user authenticates under. Shared sessions
// use the recipient id verbatim; everything else falls back to the hash.
func ForUser(session store.ReviewSession, email, recipientID string) string {
	if session.Mode == store.ModeShared && recipientID != "" {
		return recipientID
	}
	return Derive(email, session.ID)
}

func AvatarURL(seed string) string {
	return avatarBase + strings.ReplaceAll(url.QueryEscape(seed), "+", "%20")
}

type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	IsOwner   bool   `json:"isOwner"`
	// ExpiresAt is the expiry of the session the profile was recorded from.
	ExpiresAt time.Time `json:"expiresAt"`
}

func (p Profile) Avatar() string {
	return AvatarURL(p.Name)
}

// Profiles lists every identity a session can produce: the owner first, then
// each recipient under the id it authenticates with.
func Profiles(session store.ReviewSession) []Profile {
	out := make([]Profile, 0, len(session.Recipients)+1)
	out = append(out, Profile{
		ID:        Derive(session.CreatedBy.Email, session.ID),
		Name:      session.CreatedBy.Name,
		Email:     session.CreatedBy.Email,
		SessionID: session.ID,
		RoomID:    session.RoomID,
		IsOwner:   true,
		ExpiresAt: session.ExpiresAt,
	})
	for _, recipient := range session.Recipients {
		out = append(out, Profile{
			ID:        ForUser(session, recipient.Email, recipient.RecipientID()),
			Name:      recipient.Name,
			Email:     recipient.Email,
			SessionID: session.ID,
			RoomID:    session.RoomID,
			ExpiresAt: session.ExpiresAt,
		})
	}
	return out
}

// Match finds the profile for userID within one session. Besides the derived
// forms it also accepts the raw owner email and, for shared sessions, the
// hash of a recipient's email.
func Match(session store.ReviewSession, userID string) (Profile, bool) {
	if userID == "" {
		return Profile{}, false
	}
	for _, profile := range Profiles(session) {
		if profile.ID == userID {
			return profile, true
		}
		if profile.IsOwner && strings.EqualFold(profile.Email, userID) {
			return profile, true
		}
		if !profile.IsOwner && Derive(profile.Email, session.ID) == userID {
			return profile, true
		}
	}
	return Profile{}, false
}
