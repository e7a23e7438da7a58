// Package collab talks to the real-time collaboration provider: minting room
// credentials, deleting rooms and decoding the events it delivers.
package collab

import (
	"context"
	"errors"
)

// FullAccess grants read/write on the room and its comments.
var FullAccess = []string{"room:write", "comments:write"}

var ErrNotSupported = errors.New("operation not supported by provider")

type UserInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	IsOwner bool   `json:"isOwner"`
	Avatar  string `json:"avatar"`
}

type Grant struct {
	UserID   string
	UserInfo UserInfo
	RoomID   string
}

// Credential is the provider's answer to an authorization, relayed verbatim
// to the browser.
type Credential struct {
	Status int
	Body   []byte
}

type Provider interface {
	Authorize(ctx context.Context, grant Grant) (Credential, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// CommentFetcher is implemented by providers that can look up a comment body
// that was not included in the event payload.
type CommentFetcher interface {
	FetchCommentText(ctx context.Context, roomID, threadID, commentID string) (string, error)
}
