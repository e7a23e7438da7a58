package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"previewer/api/internal/store"
)

const previewSnippetLength = 100

type PreviewLookupInput struct {
	Slug        string
	Token       string
	UserName    string
	UserEmail   string
	RecipientID string
}

type PreviewUserInfo struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	IsOwner     bool   `json:"isOwner"`
	RecipientID string `json:"recipientId"`
}

type PreviewSession struct {
	SessionID string          `json:"sessionId"`
	RoomID    string          `json:"roomId"`
	Mode      store.Mode      `json:"mode"`
	Token     string          `json:"token"`
	Title     string          `json:"title"`
	ExpiresAt time.Time       `json:"expiresAt"`
	UserInfo  PreviewUserInfo `json:"userInfo"`
}

// LookupPreview resolves a preview link. Unknown, revoked and expired tokens,
// and tokens issued for another document, all report the same not-found.
func (s *Service) LookupPreview(ctx context.Context, input PreviewLookupInput) (*PreviewSession, error) {
	token := strings.TrimSpace(input.Token)
	if token == "" {
		return nil, notFoundError()
	}

	lookupCtx, cancel := s.outbound(ctx)
	session, err := s.store.GetSessionByToken(lookupCtx, token)
	cancel()
	if store.IsNotFound(err) {
		return nil, notFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("load preview session: %w", err)
	}
	if !session.Live(s.now()) || session.Document.Slug != input.Slug {
		return nil, notFoundError()
	}

	info := PreviewUserInfo{
		Name:        input.UserName,
		Email:       input.UserEmail,
		RecipientID: input.RecipientID,
	}
	if recipient, ok := session.RecipientByID(input.RecipientID); ok {
		info.Name = recipient.Name
		info.Email = recipient.Email
	}
	if input.RecipientID == "" && input.UserName == "" && input.UserEmail == "" && len(session.Recipients) == 1 {
		only := session.Recipients[0]
		info.Name = only.Name
		info.Email = only.Email
		info.RecipientID = only.RecipientID()
	}
	info.IsOwner = session.IsOwnerEmail(firstNonBlank(input.UserEmail, info.Email))

	return &PreviewSession{
		SessionID: session.ID,
		RoomID:    session.RoomID,
		Mode:      session.Mode,
		Token:     session.Token,
		Title:     session.Document.Title,
		ExpiresAt: session.ExpiresAt,
		UserInfo:  info,
	}, nil
}

// RevokeSession disables a session immediately. Its identities are dropped
// from the directory so they stop resolving.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) (map[string]any, error) {
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RevokeSession(ctx, sessionID); err != nil {
		return nil, err
	}
	s.directory.Forget(session)
	s.log.Info().Str("session_id", sessionID).Str("room_id", session.RoomID).Msg("session revoked")
	return map[string]any{"success": true, "sessionId": sessionID, "revoked": true}, nil
}

// DeleteSession permanently removes a session, every other session bound to
// its room, and the room itself. A provider failure is logged and does not
// stop the local deletion.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (map[string]any, error) {
	lookupCtx, cancel := s.outbound(ctx)
	session, err := s.store.GetSession(lookupCtx, sessionID)
	cancel()
	if err != nil {
		return nil, err
	}

	roomDeleted := true
	if err := s.deleteRoom(ctx, session.RoomID); err != nil {
		roomDeleted = false
		s.log.Warn().Err(err).Str("room_id", session.RoomID).Msg("delete room during session deletion")
	}

	listCtx, cancel := s.outbound(ctx)
	related, err := s.store.ListSessionsByRoom(listCtx, session.RoomID)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", session.RoomID).Msg("list room sessions before delete")
		related = []store.ReviewSession{session}
	}

	deleteCtx, cancel := s.outbound(ctx)
	defer cancel()
	deleted, err := s.store.DeleteSessionsByRoom(deleteCtx, session.RoomID)
	if err != nil {
		return nil, err
	}
	s.directory.Forget(related...)
	s.log.Info().
		Str("session_id", sessionID).
		Str("room_id", session.RoomID).
		Int("deleted", deleted).
		Bool("room_deleted", roomDeleted).
		Msg("session deleted")
	return map[string]any{
		"success":         true,
		"roomId":          session.RoomID,
		"sessionsDeleted": deleted,
		"roomDeleted":     roomDeleted,
	}, nil
}

// DeleteRoom destroys a room at the collaboration provider.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) (map[string]any, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, validationError("Room ID is required")
	}
	if err := s.deleteRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "Room deleted successfully", "roomId": roomID}, nil
}

func (s *Service) deleteRoom(ctx context.Context, roomID string) error {
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	if err := s.provider.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

type QueuedNotification struct {
	Type          string    `json:"type"`
	From          string    `json:"from"`
	DocumentTitle string    `json:"documentTitle"`
	Timestamp     time.Time `json:"timestamp"`
	Content       string    `json:"content"`
}

type QueueStatus struct {
	Email         string               `json:"email"`
	Count         int64                `json:"count"`
	Debouncing    bool                 `json:"debouncing"`
	Notifications []QueuedNotification `json:"notifications"`
}

// QueueStatus lists every pending mailbox with truncated previews.
func (s *Service) QueueStatus(ctx context.Context) (map[string]any, error) {
	recipients, err := s.queue.ListPendingRecipients(ctx)
	if err != nil {
		return nil, err
	}
	queues := make([]QueueStatus, 0, len(recipients))
	for _, recipient := range recipients {
		items, err := s.queue.Drain(ctx, recipient)
		if err != nil {
			return nil, err
		}
		count, err := s.queue.Count(ctx, recipient)
		if err != nil {
			return nil, err
		}
		debouncing, err := s.queue.IsDebounceActive(ctx, recipient)
		if err != nil {
			return nil, err
		}
		previews := make([]QueuedNotification, 0, len(items))
		for _, item := range items {
			previews = append(previews, QueuedNotification{
				Type:          string(item.Type),
				From:          item.From,
				DocumentTitle: item.DocumentTitle,
				Timestamp:     item.Timestamp,
				Content:       truncateRunes(item.Content, previewSnippetLength),
			})
		}
		queues = append(queues, QueueStatus{
			Email:         recipient,
			Count:         count,
			Debouncing:    debouncing,
			Notifications: previews,
		})
	}
	return map[string]any{
		"success":         true,
		"totalRecipients": len(recipients),
		"queues":          queues,
		"timestamp":       s.now().UTC(),
	}, nil
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
