package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"previewer/api/internal/auth"
	"previewer/api/internal/collab"
	"previewer/api/internal/identity"
	"previewer/api/internal/queue"
	"previewer/api/internal/store"
)

const (
	fallbackCommentText = "New comment"
	fallbackActorName   = "A reviewer"
)

// HandleWebhook verifies a provider delivery and routes it. A delivery whose
// event id was already processed is acknowledged without side effects.
func (s *Service) HandleWebhook(ctx context.Context, headers http.Header, body []byte) (map[string]any, error) {
	if s.webhooks == nil {
		return nil, domainError(http.StatusServiceUnavailable, "WEBHOOK_UNCONFIGURED", "Webhook secret is not configured", nil)
	}
	eventID, err := s.webhooks.Verify(headers, body, s.now())
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		code := "INVALID_SIGNATURE"
		if errors.Is(err, auth.ErrMissingSignatureHeaders) {
			code = "MISSING_SIGNATURE"
		}
		return nil, domainError(http.StatusBadRequest, code, "Webhook verification failed", nil)
	}

	event, err := collab.ParseEvent(body)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return nil, domainError(http.StatusBadRequest, "INVALID_EVENT", err.Error(), nil)
	}

	claimed, err := s.queue.ClaimEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("claim webhook %s: %w", eventID, err)
	}
	if !claimed {
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		s.log.Info().Str("event_id", eventID).Str("type", string(event.Type)).Msg("duplicate webhook delivery ignored")
		return map[string]any{"success": true, "duplicate": true}, nil
	}

	result, err := s.routeEvent(ctx, event)
	if err != nil {
		if releaseErr := s.queue.ReleaseEvent(context.WithoutCancel(ctx), eventID); releaseErr != nil {
			s.log.Warn().Err(releaseErr).Str("event_id", eventID).Msg("release webhook claim")
		}
		return nil, err
	}
	return result, nil
}

type SimulateCommentInput struct {
	RoomID         string `json:"roomId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	CommentContent string `json:"commentContent"`
	ThreadID       string `json:"threadId"`
}

// SimulateComment runs the comment fan-out for a fabricated event, skipping
// signature verification and deduplication.
func (s *Service) SimulateComment(ctx context.Context, input SimulateCommentInput) (map[string]any, error) {
	if strings.TrimSpace(input.RoomID) == "" || strings.TrimSpace(input.UserID) == "" {
		return nil, validationError("roomId and userId are required")
	}
	threadID := input.ThreadID
	if threadID == "" {
		threadID = "simulated-" + s.now().UTC().Format("20060102150405")
	}
	return s.routeEvent(ctx, collab.Event{
		Type:       collab.EventCommentCreated,
		RoomID:     strings.TrimSpace(input.RoomID),
		ThreadID:   threadID,
		UserID:     strings.TrimSpace(input.UserID),
		AuthorName: strings.TrimSpace(input.UserName),
		Body:       firstNonBlank(input.CommentContent, "Test comment"),
	})
}

// roomContext is the view of a room the router works from: the session that
// notifications point at plus every live session bound to the room. Revoked
// and expired sessions are left out.
type roomContext struct {
	primary  store.ReviewSession
	sessions []store.ReviewSession
}

func (s *Service) loadRoom(ctx context.Context, roomID string) (roomContext, error) {
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	all, err := s.store.ListSessionsByRoom(ctx, roomID)
	if err != nil {
		return roomContext{}, fmt.Errorf("load room %s: %w", roomID, err)
	}
	now := s.now()
	sessions := make([]store.ReviewSession, 0, len(all))
	for _, session := range all {
		if session.Live(now) {
			sessions = append(sessions, session)
		}
	}
	// The owner twin of a private room is not enough on its own: with the
	// reviewer's session gone there is nobody left to notify.
	for _, session := range sessions {
		if !session.IsOwnerAccess {
			return roomContext{primary: session, sessions: sessions}, nil
		}
	}
	return roomContext{}, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", map[string]any{"roomId": roomID})
}

// actor identifies who raised an event. ok is false when the user id matches
// nobody recorded on the room.
func (r roomContext) actor(userID string) (identity.Profile, bool) {
	for _, session := range r.sessions {
		if profile, ok := identity.Match(session, userID); ok {
			return profile, true
		}
	}
	return identity.Profile{}, false
}

func (s *Service) routeEvent(ctx context.Context, event collab.Event) (map[string]any, error) {
	switch event.Type {
	case collab.EventCommentCreated, collab.EventThreadResolved:
	default:
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "ignored").Inc()
		s.log.Info().Str("type", string(event.Type)).Str("room_id", event.RoomID).Msg("webhook event ignored")
		return map[string]any{"success": true, "ignored": true}, nil
	}

	if event.RoomID == "" {
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "rejected").Inc()
		return nil, validationError("roomId is required")
	}
	room, err := s.loadRoom(ctx, event.RoomID)
	if err != nil {
		outcome := "error"
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			outcome = "not_found"
		}
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), outcome).Inc()
		return nil, err
	}

	var enqueued int
	if event.Type == collab.EventCommentCreated {
		enqueued, err = s.routeComment(ctx, room, event)
	} else {
		enqueued, err = s.routeResolve(ctx, room, event)
	}
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "error").Inc()
		return nil, err
	}

	s.metrics.WebhookEvents.WithLabelValues(string(event.Type), "handled").Inc()
	return map[string]any{
		"success":   true,
		"sessionId": room.primary.ID,
		"enqueued":  enqueued,
	}, nil
}

func (s *Service) routeComment(ctx context.Context, room roomContext, event collab.Event) (int, error) {
	session := room.primary
	content := s.commentText(ctx, event)
	profile, known := room.actor(event.UserID)

	enqueued := 0
	if known && profile.IsOwner {
		for _, recipient := range session.Recipients {
			err := s.enqueue(ctx, recipient.Email, queue.Notification{
				Type:          queue.TypeComment,
				SessionID:     session.ID,
				DocumentTitle: session.Document.Title,
				DocumentSlug:  session.Document.Slug,
				From:          session.CreatedBy.Name,
				Content:       content,
				ThreadID:      event.ThreadID,
				Link:          recipient.URL,
				Audience:      queue.AudienceReviewer,
			})
			if err != nil {
				return enqueued, err
			}
			enqueued++
		}
	} else {
		from := firstNonBlank(event.AuthorName, fallbackActorName)
		if known {
			from = firstNonBlank(profile.Name, from)
		}
		err := s.enqueue(ctx, session.CreatedBy.Email, queue.Notification{
			Type:          queue.TypeComment,
			SessionID:     session.ID,
			DocumentTitle: session.Document.Title,
			DocumentSlug:  session.Document.Slug,
			From:          from,
			Content:       content,
			ThreadID:      event.ThreadID,
			Link:          session.CreatedBy.URL,
			Audience:      queue.AudienceOwner,
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}

	countCtx, cancel := s.outbound(ctx)
	defer cancel()
	if err := s.store.IncrementCommentCount(countCtx, session.ID); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("increment comment count")
	}
	return enqueued, nil
}

// routeResolve notifies recipients when the owner closes a thread. Resolutions
// by anyone else are not announced.
func (s *Service) routeResolve(ctx context.Context, room roomContext, event collab.Event) (int, error) {
	profile, known := room.actor(event.UserID)
	if !known || !profile.IsOwner {
		return 0, nil
	}
	session := room.primary
	enqueued := 0
	for _, recipient := range session.Recipients {
		err := s.enqueue(ctx, recipient.Email, queue.Notification{
			Type:          queue.TypeResolve,
			SessionID:     session.ID,
			DocumentTitle: session.Document.Title,
			DocumentSlug:  session.Document.Slug,
			From:          session.CreatedBy.Name,
			ThreadID:      event.ThreadID,
			Link:          recipient.URL,
			Audience:      queue.AudienceReviewer,
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

func (s *Service) enqueue(ctx context.Context, email string, n queue.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now().UTC()
	}
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	if err := s.queue.Enqueue(ctx, email, n); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", n.Type, err)
	}
	s.metrics.Enqueued.WithLabelValues(string(n.Type)).Inc()
	return nil
}

// commentText prefers the body delivered with the event, then asks the
// provider, then settles for a generic line.
func (s *Service) commentText(ctx context.Context, event collab.Event) string {
	if text := strings.TrimSpace(event.Body); text != "" {
		return text
	}
	fetcher, ok := s.provider.(collab.CommentFetcher)
	if !ok || event.CommentID == "" {
		return fallbackCommentText
	}
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	text, err := fetcher.FetchCommentText(ctx, event.RoomID, event.ThreadID, event.CommentID)
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", event.RoomID).Str("comment_id", event.CommentID).Msg("fetch comment body")
		return fallbackCommentText
	}
	return firstNonBlank(text, fallbackCommentText)
}
