package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"previewer/api/internal/auth"
	"previewer/api/internal/identity"
	"previewer/api/internal/queue"
	"previewer/api/internal/store"
)

func commentEvent(roomID, userID, body string) []byte {
	payload := map[string]any{
		"type": "commentCreated",
		"data": map[string]any{
			"roomId":    roomID,
			"threadId":  "th_1",
			"commentId": "cm_1",
			"userId":    userID,
		},
	}
	if body != "" {
		payload["data"].(map[string]any)["comment"] = map[string]any{
			"id":   "cm_1",
			"body": map[string]any{"content": []any{map[string]any{"type": "paragraph", "children": []any{map[string]any{"text": body}}}}},
		}
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func resolveEvent(roomID, userID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"type": "threadResolved",
		"data": map[string]any{"roomId": roomID, "threadId": "th_9", "userId": userID},
	})
	return raw
}

func (e *testEnv) signed(t *testing.T, id string, body []byte) http.Header {
	t.Helper()
	ts := strconv.FormatInt(e.clock.Now().Unix(), 10)
	headers := http.Header{}
	headers.Set(auth.HeaderWebhookID, id)
	headers.Set(auth.HeaderWebhookTimestamp, ts)
	headers.Set(auth.HeaderWebhookSignature, "v1,"+e.webhooks.Sign(id, ts, body))
	return headers
}

func (e *testEnv) deliver(t *testing.T, id string, body []byte) (map[string]any, error) {
	t.Helper()
	return e.service.HandleWebhook(context.Background(), e.signed(t, id, body), body)
}

func TestWebhookOwnerCommentNotifiesEveryRecipient(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)

	ownerID := identity.Derive(session.CreatedBy.Email, session.ID)
	result, err := env.deliver(t, "evt_1", commentEvent(session.RoomID, ownerID, "Thanks for the notes"))
	require.NoError(t, err)
	assert.Equal(t, 3, result["enqueued"])

	for _, recipient := range session.Recipients {
		items := env.mailbox(t, recipient.Email)
		require.Len(t, items, 1, recipient.Email)
		assert.Equal(t, "Olivia Owner", items[0].From)
		assert.Equal(t, "Thanks for the notes", items[0].Content)
		assert.Equal(t, queue.AudienceReviewer, items[0].Audience)
		assert.Equal(t, recipient.URL, items[0].Link)
		assert.Equal(t, session.ID, items[0].SessionID)
		assert.Equal(t, "Launch Notes", items[0].DocumentTitle)
	}
	assert.Empty(t, env.mailbox(t, session.CreatedBy.Email))
	assert.Equal(t, 1, env.sessions.get(session.ID).CommentCount)
}

func TestWebhookRecipientCommentNotifiesOwnerOnce(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)

	_, err := env.deliver(t, "evt_2", commentEvent(session.RoomID, "rcpt-bob", ""))
	require.NoError(t, err)

	items := env.mailbox(t, session.CreatedBy.Email)
	require.Len(t, items, 1)
	assert.Equal(t, "Bob", items[0].From)
	assert.Equal(t, "New comment", items[0].Content)
	assert.Equal(t, queue.AudienceOwner, items[0].Audience)
	assert.Equal(t, session.CreatedBy.URL, items[0].Link)
	for _, recipient := range session.Recipients {
		assert.Empty(t, env.mailbox(t, recipient.Email))
	}
}

func TestWebhookPrivateRoomRoutesThroughOwnerTwin(t *testing.T) {
	env := newTestEnv(t)
	recipientSession, ownerSession := privatePair(env.clock.Now())
	env.seed(ownerSession, recipientSession)

	ownerID := identity.Derive("owner@example.com", ownerSession.ID)
	_, err := env.deliver(t, "evt_3", commentEvent(recipientSession.RoomID, ownerID, "Reply"))
	require.NoError(t, err)

	items := env.mailbox(t, "riley@example.com")
	require.Len(t, items, 1)
	assert.Equal(t, recipientSession.ID, items[0].SessionID)
	assert.Equal(t, 1, env.sessions.get(recipientSession.ID).CommentCount)
	assert.Equal(t, 0, env.sessions.get(ownerSession.ID).CommentCount)

	rileyID := identity.Derive("riley@example.com", recipientSession.ID)
	_, err = env.deliver(t, "evt_4", commentEvent(recipientSession.RoomID, rileyID, "Question"))
	require.NoError(t, err)
	owned := env.mailbox(t, "owner@example.com")
	require.Len(t, owned, 1)
	assert.Equal(t, "Riley", owned[0].From)
}

func TestWebhookUnknownCommenterFallsBackToAuthorName(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)

	body, _ := json.Marshal(map[string]any{
		"type": "commentCreated",
		"data": map[string]any{
			"roomId":    session.RoomID,
			"threadId":  "th_1",
			"createdBy": map[string]any{"id": "guest-1", "name": "Guest Reader"},
		},
	})
	_, err := env.deliver(t, "evt_5", body)
	require.NoError(t, err)

	items := env.mailbox(t, session.CreatedBy.Email)
	require.Len(t, items, 1)
	assert.Equal(t, "Guest Reader", items[0].From)
}

func TestWebhookResolveOnlyNotifiesWhenOwnerResolves(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)

	_, err := env.deliver(t, "evt_6", resolveEvent(session.RoomID, "rcpt-alice"))
	require.NoError(t, err)
	assert.Empty(t, env.mailbox(t, session.CreatedBy.Email))
	assert.Empty(t, env.mailbox(t, "alice@example.com"))

	_, err = env.deliver(t, "evt_7", resolveEvent(session.RoomID, session.CreatedBy.Email))
	require.NoError(t, err)
	for _, recipient := range session.Recipients {
		items := env.mailbox(t, recipient.Email)
		require.Len(t, items, 1)
		assert.Equal(t, queue.TypeResolve, items[0].Type)
		assert.Equal(t, "th_9", items[0].ThreadID)
	}
	assert.Equal(t, 0, env.sessions.get(session.ID).CommentCount)
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"type":"storageUpdated","data":{"roomId":"preview-anything"}}`)

	result, err := env.deliver(t, "evt_8", body)
	require.NoError(t, err)
	assert.Equal(t, true, result["ignored"])

	result, err = env.deliver(t, "evt_9", []byte(`{"type":"threadUnresolved","data":{"roomId":"preview-anything"}}`))
	require.NoError(t, err)
	assert.Equal(t, true, result["ignored"])
}

func TestWebhookRejectsBadSignatureBeforeTouchingState(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)
	body := commentEvent(session.RoomID, "rcpt-bob", "hi")
	headers := env.signed(t, "evt_10", body)

	_, err := env.service.HandleWebhook(context.Background(), headers, append(body, ' '))
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_SIGNATURE", code)

	_, err = env.service.HandleWebhook(context.Background(), http.Header{}, body)
	_, code, _, _ = mapError(err)
	assert.Equal(t, "MISSING_SIGNATURE", code)

	assert.Empty(t, env.mailbox(t, session.CreatedBy.Email))
	assert.False(t, env.redis.Exists("webhook-event:evt_10"))
}

func TestWebhookMissingSessionIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.deliver(t, "evt_11", commentEvent("preview-gone", "rcpt-bob", "hi"))
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SESSION_NOT_FOUND", code)

	// The claim is released so a redelivery after the session appears is processed.
	assert.False(t, env.redis.Exists("webhook-event:evt_11"))
}

func TestWebhookDeadSessionsAreNotFound(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*store.ReviewSession, time.Time)
	}{
		{"revoked", func(s *store.ReviewSession, _ time.Time) { s.Revoked = true }},
		{"expired", func(s *store.ReviewSession, now time.Time) { s.ExpiresAt = now.Add(-time.Minute) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			session := sharedSession(env.clock.Now())
			tc.mutate(&session, env.clock.Now())
			env.seed(session)

			ownerID := identity.Derive(session.CreatedBy.Email, session.ID)
			_, err := env.deliver(t, "evt_owner", commentEvent(session.RoomID, ownerID, "hi"))
			status, code, _, _ := mapError(err)
			assert.Equal(t, http.StatusNotFound, status)
			assert.Equal(t, "SESSION_NOT_FOUND", code)

			_, err = env.deliver(t, "evt_reviewer", commentEvent(session.RoomID, "rcpt-bob", "hi"))
			_, code, _, _ = mapError(err)
			assert.Equal(t, "SESSION_NOT_FOUND", code)

			_, err = env.deliver(t, "evt_resolve", resolveEvent(session.RoomID, session.CreatedBy.Email))
			_, code, _, _ = mapError(err)
			assert.Equal(t, "SESSION_NOT_FOUND", code)

			assert.Empty(t, env.mailbox(t, session.CreatedBy.Email))
			for _, recipient := range session.Recipients {
				assert.Empty(t, env.mailbox(t, recipient.Email))
			}
			assert.Equal(t, 0, env.sessions.get(session.ID).CommentCount)
		})
	}
}

func TestWebhookPrivateRoomWithRevokedReviewerIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	recipientSession, ownerSession := privatePair(env.clock.Now())
	recipientSession.Revoked = true
	env.seed(recipientSession, ownerSession)

	ownerID := identity.Derive("owner@example.com", ownerSession.ID)
	_, err := env.deliver(t, "evt_private", commentEvent(recipientSession.RoomID, ownerID, "Reply"))
	_, code, _, _ := mapError(err)
	assert.Equal(t, "SESSION_NOT_FOUND", code)
	assert.Empty(t, env.mailbox(t, "riley@example.com"))
	assert.Equal(t, 0, env.sessions.get(ownerSession.ID).CommentCount)
}

func TestWebhookDuplicateDeliveryIsAcknowledgedOnce(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)
	body := commentEvent(session.RoomID, "rcpt-bob", "hi")

	_, err := env.deliver(t, "evt_12", body)
	require.NoError(t, err)
	result, err := env.deliver(t, "evt_12", body)
	require.NoError(t, err)
	assert.Equal(t, true, result["duplicate"])

	assert.Len(t, env.mailbox(t, session.CreatedBy.Email), 1)
}

func TestWebhookCounterFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)
	env.store.incrementCommentCountFn = func(context.Context, string) error { return errBoom }

	_, err := env.deliver(t, "evt_13", commentEvent(session.RoomID, "rcpt-bob", "hi"))
	require.NoError(t, err)
	assert.Len(t, env.mailbox(t, session.CreatedBy.Email), 1)
}

func TestWebhookFetchesMissingCommentBody(t *testing.T) {
	provider := &fetchingProvider{text: "Fetched body"}
	env := newTestEnv(t, withProvider(provider))
	session := sharedSession(env.clock.Now())
	env.seed(session)

	_, err := env.deliver(t, "evt_14", commentEvent(session.RoomID, "rcpt-alice", ""))
	require.NoError(t, err)
	items := env.mailbox(t, session.CreatedBy.Email)
	require.Len(t, items, 1)
	assert.Equal(t, "Fetched body", items[0].Content)

	provider.err = errBoom
	_, err = env.deliver(t, "evt_15", commentEvent(session.RoomID, "rcpt-alice", ""))
	require.NoError(t, err)
	items = env.mailbox(t, session.CreatedBy.Email)
	require.Len(t, items, 2)
	assert.Equal(t, "New comment", items[1].Content)
}

func TestSimulateCommentUsesSameFanOut(t *testing.T) {
	env := newTestEnv(t)
	session := sharedSession(env.clock.Now())
	env.seed(session)

	result, err := env.service.SimulateComment(context.Background(), SimulateCommentInput{
		RoomID:         session.RoomID,
		UserID:         "owner@example.com",
		CommentContent: "Simulated",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result["enqueued"])
	items := env.mailbox(t, "cara@example.com")
	require.Len(t, items, 1)
	assert.Equal(t, "Simulated", items[0].Content)

	_, err = env.service.SimulateComment(context.Background(), SimulateCommentInput{RoomID: session.RoomID})
	_, code, _, _ := mapError(err)
	assert.Equal(t, "VALIDATION_ERROR", code)
}
