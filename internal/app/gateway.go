package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"previewer/api/internal/collab"
	"previewer/api/internal/identity"
	"previewer/api/internal/store"
)

type AuthorizeInput struct {
	Room        string `json:"room"`
	SessionID   string `json:"sessionId"`
	UserEmail   string `json:"userEmail"`
	UserName    string `json:"userName"`
	RecipientID string `json:"recipientId"`
}

// AuthorizeRoom checks a room-join request against its session and mints a
// credential scoped to that room. Every rejection is terminal and carries one
// of the Reason codes.
func (s *Service) AuthorizeRoom(ctx context.Context, input AuthorizeInput) (collab.Credential, error) {
	grant, err := s.authorizeGrant(ctx, input)
	if err != nil {
		s.recordAuthDecision(err)
		return collab.Credential{}, err
	}

	ctx, cancel := s.outbound(ctx)
	defer cancel()
	credential, err := s.provider.Authorize(ctx, grant)
	if err != nil {
		s.metrics.AuthDecisions.WithLabelValues("PROVIDER_ERROR").Inc()
		return collab.Credential{}, fmt.Errorf("authorize room %s: %w", grant.RoomID, err)
	}
	s.metrics.AuthDecisions.WithLabelValues("GRANTED").Inc()
	s.log.Debug().
		Str("room_id", grant.RoomID).
		Str("user_id", grant.UserID).
		Bool("is_owner", grant.UserInfo.IsOwner).
		Msg("room access granted")
	return credential, nil
}

func (s *Service) authorizeGrant(ctx context.Context, input AuthorizeInput) (collab.Grant, error) {
	input.Room = strings.TrimSpace(input.Room)
	input.SessionID = strings.TrimSpace(input.SessionID)
	input.UserEmail = strings.TrimSpace(input.UserEmail)
	input.UserName = strings.TrimSpace(input.UserName)
	input.RecipientID = strings.TrimSpace(input.RecipientID)

	if input.Room == "" || input.SessionID == "" || input.UserEmail == "" || input.UserName == "" {
		return collab.Grant{}, domainError(http.StatusBadRequest, ReasonMissingParams, "Missing required parameters", nil)
	}

	lookupCtx, cancel := s.outbound(ctx)
	session, err := s.store.GetSession(lookupCtx, input.SessionID)
	cancel()
	if err != nil && !store.IsNotFound(err) {
		return collab.Grant{}, fmt.Errorf("load session %s: %w", input.SessionID, err)
	}
	if store.IsNotFound(err) || session.Revoked {
		return collab.Grant{}, domainError(http.StatusForbidden, ReasonInvalidSession, "Invalid or revoked session", nil)
	}
	if !s.now().Before(session.ExpiresAt) {
		return collab.Grant{}, domainError(http.StatusForbidden, ReasonSessionExpired, "Session expired", nil)
	}
	if session.RoomID != input.Room {
		return collab.Grant{}, domainError(http.StatusForbidden, ReasonRoomMismatch, "Room mismatch", nil)
	}

	isOwner := session.IsOwnerEmail(input.UserEmail)
	var (
		recipient store.Recipient
		matched   bool
	)
	if input.RecipientID != "" {
		recipient, matched = session.RecipientByID(input.RecipientID)
		if !matched {
			return collab.Grant{}, domainError(http.StatusForbidden, ReasonInvalidRecipient, "Invalid recipient ID", nil)
		}
	} else {
		recipient, matched = session.RecipientByEmail(input.UserEmail)
	}
	if !isOwner && !matched {
		return collab.Grant{}, domainError(http.StatusForbidden, ReasonUnauthorized, "User not authorized for this session", nil)
	}

	name := input.UserName
	switch {
	case isOwner:
		name = firstNonBlank(session.CreatedBy.Name, input.UserName)
	case matched:
		name = firstNonBlank(recipient.Name, input.UserName)
	}

	return collab.Grant{
		UserID: identity.ForUser(session, input.UserEmail, input.RecipientID),
		RoomID: session.RoomID,
		UserInfo: collab.UserInfo{
			Name:    name,
			Email:   input.UserEmail,
			IsOwner: isOwner,
			Avatar:  identity.AvatarURL(name),
		},
	}, nil
}

func (s *Service) recordAuthDecision(err error) {
	status, code, _, _ := mapError(err)
	if status >= http.StatusInternalServerError {
		code = "ERROR"
	}
	s.metrics.AuthDecisions.WithLabelValues(code).Inc()
}
