package app

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"previewer/api/internal/auth"
	"previewer/api/internal/store"
	"previewer/api/internal/util"
)

const (
	defaultExpirationDays = 14
	roomSuffixLength      = 16
	sessionIDPrefix       = "review"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type RecipientInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type OwnerInput struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type GenerateInput struct {
	DocumentID     string           `json:"documentId"`
	DocumentType   string           `json:"documentType"`
	Slug           string           `json:"slug"`
	Title          string           `json:"title"`
	Mode           string           `json:"mode"`
	Recipients     []RecipientInput `json:"recipients"`
	Owner          *OwnerInput      `json:"ownerInfo"`
	ExpirationDays int              `json:"expirationDays"`
}

type SessionLink struct {
	SessionID     string `json:"sessionId,omitempty"`
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipientName"`
	PreviewURL    string `json:"previewUrl"`
}

type GenerateResult struct {
	Success        bool          `json:"success"`
	Mode           store.Mode    `json:"mode"`
	SessionID      string        `json:"sessionId,omitempty"`
	Sessions       []SessionLink `json:"sessions"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	RecipientCount int           `json:"recipientCount,omitempty"`
}

// GeneratePreview creates the review sessions for one share request. Every
// record is written in a single transaction, so a failure leaves nothing behind.
func (s *Service) GeneratePreview(ctx context.Context, input GenerateInput) (*GenerateResult, error) {
	recipients, err := validateGenerateInput(input)
	if err != nil {
		return nil, err
	}

	days := input.ExpirationDays
	if days <= 0 {
		days = defaultExpirationDays
	}
	now := s.now().UTC()
	document := store.DocumentRef{
		ID:    strings.TrimPrefix(strings.TrimSpace(input.DocumentID), "drafts."),
		Type:  strings.TrimSpace(input.DocumentType),
		Weak:  true,
		Slug:  strings.TrimSpace(input.Slug),
		Title: firstNonBlank(input.Title, "Preview for "+strings.TrimSpace(input.Slug)),
	}
	owner := store.Owner{
		ID:    firstNonBlank(input.Owner.ID, input.Owner.Email),
		Name:  strings.TrimSpace(input.Owner.Name),
		Email: strings.TrimSpace(input.Owner.Email),
	}
	plan := sessionPlan{
		baseURL:   strings.TrimRight(s.baseURL, "/"),
		document:  document,
		owner:     owner,
		createdAt: now,
		expiresAt: now.AddDate(0, 0, days),
	}

	var (
		sessions []store.ReviewSession
		result   *GenerateResult
	)
	if store.Mode(input.Mode) == store.ModePrivate {
		sessions, result, err = plan.private(recipients)
	} else {
		sessions, result, err = plan.shared(recipients)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.outbound(ctx)
	defer cancel()
	if err := s.store.CreateSessions(ctx, sessions...); err != nil {
		return nil, fmt.Errorf("create review sessions: %w", err)
	}

	s.directory.Record(sessions...)
	s.metrics.SessionsCreated.WithLabelValues(string(result.Mode)).Add(float64(len(sessions)))
	s.log.Info().
		Str("mode", string(result.Mode)).
		Str("document_id", document.ID).
		Int("recipients", len(recipients)).
		Int("sessions", len(sessions)).
		Msg("review sessions created")
	return result, nil
}

func validateGenerateInput(input GenerateInput) ([]RecipientInput, error) {
	if strings.TrimSpace(input.DocumentID) == "" ||
		strings.TrimSpace(input.DocumentType) == "" ||
		strings.TrimSpace(input.Slug) == "" ||
		input.Mode == "" ||
		input.Recipients == nil ||
		input.Owner == nil {
		return nil, validationError("Missing required fields")
	}
	mode := store.Mode(input.Mode)
	if !mode.Valid() {
		return nil, validationError("mode must be private or shared")
	}
	if len(input.Recipients) == 0 {
		return nil, validationError("At least one recipient is required")
	}
	if mode == store.ModePrivate && len(input.Recipients) > 1 {
		return nil, validationError("Private mode allows only one recipient")
	}
	if strings.TrimSpace(input.Owner.Name) == "" {
		return nil, validationError("Owner name is required")
	}
	if !emailPattern.MatchString(strings.TrimSpace(input.Owner.Email)) {
		return nil, validationError("Invalid owner email")
	}

	for _, recipient := range input.Recipients {
		if strings.TrimSpace(recipient.Name) == "" || strings.TrimSpace(recipient.Email) == "" {
			return nil, validationError("Recipient name and email are required")
		}
		if !emailPattern.MatchString(strings.TrimSpace(recipient.Email)) {
			return nil, validationError("Invalid email: " + recipient.Email)
		}
	}
	return dedupeRecipients(input.Recipients), nil
}

// dedupeRecipients keeps the first occurrence of each address, compared
// case-insensitively, in input order.
func dedupeRecipients(in []RecipientInput) []RecipientInput {
	seen := make(map[string]struct{}, len(in))
	out := make([]RecipientInput, 0, len(in))
	for _, recipient := range in {
		key := strings.ToLower(strings.TrimSpace(recipient.Email))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, RecipientInput{
			Name:  strings.TrimSpace(recipient.Name),
			Email: strings.TrimSpace(recipient.Email),
		})
	}
	return out
}

type sessionPlan struct {
	baseURL   string
	document  store.DocumentRef
	owner     store.Owner
	createdAt time.Time
	expiresAt time.Time
}

func (p sessionPlan) previewURL(token string, extra url.Values) string {
	query := url.Values{"token": {token}}
	for key, values := range extra {
		query[key] = values
	}
	return p.baseURL + "/preview/" + url.PathEscape(p.document.Slug) + "?" + encodeOrdered(query, "token", "recipientId", "userName", "userEmail")
}

func (p sessionPlan) ownerURL(token string) string {
	return p.previewURL(token, url.Values{
		"userName":  {p.owner.Name},
		"userEmail": {p.owner.Email},
	})
}

func (p sessionPlan) session(token, roomID string, mode store.Mode, ownerURL string, recipients []store.Recipient) store.ReviewSession {
	owner := p.owner
	owner.URL = ownerURL
	return store.ReviewSession{
		ID:         util.NewID(sessionIDPrefix),
		Token:      token,
		RoomID:     roomID,
		Document:   p.document,
		Mode:       mode,
		CreatedBy:  owner,
		Recipients: recipients,
		ExpiresAt:  p.expiresAt,
		CreatedAt:  p.createdAt,
	}
}

func (p sessionPlan) newRoomID() (string, error) {
	suffix, err := auth.RandomString(roomSuffixLength)
	if err != nil {
		return "", err
	}
	return "preview-" + p.document.ID + "-" + suffix, nil
}

// private creates, per recipient, a dedicated room holding the recipient's
// session and an owner-access twin under its own token.
func (p sessionPlan) private(recipients []RecipientInput) ([]store.ReviewSession, *GenerateResult, error) {
	sessions := make([]store.ReviewSession, 0, len(recipients)*2)
	ownerLinks := make([]SessionLink, 0, len(recipients))
	recipientLinks := make([]SessionLink, 0, len(recipients))

	for _, input := range recipients {
		recipientToken, err := auth.NewSessionToken()
		if err != nil {
			return nil, nil, fmt.Errorf("generate recipient token: %w", err)
		}
		ownerToken, err := auth.NewSessionToken()
		if err != nil {
			return nil, nil, fmt.Errorf("generate owner token: %w", err)
		}
		roomID, err := p.newRoomID()
		if err != nil {
			return nil, nil, fmt.Errorf("generate room id: %w", err)
		}

		recipientURL := p.previewURL(recipientToken, nil)
		ownerURL := p.ownerURL(ownerToken)
		recipient := store.Recipient{
			Key:     store.TokenKey(recipientToken),
			Name:    input.Name,
			Email:   input.Email,
			URL:     recipientURL,
			AddedAt: p.createdAt,
		}

		recipientSession := p.session(recipientToken, roomID, store.ModePrivate, ownerURL, []store.Recipient{recipient})
		ownerSession := p.session(ownerToken, roomID, store.ModePrivate, ownerURL, []store.Recipient{recipient})
		ownerSession.IsOwnerAccess = true
		sessions = append(sessions, recipientSession, ownerSession)

		ownerLinks = append(ownerLinks, SessionLink{
			SessionID:     ownerSession.ID,
			Recipient:     p.owner.Email,
			RecipientName: fmt.Sprintf("%s (You - Owner) → %s", p.owner.Name, input.Name),
			PreviewURL:    ownerURL,
		})
		recipientLinks = append(recipientLinks, SessionLink{
			SessionID:     recipientSession.ID,
			Recipient:     input.Email,
			RecipientName: input.Name,
			PreviewURL:    recipientURL,
		})
	}

	return sessions, &GenerateResult{
		Success:   true,
		Mode:      store.ModePrivate,
		Sessions:  append(ownerLinks, recipientLinks...),
		ExpiresAt: p.expiresAt,
	}, nil
}

// shared creates one session and one room. Recipients share the token and are
// told apart by a recipient id carried in their link.
func (p sessionPlan) shared(recipients []RecipientInput) ([]store.ReviewSession, *GenerateResult, error) {
	token, err := auth.NewSessionToken()
	if err != nil {
		return nil, nil, fmt.Errorf("generate session token: %w", err)
	}
	roomID, err := p.newRoomID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate room id: %w", err)
	}

	ownerURL := p.ownerURL(token)
	stored := make([]store.Recipient, 0, len(recipients))
	links := make([]SessionLink, 0, len(recipients)+1)
	used := make(map[string]struct{}, len(recipients))
	for _, input := range recipients {
		recipientID, err := uniqueRecipientID(used)
		if err != nil {
			return nil, nil, fmt.Errorf("generate recipient id: %w", err)
		}
		recipientURL := p.previewURL(token, url.Values{"recipientId": {recipientID}})
		stored = append(stored, store.Recipient{
			Key:     store.RecipientIDKey(recipientID),
			Name:    input.Name,
			Email:   input.Email,
			URL:     recipientURL,
			AddedAt: p.createdAt,
		})
		links = append(links, SessionLink{
			Recipient:     input.Email,
			RecipientName: input.Name,
			PreviewURL:    recipientURL,
		})
	}

	session := p.session(token, roomID, store.ModeShared, ownerURL, stored)
	for i := range links {
		links[i].SessionID = session.ID
	}
	ownerLink := SessionLink{
		SessionID:     session.ID,
		Recipient:     p.owner.Email,
		RecipientName: p.owner.Name + " (You - Owner)",
		PreviewURL:    ownerURL,
	}

	return []store.ReviewSession{session}, &GenerateResult{
		Success:        true,
		Mode:           store.ModeShared,
		SessionID:      session.ID,
		Sessions:       append([]SessionLink{ownerLink}, links...),
		ExpiresAt:      p.expiresAt,
		RecipientCount: len(recipients),
	}, nil
}

func uniqueRecipientID(used map[string]struct{}) (string, error) {
	for {
		id, err := auth.NewRecipientID()
		if err != nil {
			return "", err
		}
		if _, taken := used[id]; !taken {
			used[id] = struct{}{}
			return id, nil
		}
	}
}

// encodeOrdered encodes query parameters in the given key order so links stay
// stable and readable. Keys not listed are appended alphabetically.
func encodeOrdered(query url.Values, order ...string) string {
	parts := make([]string, 0, len(query))
	done := make(map[string]struct{}, len(order))
	for _, key := range order {
		for _, value := range query[key] {
			parts = append(parts, url.QueryEscape(key)+"="+escapeQueryValue(value))
		}
		done[key] = struct{}{}
	}
	rest := url.Values{}
	for key, values := range query {
		if _, ok := done[key]; !ok {
			rest[key] = values
		}
	}
	if encoded := rest.Encode(); encoded != "" {
		parts = append(parts, encoded)
	}
	return strings.Join(parts, "&")
}

func escapeQueryValue(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}
