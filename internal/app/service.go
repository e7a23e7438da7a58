package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"previewer/api/internal/archive"
	"previewer/api/internal/auth"
	"previewer/api/internal/collab"
	"previewer/api/internal/directory"
	"previewer/api/internal/email"
	"previewer/api/internal/metrics"
	"previewer/api/internal/queue"
	"previewer/api/internal/store"
)

type sessionStore interface {
	CreateSessions(context.Context, ...store.ReviewSession) error
	GetSession(context.Context, string) (store.ReviewSession, error)
	GetSessionByToken(context.Context, string) (store.ReviewSession, error)
	ListSessionsByRoom(context.Context, string) ([]store.ReviewSession, error)
	ListRecentSessions(context.Context, time.Time, int) ([]store.ReviewSession, error)
	IncrementCommentCount(context.Context, string) error
	RevokeSession(context.Context, string) error
	DeleteSessionsByRoom(context.Context, string) (int, error)
	Ping(context.Context) error
}

type notificationQueue interface {
	Enqueue(context.Context, string, queue.Notification) error
	Drain(context.Context, string) ([]queue.Notification, error)
	Count(context.Context, string) (int64, error)
	Clear(context.Context, string, int) (int64, error)
	ListPendingRecipients(context.Context) ([]string, error)
	IsDebounceActive(context.Context, string) (bool, error)
	OldestAge(context.Context, string) (time.Duration, bool, error)
	ClaimEvent(context.Context, string) (bool, error)
	ReleaseEvent(context.Context, string) error
	AcquireLock(context.Context, string, string) (func(context.Context) error, bool, error)
	Ping(context.Context) error
}

type digestArchive interface {
	Store(context.Context, archive.Digest) (string, error)
}

// Deps are the collaborators a Service is built from. Directory and Archive
// are optional; a nil Webhooks verifier rejects every webhook delivery.
type Deps struct {
	Store          sessionStore
	Queue          notificationQueue
	Provider       collab.Provider
	Mailer         email.Sender
	Directory      *directory.Directory
	Archive        digestArchive
	Webhooks       *auth.WebhookVerifier
	DispatchSecret *auth.SecretHash
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

type Options struct {
	BaseURL         string
	AdminToken      string
	OutboundTimeout time.Duration
	// Features are reported verbatim by the readiness check.
	Features map[string]bool
	Now      func() time.Time
}

type Service struct {
	store     sessionStore
	queue     notificationQueue
	provider  collab.Provider
	mailer    email.Sender
	directory *directory.Directory
	archive   digestArchive
	webhooks  *auth.WebhookVerifier
	dispatch  *auth.SecretHash
	metrics   *metrics.Metrics
	log       zerolog.Logger

	baseURL    string
	adminToken string
	timeout    time.Duration
	features   map[string]bool
	now        func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:      deps.Store,
		queue:      deps.Queue,
		provider:   deps.Provider,
		mailer:     deps.Mailer,
		directory:  deps.Directory,
		archive:    deps.Archive,
		webhooks:   deps.Webhooks,
		dispatch:   deps.DispatchSecret,
		metrics:    m,
		log:        deps.Logger.With().Str("component", "app").Logger(),
		baseURL:    opts.BaseURL,
		adminToken: opts.AdminToken,
		timeout:    opts.OutboundTimeout,
		features:   opts.Features,
		now:        now,
	}
}

// IsAdmin reports whether token matches the configured admin token. An
// unconfigured admin token disables the admin endpoints.
func (s *Service) IsAdmin(token string) bool {
	return auth.EqualTokens(s.adminToken, token)
}

// VerifyDispatchSecret checks the bearer secret presented by the scheduler.
func (s *Service) VerifyDispatchSecret(token string) error {
	if s.dispatch == nil || !s.dispatch.Configured() {
		return domainError(http.StatusServiceUnavailable, "DISPATCH_UNCONFIGURED", "Dispatch secret is not configured", nil)
	}
	if err := s.dispatch.Verify(token); err != nil {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return nil
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// outbound bounds a call to an external system by the configured timeout.
func (s *Service) outbound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	return s.store.Ping(ctx)
}

// Ready reports dependency health and which optional features are configured.
func (s *Service) Ready(ctx context.Context) (map[string]any, bool) {
	checks := map[string]string{}
	ready := true

	dbCtx, cancel := s.outbound(ctx)
	if err := s.store.Ping(dbCtx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}
	cancel()

	queueCtx, cancel := s.outbound(ctx)
	if err := s.queue.Ping(queueCtx); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}
	cancel()

	features := make(map[string]bool, len(s.features))
	for name, enabled := range s.features {
		features[name] = enabled
	}
	return map[string]any{
		"ok":       ready,
		"checks":   checks,
		"features": features,
	}, ready
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
