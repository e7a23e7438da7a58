package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"previewer/api/internal/auth"
	"previewer/api/internal/collab"
	"previewer/api/internal/email"
	"previewer/api/internal/metrics"
	"previewer/api/internal/queue"
	"previewer/api/internal/store"
)

type fakeStore struct {
	createSessionsFn        func(context.Context, ...store.ReviewSession) error
	getSessionFn            func(context.Context, string) (store.ReviewSession, error)
	getSessionByTokenFn     func(context.Context, string) (store.ReviewSession, error)
	listSessionsByRoomFn    func(context.Context, string) ([]store.ReviewSession, error)
	listRecentSessionsFn    func(context.Context, time.Time, int) ([]store.ReviewSession, error)
	incrementCommentCountFn func(context.Context, string) error
	revokeSessionFn         func(context.Context, string) error
	deleteSessionsByRoomFn  func(context.Context, string) (int, error)
	pingFn                  func(context.Context) error
}

func (f *fakeStore) CreateSessions(ctx context.Context, sessions ...store.ReviewSession) error {
	if f.createSessionsFn != nil {
		return f.createSessionsFn(ctx, sessions...)
	}
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (store.ReviewSession, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, id)
	}
	return store.ReviewSession{}, sql.ErrNoRows
}

func (f *fakeStore) GetSessionByToken(ctx context.Context, token string) (store.ReviewSession, error) {
	if f.getSessionByTokenFn != nil {
		return f.getSessionByTokenFn(ctx, token)
	}
	return store.ReviewSession{}, sql.ErrNoRows
}

func (f *fakeStore) ListSessionsByRoom(ctx context.Context, roomID string) ([]store.ReviewSession, error) {
	if f.listSessionsByRoomFn != nil {
		return f.listSessionsByRoomFn(ctx, roomID)
	}
	return nil, nil
}

func (f *fakeStore) ListRecentSessions(ctx context.Context, now time.Time, limit int) ([]store.ReviewSession, error) {
	if f.listRecentSessionsFn != nil {
		return f.listRecentSessionsFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeStore) IncrementCommentCount(ctx context.Context, id string) error {
	if f.incrementCommentCountFn != nil {
		return f.incrementCommentCountFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) RevokeSession(ctx context.Context, id string) error {
	if f.revokeSessionFn != nil {
		return f.revokeSessionFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) DeleteSessionsByRoom(ctx context.Context, roomID string) (int, error) {
	if f.deleteSessionsByRoomFn != nil {
		return f.deleteSessionsByRoomFn(ctx, roomID)
	}
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// memorySessions backs a fakeStore with a map so multi-step flows can run
// against realistic lookups.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]store.ReviewSession
	order    []string
}

func newMemoryStore() (*fakeStore, *memorySessions) {
	mem := &memorySessions{sessions: map[string]store.ReviewSession{}}
	fs := &fakeStore{
		createSessionsFn: func(_ context.Context, sessions ...store.ReviewSession) error {
			mem.put(sessions...)
			return nil
		},
		getSessionFn: func(_ context.Context, id string) (store.ReviewSession, error) {
			mem.mu.Lock()
			defer mem.mu.Unlock()
			session, ok := mem.sessions[id]
			if !ok {
				return store.ReviewSession{}, sql.ErrNoRows
			}
			return session, nil
		},
		getSessionByTokenFn: func(_ context.Context, token string) (store.ReviewSession, error) {
			for _, session := range mem.all() {
				if session.Token == token {
					return session, nil
				}
			}
			return store.ReviewSession{}, sql.ErrNoRows
		},
		listSessionsByRoomFn: func(_ context.Context, roomID string) ([]store.ReviewSession, error) {
			out := make([]store.ReviewSession, 0)
			for _, session := range mem.all() {
				if session.RoomID == roomID {
					out = append(out, session)
				}
			}
			sort.SliceStable(out, func(i, j int) bool {
				return !out[i].IsOwnerAccess && out[j].IsOwnerAccess
			})
			return out, nil
		},
		listRecentSessionsFn: func(_ context.Context, now time.Time, limit int) ([]store.ReviewSession, error) {
			all := mem.all()
			out := make([]store.ReviewSession, 0)
			for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
				if all[i].Live(now) {
					out = append(out, all[i])
				}
			}
			return out, nil
		},
		incrementCommentCountFn: func(_ context.Context, id string) error {
			return mem.update(id, func(s *store.ReviewSession) { s.CommentCount++ })
		},
		revokeSessionFn: func(_ context.Context, id string) error {
			return mem.update(id, func(s *store.ReviewSession) { s.Revoked = true })
		},
		deleteSessionsByRoomFn: func(_ context.Context, roomID string) (int, error) {
			mem.mu.Lock()
			defer mem.mu.Unlock()
			deleted := 0
			kept := mem.order[:0]
			for _, id := range mem.order {
				if mem.sessions[id].RoomID == roomID {
					delete(mem.sessions, id)
					deleted++
					continue
				}
				kept = append(kept, id)
			}
			mem.order = kept
			return deleted, nil
		},
	}
	return fs, mem
}

func (m *memorySessions) put(sessions ...store.ReviewSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range sessions {
		if _, exists := m.sessions[session.ID]; !exists {
			m.order = append(m.order, session.ID)
		}
		m.sessions[session.ID] = session
	}
}

func (m *memorySessions) all() []store.ReviewSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ReviewSession, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

func (m *memorySessions) get(id string) store.ReviewSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memorySessions) update(id string, mutate func(*store.ReviewSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	mutate(&session)
	m.sessions[id] = session
	return nil
}

type fakeProvider struct {
	mu           sync.Mutex
	grants       []collab.Grant
	deletedRooms []string
	authorizeErr error
	deleteErr    error
}

func (p *fakeProvider) Authorize(_ context.Context, grant collab.Grant) (collab.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authorizeErr != nil {
		return collab.Credential{}, p.authorizeErr
	}
	p.grants = append(p.grants, grant)
	return collab.Credential{Status: 200, Body: []byte(`{"token":"room-token"}`)}, nil
}

func (p *fakeProvider) DeleteRoom(_ context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deletedRooms = append(p.deletedRooms, roomID)
	return nil
}

func (p *fakeProvider) lastGrant(t *testing.T) collab.Grant {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.grants) == 0 {
		t.Fatalf("expected provider to be asked for a credential")
	}
	return p.grants[len(p.grants)-1]
}

// fetchingProvider adds comment lookups to fakeProvider.
type fetchingProvider struct {
	fakeProvider
	text string
	err  error
}

func (p *fetchingProvider) FetchCommentText(context.Context, string, string, string) (string, error) {
	return p.text, p.err
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []email.Message
	failTo map[string]error
	// onSend runs before a message is accepted.
	onSend func(context.Context, email.Message)
}

func (m *fakeMailer) Send(ctx context.Context, msg email.Message) error {
	if m.onSend != nil {
		m.onSend(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failTo[msg.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) messages() []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.Message(nil), m.sent...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testWebhookSecret = "whsec_dGVzdC13ZWJob29rLXNlY3JldA=="

type testEnv struct {
	service  *Service
	store    *fakeStore
	sessions *memorySessions
	queue    *queue.RedisQueue
	redis    *miniredis.Miniredis
	provider *fakeProvider
	mailer   *fakeMailer
	clock    *testClock
	webhooks *auth.WebhookVerifier
}

type envOption func(*Deps, *Options)

func withProvider(p collab.Provider) envOption {
	return func(d *Deps, _ *Options) { d.Provider = p }
}

func withDispatchSecret(t *testing.T, secret string) envOption {
	t.Helper()
	hash, err := auth.NewSecretHash(secret)
	if err != nil {
		t.Fatalf("NewSecretHash failed: %v", err)
	}
	return func(d *Deps, _ *Options) { d.DispatchSecret = hash }
}

func withAdminToken(token string) envOption {
	return func(_ *Deps, o *Options) { o.AdminToken = token }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	q, err := queue.NewRedisQueue(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisQueue failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	q.WithClock(clock.Now)

	verifier, err := auth.NewWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier failed: %v", err)
	}

	fs, mem := newMemoryStore()
	provider := &fakeProvider{}
	mailer := &fakeMailer{failTo: map[string]error{}}
	deps := Deps{
		Store:    fs,
		Queue:    q,
		Provider: provider,
		Mailer:   mailer,
		Webhooks: verifier,
		Metrics:  metrics.New(),
		Logger:   zerolog.Nop(),
	}
	options := Options{
		BaseURL:         "https://preview.example.com",
		OutboundTimeout: 2 * time.Second,
		Now:             clock.Now,
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	return &testEnv{
		service:  NewService(deps, options),
		store:    fs,
		sessions: mem,
		queue:    q,
		redis:    mr,
		provider: provider,
		mailer:   mailer,
		clock:    clock,
		webhooks: verifier,
	}
}

// advance moves both the service clock and redis key expiry forward.
func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d)
	e.redis.FastForward(d)
}

func (e *testEnv) mailbox(t *testing.T, email string) []queue.Notification {
	t.Helper()
	items, err := e.queue.Drain(context.Background(), email)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	return items
}

func (e *testEnv) seed(sessions ...store.ReviewSession) {
	e.sessions.put(sessions...)
}

func sharedSession(now time.Time) store.ReviewSession {
	return store.ReviewSession{
		ID:       "review_shared",
		Token:    "shared-token",
		RoomID:   "preview-doc1-room",
		Document: store.DocumentRef{ID: "doc1", Type: "post", Weak: true, Slug: "launch-notes", Title: "Launch Notes"},
		Mode:     store.ModeShared,
		CreatedBy: store.Owner{
			ID:    "owner@example.com",
			Name:  "Olivia Owner",
			Email: "owner@example.com",
			URL:   "https://preview.example.com/preview/launch-notes?token=shared-token&userName=Olivia%20Owner&userEmail=owner%40example.com",
		},
		Recipients: []store.Recipient{
			{Key: store.RecipientIDKey("rcpt-alice"), Name: "Alice", Email: "alice@example.com", URL: "https://preview.example.com/preview/launch-notes?token=shared-token&recipientId=rcpt-alice"},
			{Key: store.RecipientIDKey("rcpt-bob"), Name: "Bob", Email: "bob@example.com", URL: "https://preview.example.com/preview/launch-notes?token=shared-token&recipientId=rcpt-bob"},
			{Key: store.RecipientIDKey("rcpt-cara"), Name: "Cara", Email: "cara@example.com", URL: "https://preview.example.com/preview/launch-notes?token=shared-token&recipientId=rcpt-cara"},
		},
		ExpiresAt: now.Add(14 * 24 * time.Hour),
		CreatedAt: now.Add(-time.Hour),
	}
}

func privatePair(now time.Time) (store.ReviewSession, store.ReviewSession) {
	recipient := store.Recipient{Key: store.TokenKey("rcpt-token"), Name: "Riley", Email: "riley@example.com", URL: "https://preview.example.com/preview/draft?token=rcpt-token"}
	owner := store.Owner{
		ID:    "owner@example.com",
		Name:  "Olivia Owner",
		Email: "owner@example.com",
		URL:   "https://preview.example.com/preview/draft?token=owner-token&userName=Olivia%20Owner&userEmail=owner%40example.com",
	}
	base := store.ReviewSession{
		RoomID:     "preview-doc2-private",
		Document:   store.DocumentRef{ID: "doc2", Type: "post", Weak: true, Slug: "draft", Title: "Draft"},
		Mode:       store.ModePrivate,
		CreatedBy:  owner,
		Recipients: []store.Recipient{recipient},
		ExpiresAt:  now.Add(24 * time.Hour),
		CreatedAt:  now.Add(-time.Hour),
	}
	recipientSession := base
	recipientSession.ID = "review_private_recipient"
	recipientSession.Token = "rcpt-token"
	ownerSession := base
	ownerSession.ID = "review_private_owner"
	ownerSession.Token = "owner-token"
	ownerSession.IsOwnerAccess = true
	return recipientSession, ownerSession
}

var errBoom = errors.New("boom")
