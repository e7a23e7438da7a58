package directory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"previewer/api/internal/identity"
	"previewer/api/internal/store"
)

type fakeIndex struct {
	healthy bool
	put     chan []identity.Profile
	deleted chan []string
	lookup  func(ids []string) (map[string]identity.Profile, error)
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{healthy: true, put: make(chan []identity.Profile, 1), deleted: make(chan []string, 1)}
}

func (f *fakeIndex) Put(_ context.Context, profiles []identity.Profile) error {
	f.put <- profiles
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, ids []string) error {
	f.deleted <- ids
	return nil
}

func (f *fakeIndex) Lookup(_ context.Context, ids []string) (map[string]identity.Profile, error) {
	return f.lookup(ids)
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func session() store.ReviewSession {
	return store.ReviewSession{
		ID:        "s1",
		RoomID:    "room",
		Mode:      store.ModeShared,
		CreatedBy: store.Owner{Name: "Olive", Email: "olive@example.com"},
		Recipients: []store.Recipient{
			{Key: store.RecipientIDKey("r1"), Name: "Rae", Email: "rae@example.com"},
		},
	}
}

func TestRecordAndForget(t *testing.T) {
	index := newFakeIndex()
	d := New(index, zerolog.Nop())

	d.Record(session())
	select {
	case profiles := <-index.put:
		require.Len(t, profiles, 2)
		assert.Equal(t, "r1", profiles[1].ID)
	case <-time.After(time.Second):
		t.Fatal("expected profiles to be indexed")
	}

	d.Forget(session())
	select {
	case ids := <-index.deleted:
		assert.Equal(t, []string{identity.Derive("olive@example.com", "s1"), "r1"}, ids)
	case <-time.After(time.Second):
		t.Fatal("expected identities to be removed")
	}
}

var lookupNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestLookupFallsBackOnFailure(t *testing.T) {
	index := newFakeIndex()
	index.lookup = func(ids []string) (map[string]identity.Profile, error) {
		return nil, errors.New("boom")
	}
	d := New(index, zerolog.Nop())
	assert.Nil(t, d.Lookup(context.Background(), []string{"r1"}, lookupNow))

	index.lookup = func(ids []string) (map[string]identity.Profile, error) {
		return map[string]identity.Profile{"r1": {ID: "r1", Name: "Rae", ExpiresAt: lookupNow.Add(time.Hour)}}, nil
	}
	found := d.Lookup(context.Background(), []string{"r1"}, lookupNow)
	assert.Equal(t, "Rae", found["r1"].Name)

	index.healthy = false
	assert.Nil(t, d.Lookup(context.Background(), []string{"r1"}, lookupNow))
}

func TestLookupDropsExpiredProfiles(t *testing.T) {
	index := newFakeIndex()
	index.lookup = func(ids []string) (map[string]identity.Profile, error) {
		return map[string]identity.Profile{
			"live":    {ID: "live", Name: "Live", ExpiresAt: lookupNow.Add(time.Minute)},
			"expired": {ID: "expired", Name: "Gone", ExpiresAt: lookupNow.Add(-time.Minute)},
			"edge":    {ID: "edge", Name: "Edge", ExpiresAt: lookupNow},
			"legacy":  {ID: "legacy", Name: "Legacy"},
		}, nil
	}
	d := New(index, zerolog.Nop())

	found := d.Lookup(context.Background(), []string{"live", "expired", "edge", "legacy"}, lookupNow)
	require.Len(t, found, 1)
	assert.Equal(t, "Live", found["live"].Name)
}

func TestRecordCarriesSessionExpiry(t *testing.T) {
	index := newFakeIndex()
	d := New(index, zerolog.Nop())
	s := session()
	s.ExpiresAt = lookupNow.Add(24 * time.Hour)

	d.Record(s)
	select {
	case profiles := <-index.put:
		for _, profile := range profiles {
			assert.Equal(t, s.ExpiresAt, profile.ExpiresAt, profile.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected profiles to be indexed")
	}
}

func TestNilDirectoryIsInert(t *testing.T) {
	var d *Directory
	d.Record(session())
	d.Forget(session())
	assert.Nil(t, d.Lookup(context.Background(), []string{"x"}, lookupNow))

	empty := New(nil, zerolog.Nop())
	assert.Nil(t, empty.Lookup(context.Background(), []string{"x"}, lookupNow))
}

func TestHitToProfileDecodesExpiry(t *testing.T) {
	hit := meili.Hit{
		"id":        json.RawMessage(`"r1"`),
		"name":      json.RawMessage(`"Rae"`),
		"isOwner":   json.RawMessage(`false`),
		"expiresAt": json.RawMessage(`"2026-05-02T09:00:00Z"`),
	}
	profile := hitToProfile(hit)
	assert.Equal(t, "Rae", profile.Name)
	assert.True(t, profile.ExpiresAt.Equal(lookupNow.Add(24*time.Hour)))
}

func TestIDFilterQuotesValues(t *testing.T) {
	assert.Equal(t, `id IN ["a", "b\"c"]`, idFilter([]string{"a", `b"c`}))
}
