// Package directory keeps an identity→profile index so display names can be
// resolved without rescanning sessions.
package directory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"previewer/api/internal/identity"
	"previewer/api/internal/store"
)

// Index is the storage behind a Directory.
type Index interface {
	Put(ctx context.Context, profiles []identity.Profile) error
	Delete(ctx context.Context, ids []string) error
	Lookup(ctx context.Context, ids []string) (map[string]identity.Profile, error)
	Healthy() bool
}

// Directory is a best-effort facade: writes are fire-and-forget and reads
// report a miss instead of failing when the index is down.
type Directory struct {
	index Index
	log   zerolog.Logger
}

// New returns a Directory. index may be nil when no search backend is configured.
func New(index Index, logger zerolog.Logger) *Directory {
	return &Directory{index: index, log: logger.With().Str("component", "directory").Logger()}
}

func (d *Directory) available() bool {
	return d != nil && d.index != nil && d.index.Healthy()
}

// Record indexes every identity the sessions can produce.
func (d *Directory) Record(sessions ...store.ReviewSession) {
	if !d.available() {
		return
	}
	profiles := make([]identity.Profile, 0)
	for _, session := range sessions {
		profiles = append(profiles, identity.Profiles(session)...)
	}
	go func() {
		if err := d.index.Put(context.Background(), profiles); err != nil {
			d.log.Warn().Err(err).Int("profiles", len(profiles)).Msg("index identities")
		}
	}()
}

// Forget removes the identities of the given sessions.
func (d *Directory) Forget(sessions ...store.ReviewSession) {
	if !d.available() {
		return
	}
	ids := make([]string, 0)
	for _, session := range sessions {
		for _, profile := range identity.Profiles(session) {
			ids = append(ids, profile.ID)
		}
	}
	go func() {
		if err := d.index.Delete(context.Background(), ids); err != nil {
			d.log.Warn().Err(err).Int("identities", len(ids)).Msg("remove identities")
		}
	}()
}

// Lookup returns the profiles it knows about whose session is still unexpired
// at now. A nil map means the index could not be consulted.
func (d *Directory) Lookup(ctx context.Context, ids []string, now time.Time) map[string]identity.Profile {
	if !d.available() {
		return nil
	}
	found, err := d.index.Lookup(ctx, ids)
	if err != nil {
		d.log.Warn().Err(err).Msg("identity lookup failed, falling back to session scan")
		return nil
	}
	for id, profile := range found {
		// Entries written without an expiry are treated as stale.
		if !now.Before(profile.ExpiresAt) {
			delete(found, id)
		}
	}
	return found
}
