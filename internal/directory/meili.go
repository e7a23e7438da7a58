package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"previewer/api/internal/identity"
)

const idxIdentities = "preview_identities"

// Meili stores identity profiles in a Meilisearch index keyed by identity id.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and starts a health monitor. An
// unreachable server is not an error; lookups report unhealthy until it
// recovers.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    logger.With().Str("component", "directory").Logger(),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxIdentities,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create identity index (may already exist)")
	}

	index := m.client.Index(idxIdentities)
	filterable := []interface{}{"id", "sessionId", "roomId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"name", "email"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring identity index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Put(_ context.Context, profiles []identity.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	_, err := m.client.Index(idxIdentities).AddDocuments(profiles, nil)
	return err
}

func (m *Meili) Delete(_ context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if _, err := m.client.Index(idxIdentities).DeleteDocument(id, nil); err != nil {
			errs = append(errs, fmt.Errorf("delete identity %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Meili) Lookup(_ context.Context, ids []string) (map[string]identity.Profile, error) {
	if !m.healthy.Load() {
		return nil, errors.New("meilisearch unhealthy")
	}
	if len(ids) == 0 {
		return map[string]identity.Profile{}, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxIdentities,
			Limit:    int64(len(ids)),
			Filter:   idFilter(ids),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch identity lookup: %w", err)
	}

	out := make(map[string]identity.Profile, len(ids))
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			profile := hitToProfile(hit)
			if profile.ID != "" {
				out[profile.ID] = profile
			}
		}
	}
	return out, nil
}

func idFilter(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return "id IN [" + strings.Join(quoted, ", ") + "]"
}

func hitToProfile(hit meili.Hit) identity.Profile {
	return identity.Profile{
		ID:        decodeString(hit, "id"),
		Name:      decodeString(hit, "name"),
		Email:     decodeString(hit, "email"),
		SessionID: decodeString(hit, "sessionId"),
		RoomID:    decodeString(hit, "roomId"),
		IsOwner:   decodeBool(hit, "isOwner"),
		ExpiresAt: decodeTime(hit, "expiresAt"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeBool(hit meili.Hit, key string) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

func decodeTime(hit meili.Hit, key string) time.Time {
	raw, ok := hit[key]
	if !ok {
		return time.Time{}
	}
	var t time.Time
	_ = json.Unmarshal(raw, &t)
	return t
}
