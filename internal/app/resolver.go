package app

import (
	"context"

	"previewer/api/internal/identity"
	"previewer/api/internal/store"
)

const (
	resolveScanLimit = 100
	unknownUserName  = "Unknown User"
)

type ResolvedUser struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar"`
}

// ResolveUsers maps room user ids to display info, one entry per input id in
// the same order. Misses get a placeholder; the batch never fails as a whole.
func (s *Service) ResolveUsers(ctx context.Context, userIDs []string) []ResolvedUser {
	out := make([]ResolvedUser, len(userIDs))
	if len(userIDs) == 0 {
		return out
	}

	resolved := make(map[string]identity.Profile, len(userIDs))
	lookupCtx, cancel := s.outbound(ctx)
	for id, profile := range s.directory.Lookup(lookupCtx, userIDs, s.now()) {
		resolved[id] = profile
	}
	cancel()

	if missing := unresolved(userIDs, resolved); len(missing) > 0 {
		for id, profile := range s.scanProfiles(ctx, missing) {
			resolved[id] = profile
		}
	}

	for i, id := range userIDs {
		profile, ok := resolved[id]
		if !ok {
			out[i] = ResolvedUser{Name: unknownUserName, Avatar: identity.AvatarURL("Unknown")}
			continue
		}
		out[i] = ResolvedUser{Name: profile.Name, Email: profile.Email, Avatar: profile.Avatar()}
	}
	return out
}

func unresolved(ids []string, resolved map[string]identity.Profile) []string {
	missing := make([]string, 0)
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := resolved[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing
}

// scanProfiles re-derives identities across the most recent live sessions.
// The first session to match an id wins.
func (s *Service) scanProfiles(ctx context.Context, ids []string) map[string]identity.Profile {
	scanCtx, cancel := s.outbound(ctx)
	defer cancel()
	sessions, err := s.store.ListRecentSessions(scanCtx, s.now(), resolveScanLimit)
	if err != nil {
		s.log.Warn().Err(err).Int("user_ids", len(ids)).Msg("resolve users: session scan failed")
		return nil
	}

	found := make(map[string]identity.Profile, len(ids))
	for _, id := range ids {
		if profile, ok := matchAny(sessions, id); ok {
			found[id] = profile
		}
	}
	return found
}

func matchAny(sessions []store.ReviewSession, userID string) (identity.Profile, bool) {
	for _, session := range sessions {
		if profile, ok := identity.Match(session, userID); ok {
			return profile, true
		}
	}
	return identity.Profile{}, false
}
