// Package directory tracks which users' device lists are known or stale,
// caches device key material, and mediates device-key queries. Concurrent
// refreshes are coalesced into a single in-flight query.
package directory

import (
	"context"
	"sync"

	"roomcrypt/domain"
	"roomcrypt/logging"
)

// SessionInvalidator drops pairwise sessions tied to a curve key, used when
// a device disappears from its user's device list.
type SessionInvalidator interface {
	InvalidateSessions(ctx context.Context, remoteCurve domain.X25519Public) error
}

// Service is the device directory.
type Service struct {
	keys domain.KeysClient
	log  logging.Logger

	mu          sync.Mutex
	tracked     map[string]struct{}
	outdated    map[string]struct{}
	devices     map[string]map[string]domain.DeviceKeys
	inflight    *refreshCall
	invalidator SessionInvalidator
}

// refreshCall is the in-flight-request slot: one query at a time, with a
// shareable handle late joiners wait on.
type refreshCall struct {
	done chan struct{}
	err  error
}

// New constructs a directory backed by the given keys client.
func New(keys domain.KeysClient, log logging.Logger) *Service {
	return &Service{
		keys:     keys,
		log:      log,
		tracked:  make(map[string]struct{}),
		outdated: make(map[string]struct{}),
		devices:  make(map[string]map[string]domain.DeviceKeys),
	}
}

// SetInvalidator wires the pairwise session invalidation hook. Split from
// New because the pairwise manager and the directory reference each other.
func (s *Service) SetInvalidator(inv SessionInvalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidator = inv
}

// TrackUsers starts maintaining device lists for the given users. Users not
// seen before are marked outdated so the next refresh fetches them.
func (s *Service) TrackUsers(users []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if _, ok := s.tracked[u]; !ok {
			s.tracked[u] = struct{}{}
			s.outdated[u] = struct{}{}
		}
	}
}

// MarkOutdated flags users whose device lists need a refresh. Idempotent.
func (s *Service) MarkOutdated(users []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.tracked[u] = struct{}{}
		s.outdated[u] = struct{}{}
	}
}

// HasOutdated reports whether any tracked user needs a refresh.
func (s *Service) HasOutdated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outdated) > 0
}

// Devices returns the cached device records for a user.
func (s *Service) Devices(userID string) []domain.DeviceKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeviceKeys, 0, len(s.devices[userID]))
	for _, d := range s.devices[userID] {
		out = append(out, d)
	}
	return out
}

// Device returns the cached record for one device.
func (s *Service) Device(userID, deviceID string) (domain.DeviceKeys, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[userID][deviceID]
	return d, ok
}

// ClaimOneTimeKey pops one cached one-time key for a device. Each key is
// single-use: once claimed it is gone from the cache.
func (s *Service) ClaimOneTimeKey(userID, deviceID string) (domain.OneTimeKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[userID][deviceID]
	if !ok || len(d.OneTimeKeys) == 0 {
		return domain.OneTimeKey{}, false
	}
	otk := d.OneTimeKeys[0]
	d.OneTimeKeys = d.OneTimeKeys[1:]
	s.devices[userID][deviceID] = d
	return otk, true
}

// Refresh issues one device-key query for the current outdated set. Calls
// arriving while a query is in flight share its result instead of issuing a
// duplicate. A superseded query has no partial effect.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight != nil {
		call := s.inflight
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	users := make([]string, 0, len(s.outdated))
	for u := range s.outdated {
		users = append(users, u)
	}
	if len(users) == 0 {
		s.mu.Unlock()
		return nil
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	resp, err := s.keys.QueryDeviceKeys(ctx, users)

	var removed []domain.X25519Public
	s.mu.Lock()
	if err == nil {
		removed = s.applyLocked(resp)
	}
	s.inflight = nil
	call.err = err
	s.mu.Unlock()
	close(call.done)

	if err != nil {
		s.log.Warn(ctx, "device key query failed", "users", len(users), "err", err)
		return err
	}
	for _, curve := range removed {
		if s.invalidator == nil {
			break
		}
		if err := s.invalidator.InvalidateSessions(ctx, curve); err != nil {
			s.log.Warn(ctx, "invalidating sessions for removed device failed", "err", err)
		}
	}
	return nil
}

// applyLocked diffs a query response against the cache. New devices enter
// Unverified (trust promotion is never the directory's call); devices the
// server dropped are removed and their curve keys reported for session
// invalidation. Refreshed users leave the outdated set.
func (s *Service) applyLocked(resp domain.DeviceKeysResponse) []domain.X25519Public {
	var removed []domain.X25519Public
	for userID, list := range resp.Devices {
		next := make(map[string]domain.DeviceKeys, len(list))
		for _, d := range list {
			next[d.DeviceID] = d
		}
		for deviceID, old := range s.devices[userID] {
			if _, ok := next[deviceID]; !ok {
				removed = append(removed, old.CurveKey)
			}
		}
		s.devices[userID] = next
		delete(s.outdated, userID)
	}
	return removed
}
