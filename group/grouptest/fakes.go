// Package grouptest provides in-memory implementations of the group collaborator
// roles for tests.
package grouptest

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// Store is an in-memory group.Store.
type Store struct {
	mu      sync.Mutex
	records map[group.Identifier]*group.Record
	avatars map[group.AvatarRef][]byte
	expirations int

	// UpdateErr, when set, is returned by Create and Update.
	UpdateErr error
}

func NewStore() *Store {
	return &Store{
		records: make(map[group.Identifier]*group.Record),
		avatars: make(map[group.AvatarRef][]byte),
	}
}

func (s *Store) Create(_ context.Context, params group.Params, snapshot *group.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	if _, ok := s.records[params.ID]; ok {
		return errors.Newf("group %s already exists", params.ID)
	}
	s.records[params.ID] = &group.Record{Params: params, Snapshot: snapshot, Active: true, UpdatedAt: time.Now()}
	return nil
}

func (s *Store) Update(_ context.Context, id group.Identifier, snapshot *group.Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return false, s.UpdateErr
	}
	r, ok := s.records[id]
	if !ok {
		return false, errors.NewNotFoundError("group %s", id)
	}
	if r.Snapshot != nil && r.Snapshot.Revision >= snapshot.Revision {
		return false, nil
	}
	r.Snapshot = snapshot
	r.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) Require(_ context.Context, id group.Identifier) (*group.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, errors.NewNotFoundError("group %s", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) IsUnknown(_ context.Context, id group.Identifier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return !ok, nil
}

func (s *Store) List(_ context.Context) ([]*group.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*group.Record, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SetActive(_ context.Context, id group.Identifier, active bool) error {
	return s.modify(id, func(r *group.Record) { r.Active = active })
}

func (s *Store) SetProfileSharing(_ context.Context, id group.Identifier, enabled bool) error {
	return s.modify(id, func(r *group.Record) { r.ProfileSharing = enabled })
}

func (s *Store) SetExpiration(_ context.Context, id group.Identifier, seconds uint32) error {
	return s.modify(id, func(r *group.Record) {
		r.Expiration = seconds
		s.expirations++
	})
}

// ExpirationWrites counts SetExpiration calls that reached a stored group.
func (s *Store) ExpirationWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expirations
}

func (s *Store) SaveAvatar(_ context.Context, id group.Identifier, ref group.AvatarRef, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars[ref] = append([]byte(nil), data...)
	return nil
}

// Avatar returns saved avatar bytes.
func (s *Store) Avatar(ref group.AvatarRef) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.avatars[ref]
	return data, ok
}

// Seed stores a record directly.
func (s *Store) Seed(params group.Params, snapshot *group.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[params.ID] = &group.Record{Params: params, Snapshot: snapshot, Active: true}
}

func (s *Store) modify(id group.Identifier, fn func(*group.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return errors.NewNotFoundError("group %s", id)
	}
	fn(r)
	return nil
}

// ProfileKeys is an in-memory group.ProfileKeyStore.
type ProfileKeys struct {
	mu   sync.Mutex
	keys map[group.Identity]group.ProfileKey
	Err  error
}

func NewProfileKeys() *ProfileKeys {
	return &ProfileKeys{keys: make(map[group.Identity]group.ProfileKey)}
}

func (p *ProfileKeys) SetIfAbsent(_ context.Context, id group.Identity, key group.ProfileKey) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return false, p.Err
	}
	if _, ok := p.keys[id]; ok {
		return false, nil
	}
	p.keys[id] = key
	return true, nil
}

func (p *ProfileKeys) Set(_ context.Context, id group.Identity, key group.ProfileKey) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return false, p.Err
	}
	if existing, ok := p.keys[id]; ok && existing == key {
		return false, nil
	}
	p.keys[id] = key
	return true, nil
}

func (p *ProfileKeys) Get(_ context.Context, id group.Identity) (group.ProfileKey, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[id]
	return k, ok, nil
}

// Timeline records appended entries.
type Timeline struct {
	mu      sync.Mutex
	Entries []group.TimelineEntry
}

func (t *Timeline) Append(_ context.Context, entry group.TimelineEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Entries = append(t.Entries, entry)
	return nil
}

// All returns a copy of the recorded entries.
func (t *Timeline) All() []group.TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]group.TimelineEntry(nil), t.Entries...)
}

// SyncRequest is one ContinueSyncTo call.
type SyncRequest struct {
	Group    group.Identifier
	Revision group.Revision
}

// AvatarRequest is one FetchAvatar call.
type AvatarRequest struct {
	Group group.Identifier
	Ref   group.AvatarRef
}

// Scheduler records enqueued work instead of running it.
type Scheduler struct {
	mu       sync.Mutex
	Syncs    []SyncRequest
	Avatars  []AvatarRequest
	Profiles []group.Identity
}

func (s *Scheduler) ContinueSyncTo(_ context.Context, id group.Identifier, revision group.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Syncs = append(s.Syncs, SyncRequest{Group: id, Revision: revision})
	return nil
}

func (s *Scheduler) FetchAvatar(_ context.Context, id group.Identifier, ref group.AvatarRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Avatars = append(s.Avatars, AvatarRequest{Group: id, Ref: ref})
	return nil
}

func (s *Scheduler) RefreshProfile(_ context.Context, id group.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Profiles = append(s.Profiles, id)
	return nil
}

// SyncRequests returns a copy of the recorded ContinueSyncTo calls.
func (s *Scheduler) SyncRequests() []SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncRequest(nil), s.Syncs...)
}

// ProfileRefreshes returns a copy of the recorded RefreshProfile calls.
func (s *Scheduler) ProfileRefreshes() []group.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]group.Identity(nil), s.Profiles...)
}

// Key returns a deterministic non-zero profile key for tests.
func Key(b byte) group.ProfileKey {
	var pk group.ProfileKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// MasterKey returns a deterministic master key for tests.
func MasterKey(b byte) group.MasterKey {
	var mk group.MasterKey
	for i := range mk {
		mk[i] = b
	}
	return mk
}

// Capabilities reports a fixed capability per identity. Identities not listed
// use Default, which is CapabilitySupported unless set.
type Capabilities struct {
	mu      sync.Mutex
	byID    map[group.Identity]group.Capability
	Default group.Capability
}

func NewCapabilities() *Capabilities {
	return &Capabilities{byID: make(map[group.Identity]group.Capability), Default: group.CapabilitySupported}
}

// Set fixes the capability of id.
func (c *Capabilities) Set(id group.Identity, capability group.Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = capability
}

func (c *Capabilities) Capability(_ context.Context, id group.Identity) (group.Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if capability, ok := c.byID[id]; ok {
		return capability, nil
	}
	return c.Default, nil
}
