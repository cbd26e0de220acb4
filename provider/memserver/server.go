// Package memserver is an in-memory, authoritative group server. It backs
// `roster serve` and stands in for the network in tests.
//
// The server keeps the full revision log of every hosted group and enforces the
// group protocol: read access, revision ordering and edit rights. Callers are
// identified by the identity they connected as; see Server.ClientFor.
package memserver

import (
	"context"
	"sync"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
)

// Op names a server operation for fault injection and call accounting.
type Op string

const (
	OpCurrentState Op = "current_state"
	OpHistory      Op = "history"
	OpSubmit       Op = "submit"
	OpUpload       Op = "upload_avatar"
	OpDownload     Op = "download_avatar"
	OpCreate       Op = "create_group"
	OpProfile      Op = "fetch_profile"
)

// FaultFunc decides whether an operation fails before it runs. Returning nil lets it proceed.
type FaultFunc func(caller group.Identity, id group.Identifier) error

type hostedGroup struct {
	log     []group.LogEntry
	avatars map[group.AvatarRef][]byte
}

func (h *hostedGroup) latest() *group.Snapshot {
	return h.log[len(h.log)-1].Snapshot
}

// Server hosts groups in memory. Safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	groups   map[group.Identifier]*hostedGroup
	profiles map[group.Identity]group.Profile
	faults   map[Op]FaultFunc
	calls    map[Op]int
	logger   *zap.SugaredLogger
}

// New creates an empty server.
func New(log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.ComponentLogger("memserver")
	}
	return &Server{
		groups:   make(map[group.Identifier]*hostedGroup),
		profiles: make(map[group.Identity]group.Profile),
		faults:   make(map[Op]FaultFunc),
		calls:    make(map[Op]int),
		logger:   log,
	}
}

// Register adds or replaces a profile in the directory.
func (s *Server) Register(p group.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Capability == "" {
		p.Capability = group.CapabilitySupported
	}
	s.profiles[p.Identity] = p
}

// SetFault installs fn in front of op. A nil fn removes the fault.
func (s *Server) SetFault(op Op, fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = fn
}

// Calls reports how many times op was invoked, including faulted calls.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Revision returns the latest revision of a hosted group.
func (s *Server) Revision(id group.Identifier) (group.Revision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.groups[id]
	if !ok || len(h.log) == 0 {
		return 0, false
	}
	return h.latest().Revision, true
}

// enterLocked counts the call and runs any installed fault. s.mu must be held.
func (s *Server) enterLocked(op Op, caller group.Identity, id group.Identifier) error {
	s.calls[op]++
	if fn, ok := s.faults[op]; ok {
		if err := fn(caller, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) hostedLocked(id group.Identifier) (*hostedGroup, error) {
	h, ok := s.groups[id]
	if !ok || len(h.log) == 0 {
		return nil, errors.NewNotFoundError("group %s", id.Short())
	}
	return h, nil
}

// FetchProfile returns the directory entry for id.
func (s *Server) FetchProfile(_ context.Context, id group.Identity) (group.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpProfile, id, group.Identifier{}); err != nil {
		return group.Profile{}, err
	}
	p, ok := s.profiles[id]
	if !ok {
		return group.Profile{}, errors.NewNotFoundError("profile %s", id)
	}
	return p, nil
}

// CurrentState returns the latest snapshot to a full or pending member.
func (s *Server) CurrentState(_ context.Context, caller group.Identity, id group.Identifier) (*group.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpCurrentState, caller, id); err != nil {
		return nil, err
	}
	h, err := s.hostedLocked(id)
	if err != nil {
		return nil, err
	}
	latest := h.latest()
	if !group.IsMember(latest, caller) && !group.IsPending(latest, caller) {
		return nil, errors.Wrapf(errors.ErrNotAMember, "%s", caller)
	}
	return latest.Clone(), nil
}

// History returns the log from revision from onward. Only full members may read it,
// and never before the revision they joined at.
func (s *Server) History(_ context.Context, caller group.Identity, id group.Identifier, from group.Revision) ([]group.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpHistory, caller, id); err != nil {
		return nil, err
	}
	h, err := s.hostedLocked(id)
	if err != nil {
		return nil, err
	}
	joined, ok := group.RevisionAdded(h.latest(), caller)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotAMember, "%s may not read history", caller)
	}
	if from < joined {
		from = joined
	}

	var out []group.LogEntry
	for _, e := range h.log {
		if e.Snapshot.Revision < from {
			continue
		}
		entry := group.LogEntry{Snapshot: e.Snapshot.Clone()}
		if e.Change != nil {
			c := *e.Change
			entry.Change = &c
		}
		out = append(out, entry)
	}
	return out, nil
}

// Submit applies actions on behalf of caller at actions.Revision.
func (s *Server) Submit(_ context.Context, caller group.Identity, id group.Identifier, actions *group.Actions) (*group.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpSubmit, caller, id); err != nil {
		return nil, err
	}
	h, err := s.hostedLocked(id)
	if err != nil {
		return nil, err
	}
	latest := h.latest()

	if actions.Revision != latest.Revision+1 {
		return nil, errors.Wrapf(errors.ErrConflict, "change targets revision %d, group is at %d", actions.Revision, latest.Revision)
	}
	if err := group.Authorize(latest, caller, actions); err != nil {
		return nil, err
	}
	for _, c := range actions.AddMembers {
		if p, ok := s.profiles[c.Identity]; ok && p.Capability == group.CapabilityNotSupported {
			return nil, errors.Wrapf(errors.ErrNotCapable, "%s cannot join groups", c.Identity)
		}
	}

	next, change, err := group.Apply(latest, caller, actions)
	if err != nil {
		return nil, err
	}
	h.log = append(h.log, group.LogEntry{Snapshot: next, Change: change})

	s.logger.Debugw("Change accepted",
		logger.FieldGroupID, id.Short(),
		logger.FieldRevision, next.Revision,
		logger.FieldEditor, caller)

	c := *change
	return &c, nil
}

// UploadAvatar stores avatar bytes for a group the caller belongs to.
func (s *Server) UploadAvatar(_ context.Context, caller group.Identity, id group.Identifier, data []byte) (group.AvatarRef, error) {
	ref, err := group.ComputeAvatarRef(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpUpload, caller, id); err != nil {
		return "", err
	}
	h, ok := s.groups[id]
	if ok && len(h.log) > 0 {
		if !group.IsMember(h.latest(), caller) {
			return "", errors.Wrapf(errors.ErrNotAMember, "%s", caller)
		}
	} else if !ok {
		// avatars for groups about to be created are staged until Create
		h = &hostedGroup{avatars: make(map[group.AvatarRef][]byte)}
		s.groups[id] = h
	}
	h.avatars[ref] = append([]byte(nil), data...)
	return ref, nil
}

// DownloadAvatar returns the bytes stored under ref.
func (s *Server) DownloadAvatar(_ context.Context, caller group.Identity, id group.Identifier, ref group.AvatarRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpDownload, caller, id); err != nil {
		return nil, err
	}
	h, err := s.hostedLocked(id)
	if err != nil {
		return nil, err
	}
	data, ok := h.avatars[ref]
	if !ok {
		return nil, errors.NewNotFoundError("avatar %s", ref)
	}
	return append([]byte(nil), data...), nil
}

// Create hosts a new group at revision 0 with caller as its administrator.
func (s *Server) Create(_ context.Context, caller group.Identity, spec group.NewGroup) (*group.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := spec.Params.ID
	if err := s.enterLocked(OpCreate, caller, id); err != nil {
		return nil, err
	}
	if spec.Params.MasterKey.Identifier() != id {
		return nil, errors.Wrap(errors.ErrVerificationFailure, "group id does not match master key")
	}

	h, exists := s.groups[id]
	if exists && len(h.log) > 0 {
		return nil, errors.Wrapf(errors.ErrMalformedState, "group %s already exists", id.Short())
	}
	if !exists {
		h = &hostedGroup{avatars: make(map[group.AvatarRef][]byte)}
	}

	creator, ok := s.profiles[caller]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotCapable, "%s has no registered profile", caller)
	}

	snapshot := &group.Snapshot{
		Revision: 0,
		Title:    spec.Title,
		Avatar:   spec.Avatar,
		Timer:    spec.Timer,
		Access:   group.AccessControl{Members: group.AccessMember, Attributes: group.AccessMember},
		Members: []group.Member{{
			Identity:   caller,
			Role:       group.RoleAdministrator,
			ProfileKey: creator.ProfileKey,
			JoinedAt:   0,
		}},
	}

	seen := map[group.Identity]bool{caller: true}
	for _, c := range spec.Members {
		if seen[c.Identity] {
			return nil, errors.Wrapf(errors.ErrMalformedState, "duplicate member %s", c.Identity)
		}
		seen[c.Identity] = true
		if p, ok := s.profiles[c.Identity]; ok && p.Capability == group.CapabilityNotSupported {
			return nil, errors.Wrapf(errors.ErrNotCapable, "%s cannot join groups", c.Identity)
		}
		if c.ProfileKey.IsZero() {
			snapshot.Pending = append(snapshot.Pending, group.PendingMember{Identity: c.Identity, AddedBy: caller})
			continue
		}
		snapshot.Members = append(snapshot.Members, group.Member{
			Identity:   c.Identity,
			Role:       group.RoleDefault,
			ProfileKey: c.ProfileKey,
			JoinedAt:   0,
		})
	}

	h.log = []group.LogEntry{{Snapshot: snapshot}}
	s.groups[id] = h

	s.logger.Infow("Group created",
		logger.FieldGroupID, id.Short(),
		logger.FieldEditor, caller,
		logger.FieldCount, len(snapshot.Members)+len(snapshot.Pending))
	return snapshot.Clone(), nil
}
