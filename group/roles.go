package group

import (
	"context"
	"time"
)

// StateProvider is the authoritative group server as seen by one local user.
// Every method may fail with errors marked ErrVerificationFailure, ErrMalformedState or ErrIO.
type StateProvider interface {
	// CurrentState returns the latest snapshot. ErrNotAMember if the local user
	// is neither a full nor a pending member.
	CurrentState(ctx context.Context, params Params) (*Snapshot, error)

	// History returns the ascending log starting at from, up to the latest revision.
	// Only full members may read history.
	History(ctx context.Context, params Params, from Revision) ([]LogEntry, error)

	// SubmitChange applies actions at actions.Revision (base revision actions.Revision-1).
	// It returns ErrConflict when the server is already at or past actions.Revision.
	SubmitChange(ctx context.Context, params Params, actions *Actions) (*Change, error)

	UploadAvatar(ctx context.Context, params Params, data []byte) (AvatarRef, error)
	DownloadAvatar(ctx context.Context, params Params, ref AvatarRef) ([]byte, error)

	// CreateGroup creates the group at revision 0 with the local user as administrator.
	CreateGroup(ctx context.Context, spec NewGroup) (*Snapshot, error)
}

// ProfileDirectory looks up account profiles and their group capability.
type ProfileDirectory interface {
	FetchProfile(ctx context.Context, id Identity) (Profile, error)
}

// NewGroup describes a group to create. Candidates with a profile key become
// full members; the rest are invited.
type NewGroup struct {
	Params  Params      `json:"params"`
	Title   string      `json:"title"`
	Avatar  AvatarRef   `json:"avatar,omitempty"`
	Timer   uint32      `json:"timer"`
	Members []Candidate `json:"members"`
}

// Record is the locally stored group.
type Record struct {
	Params         Params
	Snapshot       *Snapshot
	Active         bool
	ProfileSharing bool
	Expiration     uint32
	UpdatedAt      time.Time
}

// ID of the stored group.
func (r *Record) ID() Identifier {
	return r.Params.ID
}

// Store persists the local replica of each group.
type Store interface {
	Create(ctx context.Context, params Params, snapshot *Snapshot) error
	// Update stores snapshot only when it is newer than the stored revision and
	// reports whether it did.
	Update(ctx context.Context, id Identifier, snapshot *Snapshot) (bool, error)
	// Require returns the stored group or an error satisfying errors.IsNotFoundError.
	Require(ctx context.Context, id Identifier) (*Record, error)
	IsUnknown(ctx context.Context, id Identifier) (bool, error)
	List(ctx context.Context) ([]*Record, error)
	SetActive(ctx context.Context, id Identifier, active bool) error
	SetProfileSharing(ctx context.Context, id Identifier, enabled bool) error
	SetExpiration(ctx context.Context, id Identifier, seconds uint32) error
	SaveAvatar(ctx context.Context, id Identifier, ref AvatarRef, data []byte) error
}

// ProfileKeyStore persists the best known profile key per identity.
// Set methods report whether the stored key actually changed.
type ProfileKeyStore interface {
	SetIfAbsent(ctx context.Context, id Identity, key ProfileKey) (bool, error)
	Set(ctx context.Context, id Identity, key ProfileKey) (bool, error)
	Get(ctx context.Context, id Identity) (ProfileKey, bool, error)
}

// TimelineEntry is a rendered "group changed" message.
type TimelineEntry struct {
	Group     Identifier
	Revision  Revision
	Editor    Identity
	Lines     []string
	Outgoing  bool
	Timestamp time.Time
}

// Timeline records group change messages in the local conversation.
type Timeline interface {
	Append(ctx context.Context, entry TimelineEntry) error
}

// Scheduler enqueues durable, at-least-once follow-up work. Callers do not wait for it to run.
type Scheduler interface {
	ContinueSyncTo(ctx context.Context, id Identifier, revision Revision) error
	FetchAvatar(ctx context.Context, id Identifier, ref AvatarRef) error
	RefreshProfile(ctx context.Context, id Identity) error
}
