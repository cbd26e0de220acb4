// Package group defines the group roster data model shared by the sync engine:
// snapshots, change actions, log entries and the collaborator roles the engine
// talks to (state provider, group store, profile-key store, timeline, scheduler).
//
// Snapshots are complete states. A snapshot at revision N reflects every change
// through N; nothing in this package replays deltas on top of snapshots except
// Apply, which the server authority uses to produce the next snapshot.
package group

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math"

	"github.com/mr-tron/base58"
	"github.com/teranos/roster/errors"
)

// Revision identifies one committed group state. Revisions start at 0 (creation).
type Revision int

// Latest asks for whatever revision the server currently holds.
const Latest Revision = math.MaxInt32

// KeySize is the length of master keys, identifiers and profile keys.
const KeySize = 32

const identifierPrefix = "roster/group-id/v1:"

// MasterKey is the group secret every member holds. The group identifier is derived from it.
type MasterKey [KeySize]byte

// NewMasterKey generates a random master key for a new group.
func NewMasterKey() (MasterKey, error) {
	var mk MasterKey
	if _, err := rand.Read(mk[:]); err != nil {
		return MasterKey{}, errors.Wrap(err, "failed to generate master key")
	}
	return mk, nil
}

// Identifier derives the public group identifier.
func (mk MasterKey) Identifier() Identifier {
	h := sha256.New()
	h.Write([]byte(identifierPrefix))
	h.Write(mk[:])
	var id Identifier
	copy(id[:], h.Sum(nil))
	return id
}

// Params returns the secret params used to address this group on the provider.
func (mk MasterKey) Params() Params {
	return Params{MasterKey: mk, ID: mk.Identifier()}
}

func (mk MasterKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(mk[:])), nil
}

func (mk *MasterKey) UnmarshalText(text []byte) error {
	return decodeKey(mk[:], text, "master key")
}

// Identifier is the opaque, comparable group id. It is safe to use as a map key.
type Identifier [KeySize]byte

func (id Identifier) String() string {
	return base58.Encode(id[:])
}

// Short returns an abbreviated form for log lines and tables.
func (id Identifier) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentifier parses the base58 display form of a group identifier.
func ParseIdentifier(s string) (Identifier, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Identifier{}, errors.Wrapf(err, "invalid group id %q", s)
	}
	if len(raw) != KeySize {
		return Identifier{}, errors.Newf("invalid group id %q: decoded %d bytes, want %d", s, len(raw), KeySize)
	}
	var id Identifier
	copy(id[:], raw)
	return id, nil
}

// Params are the group secret params: everything needed to talk to the provider about one group.
type Params struct {
	MasterKey MasterKey  `json:"master_key"`
	ID        Identifier `json:"id"`
}

// Identity is a member's stable account identifier (a UUID string).
type Identity string

// ProfileKey encrypts a member's profile. The zero value means no key is known.
type ProfileKey [KeySize]byte

// NewProfileKey generates a random profile key.
func NewProfileKey() (ProfileKey, error) {
	var pk ProfileKey
	if _, err := rand.Read(pk[:]); err != nil {
		return ProfileKey{}, errors.Wrap(err, "failed to generate profile key")
	}
	return pk, nil
}

// ParseProfileKey parses the base64 form produced by String.
func ParseProfileKey(s string) (ProfileKey, error) {
	var pk ProfileKey
	if err := decodeKey(pk[:], []byte(s), "profile key"); err != nil {
		return ProfileKey{}, err
	}
	return pk, nil
}

func (pk ProfileKey) IsZero() bool {
	return pk == ProfileKey{}
}

func (pk ProfileKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

func (pk ProfileKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *ProfileKey) UnmarshalText(text []byte) error {
	return decodeKey(pk[:], text, "profile key")
}

func decodeKey(dst []byte, text []byte, what string) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid %s encoding", what)
	}
	if len(raw) != len(dst) {
		return errors.Newf("invalid %s: %d bytes, want %d", what, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

// Self is the local user.
type Self struct {
	Identity   Identity
	ProfileKey ProfileKey
}

// Role of a full member.
type Role string

const (
	RoleDefault       Role = "default"
	RoleAdministrator Role = "administrator"
)

// AccessRequired is the minimum role needed to perform a class of edits.
type AccessRequired string

const (
	AccessUnknown       AccessRequired = ""
	AccessMember        AccessRequired = "member"
	AccessAdministrator AccessRequired = "administrator"
)

// Allows reports whether a member holding role satisfies this access level.
func (a AccessRequired) Allows(role Role) bool {
	switch a {
	case AccessMember:
		return role == RoleDefault || role == RoleAdministrator
	case AccessAdministrator:
		return role == RoleAdministrator
	default:
		return false
	}
}

// AccessControl governs who may edit membership and who may edit attributes (title, avatar, timer).
type AccessControl struct {
	Members    AccessRequired `json:"members"`
	Attributes AccessRequired `json:"attributes"`
}

// Member is a full member of the group.
type Member struct {
	Identity   Identity   `json:"identity"`
	Role       Role       `json:"role"`
	ProfileKey ProfileKey `json:"profile_key"`
	JoinedAt   Revision   `json:"joined_at"`
}

// PendingMember was invited but has not yet accepted. Pending members cannot read history.
type PendingMember struct {
	Identity Identity `json:"identity"`
	AddedBy  Identity `json:"added_by"`
}

// Snapshot is the full, self-contained group state at one revision.
// Snapshots are treated as immutable once produced; use Clone before modifying.
type Snapshot struct {
	Revision Revision        `json:"revision"`
	Title    string          `json:"title"`
	Avatar   AvatarRef       `json:"avatar,omitempty"`
	Access   AccessControl   `json:"access"`
	Timer    uint32          `json:"timer"`
	Members  []Member        `json:"members"`
	Pending  []PendingMember `json:"pending,omitempty"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = append([]Member(nil), s.Members...)
	c.Pending = append([]PendingMember(nil), s.Pending...)
	return &c
}

// MemberIdentities returns the identities of every full member, in roster order.
func (s *Snapshot) MemberIdentities() []Identity {
	ids := make([]Identity, 0, len(s.Members))
	for _, m := range s.Members {
		ids = append(ids, m.Identity)
	}
	return ids
}

// PendingIdentities returns the identities of every pending member, in roster order.
func (s *Snapshot) PendingIdentities() []Identity {
	ids := make([]Identity, 0, len(s.Pending))
	for _, p := range s.Pending {
		ids = append(ids, p.Identity)
	}
	return ids
}

// LogEntry is one committed revision: the resulting snapshot and, when the
// reader may see it, the change that produced it.
type LogEntry struct {
	Snapshot *Snapshot `json:"snapshot"`
	Change   *Change   `json:"change,omitempty"`
}

// Revision of the entry's snapshot.
func (e LogEntry) Revision() Revision {
	return e.Snapshot.Revision
}

// GlobalState is a local snapshot (nil for an unknown group) plus ascending
// history covering local.Revision+1 up to the latest revision known from the server.
type GlobalState struct {
	Local   *Snapshot
	History []LogEntry
}

// Capability describes whether an account can take part in groups.
type Capability string

const (
	CapabilityUnknown      Capability = "unknown"
	CapabilitySupported    Capability = "supported"
	CapabilityNotSupported Capability = "not_supported"
)

// Profile is what the provider's directory knows about an account.
type Profile struct {
	Identity   Identity   `json:"identity"`
	ProfileKey ProfileKey `json:"profile_key"`
	Capability Capability `json:"capability"`
}
