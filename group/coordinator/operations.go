package coordinator

import (
	"context"
	"fmt"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/conflict"
	"github.com/teranos/roster/logger"
)

// Updater is the group update role: every local edit to a group goes through it.
type Updater interface {
	GenericUpdate(ctx context.Context, id group.Identifier, avatar []byte, construct ChangeConstructor) (*Result, error)
	CreateGroup(ctx context.Context, req CreateRequest) (*group.Record, error)
	UpdateGroup(ctx context.Context, id group.Identifier, members []group.Identity, title *string, avatar []byte) (*Result, error)
	UpdateProfileKey(ctx context.Context, id group.Identifier) (*Result, error)
	AcceptInvite(ctx context.Context, id group.Identifier) (*Result, error)
	CancelInvites(ctx context.Context, id group.Identifier, invitees []group.Identity) (*Result, error)
	UpdateTimer(ctx context.Context, id group.Identifier, seconds uint32) (*Result, error)
	SetMemberAdmin(ctx context.Context, id group.Identifier, member group.Identity, admin bool) (*Result, error)
	ApplyMembershipRights(ctx context.Context, id group.Identifier, access group.AccessRequired) (*Result, error)
	ApplyAttributesRights(ctx context.Context, id group.Identifier, access group.AccessRequired) (*Result, error)
	EjectMember(ctx context.Context, id group.Identifier, member group.Identity) (*Result, error)
	LeaveGroup(ctx context.Context, id group.Identifier) (*Result, error)
}

var _ Updater = (*Coordinator)(nil)

// candidateFor returns a full-add candidate when id's profile key is known and an invite otherwise.
func (c *Coordinator) candidateFor(ctx context.Context, id group.Identity) (group.Candidate, error) {
	key, ok, err := c.keys.Get(ctx, id)
	if err != nil {
		return group.Candidate{}, errors.Wrapf(err, "failed to read profile key of %s", id)
	}
	if !ok {
		return group.Candidate{Identity: id}, nil
	}
	return group.Candidate{Identity: id, ProfileKey: key}, nil
}

// UpdateGroup makes the roster (full plus pending members) equal to members and
// optionally sets the title and avatar. Only the difference is submitted.
func (c *Coordinator) UpdateGroup(ctx context.Context, id group.Identifier, members []group.Identity, title *string, avatar []byte) (*Result, error) {
	return c.GenericUpdate(ctx, id, avatar, func(current *group.Record) (*group.Actions, error) {
		s := current.Snapshot
		roster := append(s.MemberIdentities(), s.PendingIdentities()...)

		desired := make([]group.Identity, 0, len(members)+1)
		desired = append(desired, members...)
		desired = append(desired, c.self.Identity)

		diff := group.Diff(roster, desired)
		actions := &group.Actions{}

		if len(diff.Added) > 0 {
			if err := c.capabilities.Check(ctx, diff.Added); err != nil {
				return nil, err
			}
		}
		for _, added := range diff.Added {
			cand, err := c.candidateFor(ctx, added)
			if err != nil {
				return nil, err
			}
			actions.AddMembers = append(actions.AddMembers, cand)
		}
		for _, removed := range diff.Removed {
			if group.IsPending(s, removed) {
				actions.DeletePending = append(actions.DeletePending, removed)
			} else {
				actions.DeleteMembers = append(actions.DeleteMembers, removed)
			}
		}
		if title != nil && *title != s.Title {
			actions.ModifyTitle = title
		}

		if actions.IsEmpty() && avatar == nil {
			return nil, nil
		}
		return actions, nil
	})
}

// UpdateProfileKey publishes the local profile key to the group if it differs.
func (c *Coordinator) UpdateProfileKey(ctx context.Context, id group.Identifier) (*Result, error) {
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		m, ok := group.FindMember(current.Snapshot, c.self.Identity)
		if !ok {
			return nil, errors.Wrap(errors.ErrNotAMember, "cannot update profile key")
		}
		if m.ProfileKey == c.self.ProfileKey {
			return nil, nil
		}
		return &group.Actions{
			ModifyProfileKeys: []group.Candidate{{Identity: c.self.Identity, ProfileKey: c.self.ProfileKey}},
		}, nil
	})
}

// AcceptInvite promotes the local user from pending to full member.
func (c *Coordinator) AcceptInvite(ctx context.Context, id group.Identifier) (*Result, error) {
	if err := c.capabilities.Check(ctx, []group.Identity{c.self.Identity}); err != nil {
		return nil, err
	}
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		if group.IsMember(current.Snapshot, c.self.Identity) {
			return nil, nil
		}
		if !group.IsPending(current.Snapshot, c.self.Identity) {
			return nil, errors.Wrap(errors.ErrNotAMember, "no pending invitation")
		}
		return &group.Actions{
			PromotePending: []group.Candidate{{Identity: c.self.Identity, ProfileKey: c.self.ProfileKey}},
		}, nil
	})
}

// CancelInvites revokes outstanding invitations.
func (c *Coordinator) CancelInvites(ctx context.Context, id group.Identifier, invitees []group.Identity) (*Result, error) {
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		actions := &group.Actions{}
		for _, invitee := range invitees {
			if group.IsPending(current.Snapshot, invitee) {
				actions.DeletePending = append(actions.DeletePending, invitee)
			}
		}
		if actions.IsEmpty() {
			return nil, nil
		}
		return actions, nil
	})
}

// UpdateTimer sets the disappearing-message timer in seconds; 0 turns it off.
func (c *Coordinator) UpdateTimer(ctx context.Context, id group.Identifier, seconds uint32) (*Result, error) {
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		if current.Snapshot.Timer == seconds {
			return nil, nil
		}
		return &group.Actions{ModifyTimer: &seconds}, nil
	})
}

// SetMemberAdmin grants or revokes the administrator role.
func (c *Coordinator) SetMemberAdmin(ctx context.Context, id group.Identifier, member group.Identity, admin bool) (*Result, error) {
	role := group.RoleDefault
	if admin {
		role = group.RoleAdministrator
	}
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		m, ok := group.FindMember(current.Snapshot, member)
		if !ok {
			return nil, errors.Wrapf(errors.ErrMalformedState, "%s is not a member", member)
		}
		if m.Role == role {
			return nil, nil
		}
		return &group.Actions{ModifyRoles: []group.RoleChange{{Identity: member, Role: role}}}, nil
	})
}

// ApplyMembershipRights sets who may add and invite members.
func (c *Coordinator) ApplyMembershipRights(ctx context.Context, id group.Identifier, access group.AccessRequired) (*Result, error) {
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		if current.Snapshot.Access.Members == access {
			return nil, nil
		}
		return &group.Actions{ModifyMembersAccess: &access}, nil
	})
}

// ApplyAttributesRights sets who may edit the title, avatar and timer.
func (c *Coordinator) ApplyAttributesRights(ctx context.Context, id group.Identifier, access group.AccessRequired) (*Result, error) {
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		if current.Snapshot.Access.Attributes == access {
			return nil, nil
		}
		return &group.Actions{ModifyAttributesAccess: &access}, nil
	})
}

// EjectMember removes a full member, or revokes their invitation if they are pending.
func (c *Coordinator) EjectMember(ctx context.Context, id group.Identifier, member group.Identity) (*Result, error) {
	return c.GenericUpdate(ctx, id, nil, func(current *group.Record) (*group.Actions, error) {
		switch {
		case group.IsMember(current.Snapshot, member):
			return &group.Actions{DeleteMembers: []group.Identity{member}}, nil
		case group.IsPending(current.Snapshot, member):
			return &group.Actions{DeletePending: []group.Identity{member}}, nil
		default:
			return nil, nil
		}
	})
}

// LeaveGroup removes the local user (or declines a pending invitation) and marks the group inactive.
func (c *Coordinator) LeaveGroup(ctx context.Context, id group.Identifier) (*Result, error) {
	res, err := c.EjectMember(ctx, id, c.self.Identity)
	if err != nil {
		return nil, err
	}
	if res != nil && res.Outcome == conflict.OutcomeExhausted {
		return res, nil
	}
	if err := c.store.SetActive(ctx, id, false); err != nil {
		return nil, errors.Wrap(err, "failed to mark group inactive")
	}
	c.logger.Infow("Left group", logger.FieldGroupID, id.Short())
	return res, nil
}

// CreateRequest describes a group to create.
type CreateRequest struct {
	Title   string
	Members []group.Identity
	Avatar  []byte
	Timer   uint32
}

// CreateGroup creates a group with the local user as administrator. Members whose
// profile key is known are added in full; the rest are invited.
func (c *Coordinator) CreateGroup(ctx context.Context, req CreateRequest) (*group.Record, error) {
	everyone := append([]group.Identity{c.self.Identity}, req.Members...)
	if err := c.capabilities.Check(ctx, everyone); err != nil {
		return nil, err
	}

	mk, err := group.NewMasterKey()
	if err != nil {
		return nil, err
	}
	params := mk.Params()

	spec := group.NewGroup{Params: params, Title: req.Title, Timer: req.Timer}
	seen := map[group.Identity]bool{c.self.Identity: true}
	for _, m := range req.Members {
		if seen[m] {
			continue
		}
		seen[m] = true
		cand, err := c.candidateFor(ctx, m)
		if err != nil {
			return nil, err
		}
		spec.Members = append(spec.Members, cand)
	}

	if req.Avatar != nil {
		spec.Avatar, err = c.provider.UploadAvatar(ctx, params, req.Avatar)
		if err != nil {
			return nil, errors.Wrap(err, "failed to upload avatar")
		}
	}

	snapshot, err := c.provider.CreateGroup(ctx, spec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create group on server")
	}
	if !group.IsMember(snapshot, c.self.Identity) {
		return nil, errors.AssertionFailedf("local user is not a member of newly created group %s", params.ID.Short())
	}
	c.cache.ForGroup(params).Put(group.LogEntry{Snapshot: snapshot})

	if err := c.store.Create(ctx, params, snapshot); err != nil {
		return nil, errors.Wrap(err, "failed to store new group")
	}
	if req.Avatar != nil {
		if err := c.store.SaveAvatar(ctx, params.ID, spec.Avatar, req.Avatar); err != nil {
			return nil, errors.Wrap(err, "failed to save avatar")
		}
	}
	if snapshot.Timer != 0 {
		if err := c.store.SetExpiration(ctx, params.ID, snapshot.Timer); err != nil {
			return nil, errors.Wrap(err, "failed to set disappearing message timer")
		}
	}
	if err := c.store.SetProfileSharing(ctx, params.ID, true); err != nil {
		return nil, errors.Wrap(err, "failed to enable profile sharing")
	}

	err = c.timeline.Append(ctx, group.TimelineEntry{
		Group:     params.ID,
		Revision:  snapshot.Revision,
		Editor:    c.self.Identity,
		Lines:     []string{fmt.Sprintf("%s created the group", c.self.Identity)},
		Outgoing:  true,
		Timestamp: c.now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record group creation in timeline")
	}

	c.logger.Infow("Group created",
		logger.FieldGroupID, params.ID.Short(),
		logger.FieldCount, len(snapshot.Members)+len(snapshot.Pending))
	return c.store.Require(ctx, params.ID)
}
