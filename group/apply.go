package group

import (
	"github.com/teranos/roster/errors"
)

// Authorize checks that editor may perform actions against s.
// Strangers get ErrNotAMember; members or invitees lacking the required access get ErrNoRights.
func Authorize(s *Snapshot, editor Identity, a *Actions) error {
	member, isMember := FindMember(s, editor)
	if !isMember {
		if !IsPending(s, editor) {
			return errors.Wrapf(errors.ErrNotAMember, "%s is not in the group", editor)
		}
		if !onlyTouchesOwnInvite(editor, a) {
			return errors.Wrapf(errors.ErrNoRights, "pending member %s may only accept or decline", editor)
		}
		return nil
	}

	role := member.Role
	deny := func(what string) error {
		return errors.Wrapf(errors.ErrNoRights, "%s (%s) may not %s", editor, role, what)
	}

	if len(a.AddMembers) > 0 && !s.Access.Members.Allows(role) {
		return deny("add members")
	}
	for _, id := range a.DeleteMembers {
		if id != editor && role != RoleAdministrator {
			return deny("remove other members")
		}
	}
	if len(a.ModifyRoles) > 0 && role != RoleAdministrator {
		return deny("change roles")
	}
	for _, c := range a.ModifyProfileKeys {
		if c.Identity != editor {
			return deny("change another member's profile key")
		}
	}
	for _, c := range a.PromotePending {
		if c.Identity != editor {
			return deny("accept an invitation on behalf of another member")
		}
	}
	for _, id := range a.DeletePending {
		if id != editor && !s.Access.Members.Allows(role) {
			return deny("revoke invitations")
		}
	}
	if (a.ModifyTitle != nil || a.ModifyAvatar != nil || a.ModifyTimer != nil) && !s.Access.Attributes.Allows(role) {
		return deny("edit group attributes")
	}
	if (a.ModifyMembersAccess != nil || a.ModifyAttributesAccess != nil) && role != RoleAdministrator {
		return deny("change access control")
	}
	return nil
}

func onlyTouchesOwnInvite(editor Identity, a *Actions) bool {
	scoped := *a
	scoped.PromotePending = nil
	scoped.DeletePending = nil
	if !scoped.IsEmpty() {
		return false
	}
	for _, c := range a.PromotePending {
		if c.Identity != editor {
			return false
		}
	}
	for _, id := range a.DeletePending {
		if id != editor {
			return false
		}
	}
	return true
}

// Apply produces the snapshot that results from editor applying actions to s,
// plus the change delta describing it. s is not modified.
//
// Actions must target s.Revision+1; any other revision is a conflict. Actions
// that reference members in the wrong state are rejected as malformed.
// Apply does not check rights; call Authorize first.
func Apply(s *Snapshot, editor Identity, a *Actions) (*Snapshot, *Change, error) {
	if s == nil {
		return nil, nil, errors.Wrap(errors.ErrMalformedState, "apply to unknown group")
	}
	if a.Revision != s.Revision+1 {
		return nil, nil, errors.Wrapf(errors.ErrConflict, "change targets revision %d, group is at %d", a.Revision, s.Revision)
	}
	if a.IsEmpty() {
		return nil, nil, errors.Wrap(errors.ErrMalformedState, "empty change")
	}

	next := s.Clone()
	next.Revision = a.Revision
	malformed := func(format string, args ...interface{}) error {
		return errors.Wrapf(errors.ErrMalformedState, format, args...)
	}

	for _, c := range a.AddMembers {
		if IsMember(next, c.Identity) {
			return nil, nil, malformed("%s is already a member", c.Identity)
		}
		if c.ProfileKey.IsZero() {
			if IsPending(next, c.Identity) {
				return nil, nil, malformed("%s is already invited", c.Identity)
			}
			next.Pending = append(next.Pending, PendingMember{Identity: c.Identity, AddedBy: editor})
			continue
		}
		next.Pending = removePending(next.Pending, c.Identity)
		next.Members = append(next.Members, Member{
			Identity:   c.Identity,
			Role:       RoleDefault,
			ProfileKey: c.ProfileKey,
			JoinedAt:   next.Revision,
		})
	}

	for _, id := range a.DeleteMembers {
		if !IsMember(next, id) {
			return nil, nil, malformed("cannot remove %s: not a member", id)
		}
		next.Members = removeMember(next.Members, id)
	}

	for _, rc := range a.ModifyRoles {
		i := memberIndex(next, rc.Identity)
		if i < 0 {
			return nil, nil, malformed("cannot change role of %s: not a member", rc.Identity)
		}
		if rc.Role != RoleDefault && rc.Role != RoleAdministrator {
			return nil, nil, malformed("unknown role %q", rc.Role)
		}
		next.Members[i].Role = rc.Role
	}

	for _, c := range a.ModifyProfileKeys {
		i := memberIndex(next, c.Identity)
		if i < 0 {
			return nil, nil, malformed("cannot set profile key of %s: not a member", c.Identity)
		}
		if c.ProfileKey.IsZero() {
			return nil, nil, malformed("empty profile key for %s", c.Identity)
		}
		next.Members[i].ProfileKey = c.ProfileKey
	}

	for _, c := range a.PromotePending {
		if !IsPending(next, c.Identity) {
			return nil, nil, malformed("cannot promote %s: no pending invitation", c.Identity)
		}
		if c.ProfileKey.IsZero() {
			return nil, nil, malformed("promotion of %s carries no profile key", c.Identity)
		}
		next.Pending = removePending(next.Pending, c.Identity)
		next.Members = append(next.Members, Member{
			Identity:   c.Identity,
			Role:       RoleDefault,
			ProfileKey: c.ProfileKey,
			JoinedAt:   next.Revision,
		})
	}

	for _, id := range a.DeletePending {
		if !IsPending(next, id) {
			return nil, nil, malformed("cannot revoke invitation for %s: not pending", id)
		}
		next.Pending = removePending(next.Pending, id)
	}

	if a.ModifyTitle != nil {
		next.Title = *a.ModifyTitle
	}
	if a.ModifyAvatar != nil {
		next.Avatar = *a.ModifyAvatar
	}
	if a.ModifyTimer != nil {
		next.Timer = *a.ModifyTimer
	}
	if a.ModifyMembersAccess != nil {
		next.Access.Members = *a.ModifyMembersAccess
	}
	if a.ModifyAttributesAccess != nil {
		next.Access.Attributes = *a.ModifyAttributesAccess
	}

	return next, &Change{Editor: editor, Actions: *a}, nil
}

func memberIndex(s *Snapshot, id Identity) int {
	for i, m := range s.Members {
		if m.Identity == id {
			return i
		}
	}
	return -1
}

func removeMember(members []Member, id Identity) []Member {
	out := members[:0:0]
	for _, m := range members {
		if m.Identity != id {
			out = append(out, m)
		}
	}
	return out
}

func removePending(pending []PendingMember, id Identity) []PendingMember {
	out := pending[:0:0]
	for _, p := range pending {
		if p.Identity != id {
			out = append(out, p)
		}
	}
	return out
}
