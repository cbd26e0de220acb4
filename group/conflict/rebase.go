// Package conflict recovers from optimistic submissions the server rejected
// because it had already moved past the change's base revision.
//
// Rebase is a pure transform of the rejected actions onto the latest snapshot.
// Resolver is the I/O loop that sequences submit, catch up, rebase and resubmit.
package conflict

import (
	"github.com/teranos/roster/group"
)

// Rebase rewrites original so that it expresses the same intent against latest,
// targeting newRevision. Actions that latest already satisfies, or that no
// longer apply to it, are dropped. The result may be empty.
func Rebase(latest *group.Snapshot, original group.Actions, newRevision group.Revision) group.Actions {
	out := group.Actions{Revision: newRevision}

	for _, c := range original.AddMembers {
		if group.IsMember(latest, c.Identity) {
			continue
		}
		if c.ProfileKey.IsZero() && group.IsPending(latest, c.Identity) {
			continue
		}
		out.AddMembers = append(out.AddMembers, c)
	}

	for _, id := range original.DeleteMembers {
		if group.IsMember(latest, id) {
			out.DeleteMembers = append(out.DeleteMembers, id)
		}
	}

	for _, rc := range original.ModifyRoles {
		if m, ok := group.FindMember(latest, rc.Identity); ok && m.Role != rc.Role && !deleting(original, rc.Identity) {
			out.ModifyRoles = append(out.ModifyRoles, rc)
		}
	}

	for _, c := range original.ModifyProfileKeys {
		if m, ok := group.FindMember(latest, c.Identity); ok && m.ProfileKey != c.ProfileKey {
			out.ModifyProfileKeys = append(out.ModifyProfileKeys, c)
		}
	}

	for _, c := range original.PromotePending {
		if group.IsPending(latest, c.Identity) {
			out.PromotePending = append(out.PromotePending, c)
		}
	}

	for _, id := range original.DeletePending {
		if group.IsPending(latest, id) {
			out.DeletePending = append(out.DeletePending, id)
		}
	}

	if original.ModifyTitle != nil && *original.ModifyTitle != latest.Title {
		out.ModifyTitle = original.ModifyTitle
	}
	if original.ModifyAvatar != nil && *original.ModifyAvatar != latest.Avatar {
		out.ModifyAvatar = original.ModifyAvatar
	}
	if original.ModifyTimer != nil && *original.ModifyTimer != latest.Timer {
		out.ModifyTimer = original.ModifyTimer
	}
	if original.ModifyMembersAccess != nil && *original.ModifyMembersAccess != latest.Access.Members {
		out.ModifyMembersAccess = original.ModifyMembersAccess
	}
	if original.ModifyAttributesAccess != nil && *original.ModifyAttributesAccess != latest.Access.Attributes {
		out.ModifyAttributesAccess = original.ModifyAttributesAccess
	}

	return out
}

func deleting(a group.Actions, id group.Identity) bool {
	for _, d := range a.DeleteMembers {
		if d == id {
			return true
		}
	}
	return false
}
