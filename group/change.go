package group

import (
	"fmt"
	"time"
)

// Candidate is a member being added, promoted or re-keyed. A zero ProfileKey on
// an add means the candidate is invited as a pending member instead of added in full.
type Candidate struct {
	Identity   Identity   `json:"identity"`
	ProfileKey ProfileKey `json:"profile_key"`
}

// RoleChange sets the role of an existing full member.
type RoleChange struct {
	Identity Identity `json:"identity"`
	Role     Role     `json:"role"`
}

// Actions is a requested change to a group at a target revision.
// Only the populated fields are applied; nil pointers mean "leave unchanged".
type Actions struct {
	Revision Revision `json:"revision"`

	AddMembers        []Candidate  `json:"add_members,omitempty"`
	DeleteMembers     []Identity   `json:"delete_members,omitempty"`
	ModifyRoles       []RoleChange `json:"modify_roles,omitempty"`
	ModifyProfileKeys []Candidate  `json:"modify_profile_keys,omitempty"`
	PromotePending    []Candidate  `json:"promote_pending,omitempty"`
	DeletePending     []Identity   `json:"delete_pending,omitempty"`

	ModifyTitle            *string         `json:"modify_title,omitempty"`
	ModifyAvatar           *AvatarRef      `json:"modify_avatar,omitempty"`
	ModifyTimer            *uint32         `json:"modify_timer,omitempty"`
	ModifyMembersAccess    *AccessRequired `json:"modify_members_access,omitempty"`
	ModifyAttributesAccess *AccessRequired `json:"modify_attributes_access,omitempty"`
}

// IsEmpty reports whether the actions change nothing.
func (a *Actions) IsEmpty() bool {
	return a == nil ||
		len(a.AddMembers) == 0 &&
			len(a.DeleteMembers) == 0 &&
			len(a.ModifyRoles) == 0 &&
			len(a.ModifyProfileKeys) == 0 &&
			len(a.PromotePending) == 0 &&
			len(a.DeletePending) == 0 &&
			a.ModifyTitle == nil &&
			a.ModifyAvatar == nil &&
			a.ModifyTimer == nil &&
			a.ModifyMembersAccess == nil &&
			a.ModifyAttributesAccess == nil
}

// Change is an accepted change delta: what the editor did to reach Actions.Revision.
type Change struct {
	Editor  Identity `json:"editor"`
	Actions Actions  `json:"actions"`
}

// Revision the change produced.
func (c *Change) Revision() Revision {
	return c.Actions.Revision
}

// FallbackDescription is used when a change has no describable delta.
const FallbackDescription = "group updated"

// Describe renders a change as timeline lines. A nil change, or one that
// touches nothing describable, yields the single fallback line.
func Describe(c *Change) []string {
	if c == nil {
		return []string{FallbackDescription}
	}

	a := c.Actions
	editor := string(c.Editor)
	var lines []string

	for _, m := range a.AddMembers {
		if m.ProfileKey.IsZero() {
			lines = append(lines, fmt.Sprintf("%s invited %s", editor, m.Identity))
		} else if m.Identity == c.Editor {
			lines = append(lines, fmt.Sprintf("%s joined the group", editor))
		} else {
			lines = append(lines, fmt.Sprintf("%s added %s", editor, m.Identity))
		}
	}
	for _, id := range a.DeleteMembers {
		if id == c.Editor {
			lines = append(lines, fmt.Sprintf("%s left the group", editor))
		} else {
			lines = append(lines, fmt.Sprintf("%s removed %s", editor, id))
		}
	}
	for _, rc := range a.ModifyRoles {
		if rc.Role == RoleAdministrator {
			lines = append(lines, fmt.Sprintf("%s made %s an admin", editor, rc.Identity))
		} else {
			lines = append(lines, fmt.Sprintf("%s revoked admin from %s", editor, rc.Identity))
		}
	}
	for _, p := range a.PromotePending {
		lines = append(lines, fmt.Sprintf("%s accepted the invitation", p.Identity))
	}
	for _, id := range a.DeletePending {
		if id == c.Editor {
			lines = append(lines, fmt.Sprintf("%s declined the invitation", editor))
		} else {
			lines = append(lines, fmt.Sprintf("%s revoked the invitation for %s", editor, id))
		}
	}
	if a.ModifyTitle != nil {
		lines = append(lines, fmt.Sprintf("%s changed the title to %q", editor, *a.ModifyTitle))
	}
	if a.ModifyAvatar != nil {
		if *a.ModifyAvatar == "" {
			lines = append(lines, fmt.Sprintf("%s removed the group avatar", editor))
		} else {
			lines = append(lines, fmt.Sprintf("%s changed the group avatar", editor))
		}
	}
	if a.ModifyTimer != nil {
		lines = append(lines, fmt.Sprintf("%s set disappearing messages to %s", editor, DescribeTimer(*a.ModifyTimer)))
	}
	if a.ModifyMembersAccess != nil {
		lines = append(lines, fmt.Sprintf("%s changed who can edit membership to %s", editor, *a.ModifyMembersAccess))
	}
	if a.ModifyAttributesAccess != nil {
		lines = append(lines, fmt.Sprintf("%s changed who can edit group info to %s", editor, *a.ModifyAttributesAccess))
	}

	// Profile key rotations are not shown to users.
	if len(lines) == 0 {
		return []string{FallbackDescription}
	}
	return lines
}

// DescribeTimer renders a disappearing-message timer in seconds.
func DescribeTimer(seconds uint32) string {
	if seconds == 0 {
		return "off"
	}
	return (time.Duration(seconds) * time.Second).String()
}
