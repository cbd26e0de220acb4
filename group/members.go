package group

// FindMember returns the full member with the given identity.
func FindMember(s *Snapshot, id Identity) (Member, bool) {
	if s == nil {
		return Member{}, false
	}
	for _, m := range s.Members {
		if m.Identity == id {
			return m, true
		}
	}
	return Member{}, false
}

// FindPending returns the pending member with the given identity.
func FindPending(s *Snapshot, id Identity) (PendingMember, bool) {
	if s == nil {
		return PendingMember{}, false
	}
	for _, p := range s.Pending {
		if p.Identity == id {
			return p, true
		}
	}
	return PendingMember{}, false
}

// IsMember reports whether id is a full member.
func IsMember(s *Snapshot, id Identity) bool {
	_, ok := FindMember(s, id)
	return ok
}

// IsPending reports whether id holds an outstanding invitation.
func IsPending(s *Snapshot, id Identity) bool {
	_, ok := FindPending(s, id)
	return ok
}

// IsAdmin reports whether id is a full member with the administrator role.
func IsAdmin(s *Snapshot, id Identity) bool {
	m, ok := FindMember(s, id)
	return ok && m.Role == RoleAdministrator
}

// RevisionAdded returns the revision at which id joined as a full member.
// Pending members and strangers have no such revision.
func RevisionAdded(s *Snapshot, id Identity) (Revision, bool) {
	m, ok := FindMember(s, id)
	if !ok {
		return 0, false
	}
	return m.JoinedAt, true
}
