package group

// MembershipDiff is the minimal delta between two memberships.
// Added and Removed are disjoint. Order is unspecified.
type MembershipDiff struct {
	Added   []Identity
	Removed []Identity
}

// IsEmpty reports whether the two memberships were equal.
func (d MembershipDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff computes added = to \ from and removed = from \ to.
// Duplicate identities in either input are collapsed.
func Diff(from, to []Identity) MembershipDiff {
	fromSet := make(map[Identity]struct{}, len(from))
	for _, id := range from {
		fromSet[id] = struct{}{}
	}
	toSet := make(map[Identity]struct{}, len(to))
	for _, id := range to {
		toSet[id] = struct{}{}
	}

	var d MembershipDiff
	for id := range toSet {
		if _, ok := fromSet[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range fromSet {
		if _, ok := toSet[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}
