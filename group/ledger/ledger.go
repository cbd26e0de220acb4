// Package ledger accumulates profile-key claims observed across a batch of group
// snapshots and persists them with a provenance-based overwrite policy.
//
// A key asserted by its owner (the editor of a change) is authoritative and
// always wins. A key seen secondhand in someone else's change is opportunistic
// and is only written when nothing is stored yet. The local user's own key is
// never overwritten from the network; a differing claim is reported as an anomaly.
package ledger

import (
	"context"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"go.uber.org/zap"
)

// Provenance ranks how much a claim can be trusted.
type Provenance int

const (
	Opportunistic Provenance = iota
	Authoritative
)

func (p Provenance) String() string {
	if p == Authoritative {
		return "authoritative"
	}
	return "opportunistic"
}

// Claim is one profile key asserted for an identity.
type Claim struct {
	Identity   group.Identity
	Key        group.ProfileKey
	Provenance Provenance
}

// Anomaly is a network claim for the local user's own key that differs from the local key.
type Anomaly struct {
	Identity group.Identity
	Claimed  group.ProfileKey
}

// Report summarizes a Persist pass.
type Report struct {
	// Updated lists identities whose stored key changed. Each was enqueued for a profile refresh.
	Updated   []group.Identity
	Anomalies []Anomaly
}

// Ledger is a single-batch accumulator. It is not safe for concurrent use.
type Ledger struct {
	authoritative map[group.Identity]group.ProfileKey
	opportunistic map[group.Identity]group.ProfileKey
	logger        *zap.SugaredLogger
}

// New creates an empty ledger.
func New(log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = logger.ComponentLogger("group.ledger")
	}
	return &Ledger{
		authoritative: make(map[group.Identity]group.ProfileKey),
		opportunistic: make(map[group.Identity]group.ProfileKey),
		logger:        log,
	}
}

// AddFromSnapshot records the keys of every full member of snapshot.
// With no editor nothing can be attributed and the snapshot is ignored.
func (l *Ledger) AddFromSnapshot(snapshot *group.Snapshot, editor group.Identity) {
	if snapshot == nil || editor == "" {
		return
	}

	for _, m := range snapshot.Members {
		if m.ProfileKey.IsZero() {
			continue
		}
		if m.Identity == editor {
			l.authoritative[m.Identity] = m.ProfileKey
			delete(l.opportunistic, m.Identity)
			continue
		}
		if _, ok := l.authoritative[m.Identity]; ok {
			continue
		}
		l.opportunistic[m.Identity] = m.ProfileKey
	}
}

// AddEntries feeds a processed log into the ledger, attributing each snapshot to its change's editor.
func (l *Ledger) AddEntries(entries []group.LogEntry) {
	for _, e := range entries {
		if e.Change == nil {
			continue
		}
		l.AddFromSnapshot(e.Snapshot, e.Change.Editor)
	}
}

// Claims returns the accumulated claims. Each identity appears once.
func (l *Ledger) Claims() []Claim {
	claims := make([]Claim, 0, len(l.authoritative)+len(l.opportunistic))
	for id, k := range l.authoritative {
		claims = append(claims, Claim{Identity: id, Key: k, Provenance: Authoritative})
	}
	for id, k := range l.opportunistic {
		claims = append(claims, Claim{Identity: id, Key: k, Provenance: Opportunistic})
	}
	return claims
}

// Len is the number of identities with a pending claim.
func (l *Ledger) Len() int {
	return len(l.authoritative) + len(l.opportunistic)
}

// Persist writes the batch to store and enqueues a profile refresh for every
// identity whose stored key changed. The ledger is left empty.
//
// Store errors abort the pass. Scheduler errors are logged and skipped since the
// key itself was written and a later sync will enqueue again.
func (l *Ledger) Persist(ctx context.Context, store group.ProfileKeyStore, scheduler group.Scheduler, self group.Self) (Report, error) {
	var report Report
	defer l.reset()

	for id, k := range l.opportunistic {
		if id == self.Identity {
			continue
		}
		changed, err := store.SetIfAbsent(ctx, id, k)
		if err != nil {
			return report, errors.Wrapf(err, "failed to store opportunistic profile key for %s", id)
		}
		if changed {
			report.Updated = append(report.Updated, id)
		}
	}

	for id, k := range l.authoritative {
		if id == self.Identity {
			l.compareSelf(&report, self, k)
			continue
		}
		changed, err := store.Set(ctx, id, k)
		if err != nil {
			return report, errors.Wrapf(err, "failed to store authoritative profile key for %s", id)
		}
		if changed {
			report.Updated = append(report.Updated, id)
		}
	}

	for _, id := range report.Updated {
		if err := scheduler.RefreshProfile(ctx, id); err != nil {
			l.logger.Warnw("Failed to schedule profile refresh",
				logger.FieldIdentity, id,
				logger.FieldError, err)
		}
	}

	if len(report.Updated) > 0 {
		l.logger.Debugw("Persisted learned profile keys", logger.FieldCount, len(report.Updated))
	}
	return report, nil
}

func (l *Ledger) compareSelf(report *Report, self group.Self, claimed group.ProfileKey) {
	if claimed == self.ProfileKey {
		return
	}
	l.logger.Warnw("Group reports a different profile key for the local user; keeping local key",
		logger.FieldIdentity, self.Identity)
	report.Anomalies = append(report.Anomalies, Anomaly{Identity: self.Identity, Claimed: claimed})
}

func (l *Ledger) reset() {
	l.authoritative = make(map[group.Identity]group.ProfileKey)
	l.opportunistic = make(map[group.Identity]group.ProfileKey)
}
