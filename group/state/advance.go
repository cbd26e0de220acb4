// Package state brings the local replica of a group up to a revision: a pure
// advancement function over fetched history, and the processor that queries
// the server, persists the result and schedules follow-up work.
package state

import (
	"github.com/teranos/roster/group"
)

// AdvanceResult is the outcome of Advance.
type AdvanceResult struct {
	// NewState.Local is the last applied snapshot, or the input local snapshot
	// (same pointer) when nothing was applied. NewState.History is the unprocessed suffix.
	NewState  group.GlobalState
	Processed []group.LogEntry
}

// Advance walks global.History in ascending order and applies every entry newer
// than the local snapshot up to and including target. Entries past target are
// left in the returned history. Pure; no I/O.
//
// Advancement is partial by design of the input: asking for group.Latest only
// reaches the newest entry present in global.History.
func Advance(global group.GlobalState, target group.Revision) AdvanceResult {
	current := global.Local
	var processed []group.LogEntry
	var remaining []group.LogEntry

	for i, entry := range global.History {
		if entry.Snapshot == nil {
			continue
		}
		rev := entry.Snapshot.Revision
		if rev > target {
			remaining = append(remaining, global.History[i:]...)
			break
		}
		if current != nil && rev <= current.Revision {
			continue
		}
		current = entry.Snapshot
		processed = append(processed, entry)
	}

	return AdvanceResult{
		NewState:  group.GlobalState{Local: current, History: remaining},
		Processed: processed,
	}
}

// LatestRevision returns the highest revision in history, or -1 if empty.
func LatestRevision(history []group.LogEntry) group.Revision {
	latest := group.Revision(-1)
	for _, e := range history {
		if e.Snapshot != nil && e.Snapshot.Revision > latest {
			latest = e.Snapshot.Revision
		}
	}
	return latest
}
