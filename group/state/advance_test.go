package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/roster/group"
)

func entry(rev group.Revision) group.LogEntry {
	return group.LogEntry{
		Snapshot: &group.Snapshot{Revision: rev},
		Change:   &group.Change{Editor: "A", Actions: group.Actions{Revision: rev}},
	}
}

func revisions(entries []group.LogEntry) []group.Revision {
	var out []group.Revision
	for _, e := range entries {
		out = append(out, e.Snapshot.Revision)
	}
	return out
}

func TestAdvanceUnknownToLatest(t *testing.T) {
	v1, v2, v3 := entry(1), entry(2), entry(3)
	res := Advance(group.GlobalState{History: []group.LogEntry{v1, v2, v3}}, group.Latest)

	assert.Same(t, v3.Snapshot, res.NewState.Local)
	assert.Equal(t, []group.Revision{1, 2, 3}, revisions(res.Processed))
	assert.Empty(t, res.NewState.History)
}

func TestAdvanceNoHistoryIsIdentity(t *testing.T) {
	v3 := entry(3)
	res := Advance(group.GlobalState{Local: v3.Snapshot}, group.Latest)

	assert.Same(t, v3.Snapshot, res.NewState.Local)
	assert.Empty(t, res.Processed)
	assert.Empty(t, res.NewState.History)
}

func TestAdvanceNilLocalStaysNil(t *testing.T) {
	res := Advance(group.GlobalState{}, group.Latest)
	assert.Nil(t, res.NewState.Local)
	assert.Empty(t, res.Processed)
}

func TestAdvancePartial(t *testing.T) {
	local := entry(1).Snapshot
	history := []group.LogEntry{entry(1), entry(2), entry(3), entry(4)}

	res := Advance(group.GlobalState{Local: local, History: history}, 3)

	assert.Equal(t, group.Revision(3), res.NewState.Local.Revision)
	assert.Equal(t, []group.Revision{2, 3}, revisions(res.Processed))
	assert.Equal(t, []group.Revision{4}, revisions(res.NewState.History))
}

func TestAdvanceLocalAtTarget(t *testing.T) {
	local := entry(2).Snapshot
	history := []group.LogEntry{entry(2), entry(3)}

	res := Advance(group.GlobalState{Local: local, History: history}, 2)

	assert.Same(t, local, res.NewState.Local)
	assert.Empty(t, res.Processed)
	assert.Equal(t, []group.Revision{3}, revisions(res.NewState.History))
}

func TestAdvanceSkipsStaleAndGapsForward(t *testing.T) {
	local := entry(5).Snapshot
	// pending members see only the latest snapshot, far ahead of local
	res := Advance(group.GlobalState{
		Local:   local,
		History: []group.LogEntry{entry(3), {Snapshot: &group.Snapshot{Revision: 9}}},
	}, group.Latest)

	require.NotNil(t, res.NewState.Local)
	assert.Equal(t, group.Revision(9), res.NewState.Local.Revision)
	assert.Equal(t, []group.Revision{9}, revisions(res.Processed))
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	history := []group.LogEntry{entry(1), entry(2), entry(3)}
	input := group.GlobalState{History: history}

	Advance(input, 1)
	assert.Equal(t, []group.Revision{1, 2, 3}, revisions(input.History))
}

func TestLatestRevision(t *testing.T) {
	assert.Equal(t, group.Revision(-1), LatestRevision(nil))
	assert.Equal(t, group.Revision(4), LatestRevision([]group.LogEntry{entry(2), entry(4), entry(3)}))
}
