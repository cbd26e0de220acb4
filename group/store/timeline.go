package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// Timeline implements group.Timeline on the timeline table.
type Timeline struct {
	db *sql.DB
}

var _ group.Timeline = (*Timeline)(nil)

func NewTimeline(db *sql.DB) *Timeline {
	return &Timeline{db: db}
}

func (t *Timeline) Append(ctx context.Context, entry group.TimelineEntry) error {
	lines, err := json.Marshal(entry.Lines)
	if err != nil {
		return errors.Wrap(err, "failed to encode timeline lines")
	}
	editor := sql.NullString{String: string(entry.Editor), Valid: entry.Editor != ""}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO timeline (group_id, revision, editor, lines, outgoing, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Group.String(), entry.Revision, editor, string(lines), entry.Outgoing, entry.Timestamp)
	if err != nil {
		return errors.Wrapf(err, "failed to append timeline entry for group %s", entry.Group.Short())
	}
	return nil
}

// List returns the latest limit entries of a group in ascending revision order.
func (t *Timeline) List(ctx context.Context, id group.Identifier, limit int) ([]group.TimelineEntry, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT revision, editor, lines, outgoing, timestamp FROM (
		     SELECT id, revision, editor, lines, outgoing, timestamp FROM timeline
		     WHERE group_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		id.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list timeline")
	}
	defer rows.Close()

	var out []group.TimelineEntry
	for rows.Next() {
		var (
			e      = group.TimelineEntry{Group: id}
			editor sql.NullString
			lines  string
		)
		if err := rows.Scan(&e.Revision, &editor, &lines, &e.Outgoing, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan timeline entry")
		}
		e.Editor = group.Identity(editor.String)
		if err := json.Unmarshal([]byte(lines), &e.Lines); err != nil {
			return nil, errors.Wrap(err, "failed to decode timeline lines")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating timeline")
	}
	return out, nil
}
