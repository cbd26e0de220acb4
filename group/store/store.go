// Package store persists the local group replica, learned profile keys and
// the group timeline in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/roster/db"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// ErrGroupExists is returned by Create when the group is already stored.
var ErrGroupExists = errors.New("group already stored")

// GroupStore implements group.Store on the groups and avatars tables.
type GroupStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ group.Store = (*GroupStore)(nil)

// NewGroupStore creates a group store. The schema must already be migrated.
func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db, now: time.Now}
}

func (s *GroupStore) Create(ctx context.Context, params group.Params, snapshot *group.Snapshot) error {
	if snapshot == nil {
		return errors.AssertionFailedf("creating group %s without a snapshot", params.ID.Short())
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot")
	}
	masterKey, err := params.MasterKey.MarshalText()
	if err != nil {
		return errors.Wrap(err, "failed to encode master key")
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO groups (id, master_key, revision, snapshot, active, profile_sharing, expiration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, 0, 0, ?, ?)`,
		params.ID.String(), string(masterKey), snapshot.Revision, string(data), now, now,
	)
	if err != nil {
		if db.IsConstraintViolation(err) {
			return errors.Mark(errors.Wrapf(err, "group %s", params.ID.Short()), ErrGroupExists)
		}
		return errors.Wrapf(err, "failed to create group %s", params.ID.Short())
	}
	return nil
}

// Update replaces the stored snapshot when snapshot.Revision is newer than the
// stored revision. It reports false, with no error, when the stored group is
// already at or past that revision.
func (s *GroupStore) Update(ctx context.Context, id group.Identifier, snapshot *group.Snapshot) (bool, error) {
	if snapshot == nil {
		return false, errors.AssertionFailedf("updating group %s without a snapshot", id.Short())
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, errors.Wrap(err, "failed to encode snapshot")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET revision = ?, snapshot = ?, updated_at = ? WHERE id = ? AND revision < ?`,
		snapshot.Revision, string(data), s.now(), id.String(), snapshot.Revision)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update group %s", id.Short())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return true, nil
	}

	unknown, err := s.IsUnknown(ctx, id)
	if err != nil {
		return false, err
	}
	if unknown {
		return false, errors.NewNotFoundError("group %s", id.Short())
	}
	return false, nil
}

func (s *GroupStore) Require(ctx context.Context, id group.Identifier) (*group.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM groups WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("group %s", id.Short())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load group %s", id.Short())
	}
	return rec, nil
}

func (s *GroupStore) IsUnknown(ctx context.Context, id group.Identifier) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM groups WHERE id = ?)`, id.String()).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to look up group")
	}
	return !exists, nil
}

// List returns every stored group, most recently updated first.
func (s *GroupStore) List(ctx context.Context) ([]*group.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM groups ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list groups")
	}
	defer rows.Close()

	var out []*group.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan group")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating groups")
	}
	return out, nil
}

func (s *GroupStore) SetActive(ctx context.Context, id group.Identifier, active bool) error {
	return s.exec(ctx, id, "set active",
		`UPDATE groups SET active = ?, updated_at = ? WHERE id = ?`, active, s.now(), id.String())
}

func (s *GroupStore) SetProfileSharing(ctx context.Context, id group.Identifier, enabled bool) error {
	return s.exec(ctx, id, "set profile sharing",
		`UPDATE groups SET profile_sharing = ?, updated_at = ? WHERE id = ?`, enabled, s.now(), id.String())
}

func (s *GroupStore) SetExpiration(ctx context.Context, id group.Identifier, seconds uint32) error {
	return s.exec(ctx, id, "set expiration",
		`UPDATE groups SET expiration = ?, updated_at = ? WHERE id = ?`, seconds, s.now(), id.String())
}

// SaveAvatar stores avatar bytes under their content reference. Saving the same
// reference twice keeps the first copy.
func (s *GroupStore) SaveAvatar(ctx context.Context, id group.Identifier, ref group.AvatarRef, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO avatars (ref, group_id, data, created_at) VALUES (?, ?, ?, ?)`,
		string(ref), id.String(), data, s.now())
	if err != nil {
		return errors.Wrapf(err, "failed to save avatar for group %s", id.Short())
	}
	return nil
}

// Avatar returns stored avatar bytes.
func (s *GroupStore) Avatar(ctx context.Context, ref group.AvatarRef) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM avatars WHERE ref = ?`, string(ref)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("avatar %s", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load avatar")
	}
	return data, nil
}

func (s *GroupStore) exec(ctx context.Context, id group.Identifier, what string, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to %s for group %s", what, id.Short())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("group %s", id.Short())
	}
	return nil
}

const recordColumns = `master_key, snapshot, active, profile_sharing, expiration, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*group.Record, error) {
	var (
		masterKey string
		snapshot  string
		rec       group.Record
	)
	if err := row.Scan(&masterKey, &snapshot, &rec.Active, &rec.ProfileSharing, &rec.Expiration, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	var mk group.MasterKey
	if err := mk.UnmarshalText([]byte(masterKey)); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrMalformedState), "stored master key")
	}
	rec.Params = mk.Params()

	rec.Snapshot = &group.Snapshot{}
	if err := json.Unmarshal([]byte(snapshot), rec.Snapshot); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrMalformedState), "stored snapshot")
	}
	return &rec, nil
}
