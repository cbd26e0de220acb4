package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// ProfileStore keeps the best known profile key and group capability per identity.
// It implements group.ProfileKeyStore.
type ProfileStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ group.ProfileKeyStore = (*ProfileStore)(nil)

// NewProfileStore creates a profile store. The schema must already be migrated.
func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db, now: time.Now}
}

// SetIfAbsent stores key only when no key is known for id.
func (s *ProfileStore) SetIfAbsent(ctx context.Context, id group.Identity, key group.ProfileKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (identity, profile_key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET profile_key = excluded.profile_key, updated_at = excluded.updated_at
		 WHERE profiles.profile_key IS NULL`,
		string(id), key.String(), s.now())
	if err != nil {
		return false, errors.Wrapf(err, "failed to store profile key of %s", id)
	}
	return changed(res)
}

// Set stores key, replacing any other key known for id.
func (s *ProfileStore) Set(ctx context.Context, id group.Identity, key group.ProfileKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (identity, profile_key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET profile_key = excluded.profile_key, updated_at = excluded.updated_at
		 WHERE profiles.profile_key IS NULL OR profiles.profile_key != excluded.profile_key`,
		string(id), key.String(), s.now())
	if err != nil {
		return false, errors.Wrapf(err, "failed to store profile key of %s", id)
	}
	return changed(res)
}

func (s *ProfileStore) Get(ctx context.Context, id group.Identity) (group.ProfileKey, bool, error) {
	var encoded sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_key FROM profiles WHERE identity = ?`, string(id)).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !encoded.Valid) {
		return group.ProfileKey{}, false, nil
	}
	if err != nil {
		return group.ProfileKey{}, false, errors.Wrapf(err, "failed to load profile key of %s", id)
	}
	key, err := group.ParseProfileKey(encoded.String)
	if err != nil {
		return group.ProfileKey{}, false, errors.Wrapf(errors.Mark(err, errors.ErrMalformedState), "stored profile key of %s", id)
	}
	return key, true, nil
}

// Capability returns the last fetched capability of id, CapabilityUnknown if never fetched.
func (s *ProfileStore) Capability(ctx context.Context, id group.Identity) (group.Capability, error) {
	var capability string
	err := s.db.QueryRowContext(ctx,
		`SELECT capability FROM profiles WHERE identity = ?`, string(id)).Scan(&capability)
	if errors.Is(err, sql.ErrNoRows) {
		return group.CapabilityUnknown, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load capability of %s", id)
	}
	return group.Capability(capability), nil
}

// SaveProfile records a directory lookup: the capability always, the profile
// key only when the directory returned one.
func (s *ProfileStore) SaveProfile(ctx context.Context, p group.Profile) error {
	capability := p.Capability
	if capability == "" {
		capability = group.CapabilityUnknown
	}
	var key sql.NullString
	if !p.ProfileKey.IsZero() {
		key = sql.NullString{String: p.ProfileKey.String(), Valid: true}
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (identity, profile_key, capability, refreshed_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		     profile_key = COALESCE(excluded.profile_key, profiles.profile_key),
		     capability = excluded.capability,
		     refreshed_at = excluded.refreshed_at,
		     updated_at = excluded.updated_at`,
		string(p.Identity), key, string(capability), now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to save profile of %s", p.Identity)
	}
	return nil
}

// ProfileRow is one stored profile.
type ProfileRow struct {
	Identity    group.Identity
	HasKey      bool
	Capability  group.Capability
	RefreshedAt *time.Time
}

// List returns every known profile ordered by identity.
func (s *ProfileStore) List(ctx context.Context) ([]ProfileRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, profile_key IS NOT NULL, capability, refreshed_at FROM profiles ORDER BY identity`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list profiles")
	}
	defer rows.Close()

	var out []ProfileRow
	for rows.Next() {
		var (
			r          ProfileRow
			capability string
			refreshed  sql.NullTime
		)
		if err := rows.Scan(&r.Identity, &r.HasKey, &capability, &refreshed); err != nil {
			return nil, errors.Wrap(err, "failed to scan profile")
		}
		r.Capability = group.Capability(capability)
		if refreshed.Valid {
			r.RefreshedAt = &refreshed.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating profiles")
	}
	return out, nil
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}
