package db

import (
	"strings"

	"github.com/teranos/roster/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while a daemon shuts down before its workers have exited.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is closed. The driver
// returns its own error values, so its message is matched as a fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsConstraintViolation reports whether err came from a UNIQUE, PRIMARY KEY or
// FOREIGN KEY constraint.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
