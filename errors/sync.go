package errors

// Group synchronization error classes.
// Provider implementations mark their failures with one of these
// (errors.Mark or errors.Wrap) so callers can branch with errors.Is.
var (
	// ErrVerificationFailure: a cryptographic or integrity check on a server response failed.
	ErrVerificationFailure = New("verification failed")

	// ErrMalformedState: the server response or a requested change violates the group protocol.
	ErrMalformedState = New("malformed group state")

	// ErrIO: transport failure. Retryable by the caller or the job scheduler.
	ErrIO = New("group transport failure")

	// ErrNotAMember: the local user is no longer a member of the group.
	ErrNotAMember = New("not a member of the group")

	// ErrConflict: the server is already past the revision a change was built against.
	ErrConflict = New("revision conflict")

	// ErrUnreconcilable: conflict catch-up did not produce a state the change can be rebased onto.
	ErrUnreconcilable = New("group state could not be reconciled")

	// ErrBusy: another update for the same group held the lock past the caller's deadline.
	ErrBusy = New("group change busy")

	// ErrNoRights: the editor lacks the access level the change requires.
	ErrNoRights = New("insufficient rights")

	// ErrNotCapable: a member or the local user cannot take part in the group.
	ErrNotCapable = New("member not capable")
)

// IsRetryable reports whether an operation that failed with err may be attempted again.
// Assertion failures are never retryable, regardless of what they wrap.
func IsRetryable(err error) bool {
	if err == nil || IsAssertionFailure(err) {
		return false
	}
	return IsAny(err, ErrIO, ErrBusy)
}

// IsTerminal reports whether err ends synchronization for a group without being a defect.
func IsTerminal(err error) bool {
	return err != nil && Is(err, ErrNotAMember)
}
