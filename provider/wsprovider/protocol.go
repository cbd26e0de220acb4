// Package wsprovider carries the group provider protocol over a websocket.
//
// Protocol flow:
//
//	1. The client sends MsgHello with its identity, profile key and protocol revision.
//	2. The server answers MsgHello carrying its own revision, or MsgError when
//	   the hello is unusable or the revisions differ.
//	3. Every later frame from the client is a request and gets exactly one
//	   response with the same ID: a frame of the request's type, or MsgError.
//
// Requests name a group by its identifier only. The master key travels once,
// inside MsgCreateGroup, so the server can check the identifier derivation.
package wsprovider

import (
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// MsgType identifies the protocol message kind.
type MsgType string

const (
	MsgHello          MsgType = "hello"
	MsgCurrentState   MsgType = "current_state"
	MsgHistory        MsgType = "history"
	MsgSubmit         MsgType = "submit"
	MsgUploadAvatar   MsgType = "upload_avatar"
	MsgDownloadAvatar MsgType = "download_avatar"
	MsgCreateGroup    MsgType = "create_group"
	MsgFetchProfile   MsgType = "fetch_profile"
	MsgError          MsgType = "error"
)

// Msg is the envelope for every protocol message.
type Msg struct {
	Type MsgType `json:"type"`
	ID   uint64  `json:"id,omitempty"`

	// Hello and FetchProfile
	Identity   group.Identity   `json:"identity,omitempty"`
	ProfileKey group.ProfileKey `json:"profile_key,omitempty"`
	Protocol   int              `json:"protocol,omitempty"`

	// Group-addressed requests
	Group    group.Identifier `json:"group,omitempty"`
	Revision group.Revision   `json:"revision,omitempty"`
	Actions  *group.Actions   `json:"actions,omitempty"`
	NewGroup *group.NewGroup  `json:"new_group,omitempty"`

	// Responses
	Snapshot *group.Snapshot  `json:"snapshot,omitempty"`
	Entries  []group.LogEntry `json:"entries,omitempty"`
	Change   *group.Change    `json:"change,omitempty"`
	Profile  *group.Profile   `json:"profile,omitempty"`

	// Avatars
	Data []byte          `json:"data,omitempty"`
	Ref  group.AvatarRef `json:"ref,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the payload of MsgError.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorCode classifies a failed request on the wire.
type ErrorCode string

const (
	CodeNotAMember   ErrorCode = "not_a_member"
	CodeConflict     ErrorCode = "conflict"
	CodeNotFound     ErrorCode = "not_found"
	CodeNoRights     ErrorCode = "no_rights"
	CodeMalformed    ErrorCode = "malformed"
	CodeVerification ErrorCode = "verification"
	CodeNotCapable   ErrorCode = "not_capable"
	CodeInternal     ErrorCode = "internal"
)

// CodeFor maps a server-side error to its wire code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, errors.ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, errors.ErrConflict):
		return CodeConflict
	case errors.IsNotFoundError(err):
		return CodeNotFound
	case errors.Is(err, errors.ErrNoRights):
		return CodeNoRights
	case errors.Is(err, errors.ErrMalformedState):
		return CodeMalformed
	case errors.Is(err, errors.ErrVerificationFailure):
		return CodeVerification
	case errors.Is(err, errors.ErrNotCapable):
		return CodeNotCapable
	default:
		return CodeInternal
	}
}

// errorMsg builds the MsgError response to request id.
func errorMsg(id uint64, err error) Msg {
	return Msg{Type: MsgError, ID: id, Error: &ErrorBody{Code: CodeFor(err), Message: err.Error()}}
}

// Err turns an error body received from the server back into a marked error.
// Internal server failures count as transport failures and may be retried.
func (b *ErrorBody) Err() error {
	var sentinel error
	switch b.Code {
	case CodeNotAMember:
		sentinel = errors.ErrNotAMember
	case CodeConflict:
		sentinel = errors.ErrConflict
	case CodeNotFound:
		sentinel = errors.ErrNotFound
	case CodeNoRights:
		sentinel = errors.ErrNoRights
	case CodeMalformed:
		sentinel = errors.ErrMalformedState
	case CodeVerification:
		sentinel = errors.ErrVerificationFailure
	case CodeNotCapable:
		sentinel = errors.ErrNotCapable
	default:
		sentinel = errors.ErrIO
	}
	return errors.Wrapf(sentinel, "server: %s", b.Message)
}
