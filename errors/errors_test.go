package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestMarkKeepsMessage(t *testing.T) {
	transport := New("connection reset by peer")
	marked := Mark(transport, ErrIO)

	assert.Equal(t, "connection reset by peer", marked.Error())
	assert.True(t, Is(marked, ErrIO))
	assert.True(t, Is(Wrap(marked, "fetch history"), ErrIO))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("error"), "Group: 3xYz")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Group: 3xYz", details[0])
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.True(t, IsNotFoundError(NewNotFoundError("group %s", "abc")))
	assert.True(t, IsNotFoundError(WrapNotFound(New("no rows"), "require group")))
	assert.False(t, IsNotFoundError(New("something else")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"io", Wrap(ErrIO, "dial"), true},
		{"marked io", Mark(New("broken pipe"), ErrIO), true},
		{"busy", ErrBusy, true},
		{"conflict", ErrConflict, false},
		{"verification", ErrVerificationFailure, false},
		{"malformed", Wrap(ErrMalformedState, "bad history"), false},
		{"not a member", ErrNotAMember, false},
		{"assertion wrapping io", AssertionFailedf("self missing: %v", ErrIO), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Wrap(ErrNotAMember, "current state")))
	assert.False(t, IsTerminal(ErrConflict))
	assert.False(t, IsTerminal(nil))
}

func ExampleWrap() {
	baseErr := New("connection failed")
	err := Wrap(baseErr, "failed to fetch group history")
	fmt.Println(err)
	// Output: failed to fetch group history: connection failed
}
