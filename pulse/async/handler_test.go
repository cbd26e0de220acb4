package async

import (
	"context"
	"testing"
	"time"

	"github.com/teranos/roster/errors"
)

type mockHandler struct {
	name string
	err  error
	runs []string
}

func (m *mockHandler) Execute(ctx context.Context, job *Job) error {
	m.runs = append(m.runs, job.ID)
	return m.err
}

func (m *mockHandler) Name() string {
	return m.name
}

func TestHandlerRegistry(t *testing.T) {
	registry := NewHandlerRegistry()

	sync := &mockHandler{name: "roster.continue-sync"}
	avatar := &mockHandler{name: "roster.fetch-avatar"}
	registry.Register(sync)
	registry.Register(avatar)

	if !registry.Has("roster.continue-sync") {
		t.Error("expected continue-sync to be registered")
	}
	if registry.Has("roster.unknown") {
		t.Error("unknown handler should not be registered")
	}
	if registry.Get("roster.fetch-avatar") != avatar {
		t.Error("Get returned the wrong handler")
	}
	if registry.Get("roster.unknown") != nil {
		t.Error("Get of an unknown name should be nil")
	}

	names := registry.Names()
	if len(names) != 2 || names[0] != "roster.continue-sync" || names[1] != "roster.fetch-avatar" {
		t.Errorf("expected sorted names, got %v", names)
	}
}

func TestHandlerRegistryDuplicatePanics(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&mockHandler{name: "dup"})

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	registry.Register(&mockHandler{name: "dup"})
}

func TestRegistryExecutor(t *testing.T) {
	registry := NewHandlerRegistry()
	ok := &mockHandler{name: "ok"}
	failing := &mockHandler{name: "failing", err: errors.New("boom")}
	registry.Register(ok)
	registry.Register(failing)

	executor := NewRegistryExecutor(registry)
	ctx := context.Background()

	job := &Job{ID: "job-1", HandlerName: "ok"}
	if err := executor.Execute(ctx, job); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if len(ok.runs) != 1 || ok.runs[0] != "job-1" {
		t.Errorf("handler did not see the job: %v", ok.runs)
	}

	if err := executor.Execute(ctx, &Job{ID: "job-2", HandlerName: "failing"}); err == nil || err.Error() != "boom" {
		t.Errorf("expected handler error to pass through, got %v", err)
	}

	err := executor.Execute(ctx, &Job{ID: "job-3", HandlerName: "missing"})
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler, got %v", err)
	}

	if err := executor.Execute(ctx, &Job{ID: "job-4"}); err == nil {
		t.Error("expected error for job without handler name")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"io", errors.Wrap(errors.ErrIO, "connection reset"), ErrorCodeNetworkError, true},
		{"busy", errors.Wrap(errors.ErrBusy, "group locked"), ErrorCodeBusy, true},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "fetch"), ErrorCodeTimeout, true},
		{"verification", errors.Wrap(errors.ErrVerificationFailure, "bad signature"), ErrorCodeVerification, false},
		{"malformed", errors.Wrap(errors.ErrMalformedState, "bad json"), ErrorCodeMalformed, false},
		{"not a member", errors.ErrNotAMember, ErrorCodeNotAMember, false},
		{"not found", errors.NewNotFoundError("group %s", "x"), ErrorCodeNotFound, false},
		{"missing handler", errors.Wrap(ErrNoHandler, "x"), ErrorCodeMissingHandler, false},
		{"assertion", errors.AssertionFailedf("revision went backwards"), ErrorCodeInvariant, false},
		{"other", errors.New("something else"), ErrorCodeUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError("stage", tt.err)
			if got.Code != tt.code {
				t.Errorf("code: got %s, want %s", got.Code, tt.code)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("retryable: got %v, want %v", got.Retryable, tt.retryable)
			}
			if got.Stage != "stage" {
				t.Errorf("stage not kept: %s", got.Stage)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(2*time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
