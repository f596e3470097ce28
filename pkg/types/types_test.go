package types_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/synod-ai/synod/pkg/types"
)

// ---- construction & validation ----------------------------------------------

func TestNewRequest_Valid_StartsPending(t *testing.T) {
	t.Parallel()

	r, err := types.NewRequest("write a binary search", types.TaskCodeGeneration)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if r.Status != types.StatusPending {
		t.Errorf("status = %q, want %q", r.Status, types.StatusPending)
	}
	if r.ID == "" {
		t.Error("expected a generated ID, got empty string")
	}
	if r.Priority != types.PriorityMedium {
		t.Errorf("default priority = %q, want %q", r.Priority, types.PriorityMedium)
	}
}

func TestNewRequest_EmptyContent_Rejected(t *testing.T) {
	t.Parallel()

	_, err := types.NewRequest("", types.TaskCodeGeneration)
	if !errors.Is(err, types.ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
}

func TestNewRequest_ContentAtLimit_Accepted(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("a", types.MaxContentLength)
	if _, err := types.NewRequest(content, types.TaskReview); err != nil {
		t.Fatalf("content of exactly %d chars rejected: %v", types.MaxContentLength, err)
	}
}

func TestNewRequest_ContentOverLimit_Rejected(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("a", types.MaxContentLength+1)
	_, err := types.NewRequest(content, types.TaskReview)
	if !errors.Is(err, types.ErrContentTooLong) {
		t.Fatalf("err = %v, want ErrContentTooLong", err)
	}
}

func TestNewRequest_UnknownTaskType_Rejected(t *testing.T) {
	t.Parallel()

	_, err := types.NewRequest("hi", types.TaskType("haiku-writing"))
	if !errors.Is(err, types.ErrInvalidTaskType) {
		t.Fatalf("err = %v, want ErrInvalidTaskType", err)
	}
}

func TestNewRequest_CollectsAllValidationErrors(t *testing.T) {
	t.Parallel()

	_, err := types.NewRequest("", types.TaskType("nope"),
		types.WithPriority(types.Priority("urgent-ish")))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []error{types.ErrEmptyContent, types.ErrInvalidTaskType, types.ErrInvalidPriority} {
		if !errors.Is(err, want) {
			t.Errorf("joined error %v does not contain %v", err, want)
		}
	}
}

func TestNewRequest_WithID_Honoured(t *testing.T) {
	t.Parallel()

	r, err := types.NewRequest("hello", types.TaskDocumentation, types.WithID("req-42"))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if r.ID != "req-42" {
		t.Errorf("ID = %q, want %q", r.ID, "req-42")
	}
}

// ---- lifecycle transitions ---------------------------------------------------

func mustRequest(t *testing.T) types.Request {
	t.Helper()
	r, err := types.NewRequest("test prompt", types.TaskCodeAnalysis)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return r
}

func TestRequest_HappyPathLifecycle(t *testing.T) {
	t.Parallel()

	r := mustRequest(t)
	r, err := r.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status != types.StatusProcessing {
		t.Fatalf("after Start status = %q, want processing", r.Status)
	}
	r, err = r.Complete()
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if r.Status != types.StatusCompleted {
		t.Fatalf("after Complete status = %q, want completed", r.Status)
	}
}

func TestRequest_CompleteWithoutStart_Fails(t *testing.T) {
	t.Parallel()

	r := mustRequest(t)
	if _, err := r.Complete(); err == nil {
		t.Fatal("completing a pending request should fail")
	}
}

func TestRequest_CompletedIsTerminal(t *testing.T) {
	t.Parallel()

	r := mustRequest(t)
	r, _ = r.Start()
	r, _ = r.Complete()

	if _, err := r.Cancel(); err == nil {
		t.Error("cancelling a completed request should fail")
	}
	if _, err := r.Fail(); err == nil {
		t.Error("failing a completed request should fail")
	}
}

func TestRequest_CancelFromPendingAndProcessing(t *testing.T) {
	t.Parallel()

	pending := mustRequest(t)
	cancelled, err := pending.Cancel()
	if err != nil {
		t.Fatalf("Cancel from pending: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	processing, _ := mustRequest(t).Start()
	cancelled, err = processing.Cancel()
	if err != nil {
		t.Fatalf("Cancel from processing: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
}

func TestRequest_TransitionsDoNotMutateReceiver(t *testing.T) {
	t.Parallel()

	r := mustRequest(t)
	if _, err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status != types.StatusPending {
		t.Errorf("original request mutated: status = %q, want pending", r.Status)
	}
}

// ---- budget ------------------------------------------------------------------

func TestRequest_Budget_Defaults(t *testing.T) {
	t.Parallel()

	r := mustRequest(t)
	if got := r.Budget(); got != types.DefaultResponseBudget {
		t.Errorf("Budget() = %v, want %v", got, types.DefaultResponseBudget)
	}

	r.Constraints.MaxResponseTime = 30 * time.Second
	if got := r.Budget(); got != 30*time.Second {
		t.Errorf("Budget() = %v, want 30s", got)
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	terminal := []types.Status{types.StatusCompleted, types.StatusFailed, types.StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []types.Status{types.StatusPending, types.StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}
