// Package types defines the shared types used across all synod packages.
//
// These types form the lingua franca between backend adapters, the router,
// voice memory, and the orchestrator. They are intentionally minimal: each
// package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength is the upper bound on request content, in characters.
const MaxContentLength = 100_000

// DefaultResponseBudget is the overall per-request time budget applied when
// the caller does not constrain the response time.
const DefaultResponseBudget = 180 * time.Second

// TaskType categorizes what a request asks the system to do. The router's
// complexity baseline and the voice selector's category mapping both key off
// this value.
type TaskType string

const (
	TaskCodeGeneration     TaskType = "code-generation"
	TaskCodeAnalysis       TaskType = "code-analysis"
	TaskArchitectureDesign TaskType = "architecture-design"
	TaskDocumentation      TaskType = "documentation"
	TaskOptimization       TaskType = "optimization"
	TaskReview             TaskType = "review"
)

// IsValid reports whether t is a recognised task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskCodeGeneration, TaskCodeAnalysis, TaskArchitectureDesign,
		TaskDocumentation, TaskOptimization, TaskReview:
		return true
	}
	return false
}

// Priority expresses request urgency. It influences queue ordering only;
// it never changes routing semantics.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a recognised priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status tracks a request through its lifecycle. Transitions are guarded by
// the methods on [Request]; see Start, Complete, Fail and Cancel.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state. Terminal requests never
// transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskContext carries optional caller-supplied background for a request:
// what languages and frameworks are in play, how large the project is, and
// any code or requirements the voices should see.
type TaskContext struct {
	Languages    []string
	Frameworks   []string
	ProjectSize  string
	ExistingCode string
	Requirements []string
	Notes        []string
}

// Constraints bound how a request may be served. Zero values mean
// "no constraint"; the orchestrator substitutes defaults where needed.
type Constraints struct {
	// MaxResponseTime is the overall budget for the request, including
	// routing, all voice invocations and synthesis. Zero means
	// DefaultResponseBudget.
	MaxResponseTime time.Duration

	// MaxCost caps the estimated cost in arbitrary cost units. Zero means
	// unlimited.
	MaxCost float64

	// RequiredQuality is the minimum acceptable quality score in [0,1].
	RequiredQuality float64

	// ExcludedVoices lists voice IDs that must not participate.
	ExcludedVoices []string

	// MustIncludeVoices lists voice IDs that must participate.
	MustIncludeVoices []string

	// OutputFormat optionally names the desired response format
	// (e.g. "markdown", "json").
	OutputFormat string

	// VoicePreference selects single-voice, multi-voice or automatic mode.
	// One of "single", "multi", "auto". Empty means "auto".
	VoicePreference string

	// TimeConstraint biases the mode optimizer: "fast" or "thorough".
	TimeConstraint string
}

// Request validation errors.
var (
	ErrEmptyContent    = errors.New("request content is empty")
	ErrContentTooLong  = fmt.Errorf("request content exceeds %d characters", MaxContentLength)
	ErrInvalidTaskType = errors.New("unknown task type")
	ErrInvalidPriority = errors.New("unknown priority")
)

// Request is a single unit of work submitted to the orchestrator. Requests
// are immutable: lifecycle transitions return a new value and never mutate
// the receiver. The zero value is not usable; construct with [NewRequest].
type Request struct {
	// ID uniquely identifies the request. Assigned at construction.
	ID string

	// Content is the user prompt, 1 to MaxContentLength characters.
	Content string

	// Type categorizes the task.
	Type TaskType

	// Priority expresses urgency.
	Priority Priority

	// Context optionally carries project background.
	Context *TaskContext

	// Constraints bound cost, latency, quality and voice participation.
	Constraints Constraints

	// Timestamp is when the request was created.
	Timestamp time.Time

	// Status is the current lifecycle state.
	Status Status
}

// RequestOption customises request construction.
type RequestOption func(*Request)

// WithID overrides the generated request ID.
func WithID(id string) RequestOption {
	return func(r *Request) { r.ID = id }
}

// WithPriority sets the request priority. Defaults to medium.
func WithPriority(p Priority) RequestOption {
	return func(r *Request) { r.Priority = p }
}

// WithContext attaches project background to the request.
func WithContext(tc *TaskContext) RequestOption {
	return func(r *Request) { r.Context = tc }
}

// WithConstraints bounds the request.
func WithConstraints(c Constraints) RequestOption {
	return func(r *Request) { r.Constraints = c }
}

// NewRequest constructs a validated pending request. The returned request
// carries a generated UUID unless WithID was supplied. All validation
// failures are reported together via errors.Join.
func NewRequest(content string, taskType TaskType, opts ...RequestOption) (Request, error) {
	r := Request{
		ID:        uuid.NewString(),
		Content:   content,
		Type:      taskType,
		Priority:  PriorityMedium,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
	for _, opt := range opts {
		opt(&r)
	}

	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("request ID is empty"))
	}
	if r.Content == "" {
		errs = append(errs, ErrEmptyContent)
	} else if utf8.RuneCountInString(r.Content) > MaxContentLength {
		errs = append(errs, ErrContentTooLong)
	}
	if !r.Type.IsValid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidTaskType, r.Type))
	}
	if !r.Priority.IsValid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidPriority, r.Priority))
	}
	if err := errors.Join(errs...); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Budget returns the effective response-time budget for the request.
func (r Request) Budget() time.Duration {
	if r.Constraints.MaxResponseTime > 0 {
		return r.Constraints.MaxResponseTime
	}
	return DefaultResponseBudget
}

// Start transitions pending → processing.
func (r Request) Start() (Request, error) {
	if r.Status != StatusPending {
		return r, fmt.Errorf("cannot start request %s in state %q", r.ID, r.Status)
	}
	r.Status = StatusProcessing
	return r, nil
}

// Complete transitions processing → completed.
func (r Request) Complete() (Request, error) {
	if r.Status != StatusProcessing {
		return r, fmt.Errorf("cannot complete request %s in state %q", r.ID, r.Status)
	}
	r.Status = StatusCompleted
	return r, nil
}

// Fail transitions processing → failed.
func (r Request) Fail() (Request, error) {
	if r.Status != StatusProcessing {
		return r, fmt.Errorf("cannot fail request %s in state %q", r.ID, r.Status)
	}
	r.Status = StatusFailed
	return r, nil
}

// Cancel transitions pending or processing → cancelled. Cancelling a
// terminal request is an error.
func (r Request) Cancel() (Request, error) {
	if r.Status.Terminal() {
		return r, fmt.Errorf("cannot cancel request %s in state %q", r.ID, r.Status)
	}
	r.Status = StatusCancelled
	return r, nil
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (e.g. the voice that spoke).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this responds to.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by a backend.
type ToolCall struct {
	// ID is the unique identifier for this tool call (backend-assigned).
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to a backend. The core
// treats tools opaquely: it forwards name/arguments to an external executor
// and feeds the string result back.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// AuditPhase names a stage in the dual-agent audit flow.
type AuditPhase string

const (
	PhaseGenerate AuditPhase = "generate"
	PhaseAudit    AuditPhase = "audit"
	PhaseRefine   AuditPhase = "refine"
	PhaseApprove  AuditPhase = "approve"
)

// AuditEvent marks whether a step records a phase starting or finishing.
type AuditEvent string

const (
	EventStart    AuditEvent = "start"
	EventComplete AuditEvent = "complete"
)

// AuditStep is one entry in a response's audit trail. Steps are totally
// ordered by emission time within a request and reflect real causality:
// generate precedes audit precedes refine precedes approve.
type AuditStep struct {
	// Phase is the audit stage this step belongs to.
	Phase AuditPhase

	// Event is "start" or "complete".
	Event AuditEvent

	// At is when the step was emitted.
	At time.Time

	// Model names the backend model involved, when known.
	Model string

	// Score is the auditor's 0–100 assessment. Only set on completed
	// audit steps.
	Score int

	// Detail carries free-text context (issue summaries, warnings).
	Detail string
}

// CoordinatedResponse is the single answer produced for a request, however
// many voices and backends contributed to it.
type CoordinatedResponse struct {
	// RequestID links back to the originating request.
	RequestID string

	// Content is the final answer. For critical security findings this is
	// a fixed refusal message.
	Content string

	// VoicesUsed lists the voice IDs that contributed, in selection order.
	VoicesUsed []string

	// ModelUsed names the backend model that produced the final content.
	ModelUsed string

	// Confidence is the system's confidence in the answer, in [0,1].
	Confidence float64

	// AuditTrail is the ordered list of audit steps for this request.
	AuditTrail []AuditStep

	// ResponseTime is the wall-clock duration from acceptance to reply.
	ResponseTime time.Duration

	// TokensUsed is the total token usage across all backend calls.
	TokensUsed int

	// Warnings carries non-fatal issues: degraded audits, security notes,
	// partial failures.
	Warnings []string

	// Status is the terminal state of the request.
	Status Status
}
