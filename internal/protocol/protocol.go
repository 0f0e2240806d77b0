package protocol

import (
	"errors"
	"strings"
	"time"

	"github.com/g960059/window/internal/model"
)

const (
	TypeConnected       = "connected"
	TypeMessageStream   = "message.stream"
	TypeMessageComplete = "message.complete"
	TypeTaskCreated     = "task.created"
	TypeTaskUpdated     = "task.updated"
	TypeTaskCompleted   = "task.completed"
	TypeStatusUpdate    = "status.update"

	// TypeMessageSend is the only event a client originates.
	TypeMessageSend = "message.send"
)

const (
	VisibilityHide = "hide"
	VisibilityShow = "show"
	VisibilityAuto = "auto"
)

var (
	ErrMissingType  = errors.New("protocol: missing type")
	ErrUnknownType  = errors.New("protocol: unknown event type")
	ErrInvalidEvent = errors.New("protocol: invalid event")
)

// Event is one of the seven server event variants. The set is closed.
type Event interface {
	Type() string
	serverEvent()
}

type Connected struct {
	Agent            string  `json:"agent"`
	Status           string  `json:"status"`
	ContextRemaining float64 `json:"context_remaining"`
	TokensUsed       *int    `json:"tokens_used,omitempty"`
}

type MessageStream struct {
	ReplyTo string `json:"reply_to"`
	Delta   string `json:"delta"`
}

type MessageComplete struct {
	ReplyTo   string `json:"reply_to"`
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type StepPayload struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type TaskCreated struct {
	TaskID       string        `json:"task_id"`
	Title        string        `json:"title"`
	Status       string        `json:"status"`
	Progress     float64       `json:"progress"`
	Steps        []StepPayload `json:"steps"`
	Visibility   *string       `json:"visibility,omitempty"`
	ShowProgress *bool         `json:"show_progress,omitempty"`
}

type TaskUpdated struct {
	TaskID   string        `json:"task_id"`
	Progress float64       `json:"progress"`
	Steps    []StepPayload `json:"steps"`
}

type TaskCompleted struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
	Result   string  `json:"result"`
}

type StatusUpdate struct {
	Status           string  `json:"status"`
	ContextRemaining float64 `json:"context_remaining"`
	TokensUsed       *int    `json:"tokens_used,omitempty"`
}

// MessageSend is the client-originated event. ID correlates later
// message.stream and message.complete events through their reply_to.
type MessageSend struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Content string `json:"content"`
}

func (Connected) Type() string       { return TypeConnected }
func (MessageStream) Type() string   { return TypeMessageStream }
func (MessageComplete) Type() string { return TypeMessageComplete }
func (TaskCreated) Type() string     { return TypeTaskCreated }
func (TaskUpdated) Type() string     { return TypeTaskUpdated }
func (TaskCompleted) Type() string   { return TypeTaskCompleted }
func (StatusUpdate) Type() string    { return TypeStatusUpdate }

func (Connected) serverEvent()       {}
func (MessageStream) serverEvent()   {}
func (MessageComplete) serverEvent() {}
func (TaskCreated) serverEvent()     {}
func (TaskUpdated) serverEvent()     {}
func (TaskCompleted) serverEvent()   {}
func (StatusUpdate) serverEvent()    {}

// ShouldDisplay resolves the visibility gate. An explicit show_progress wins;
// otherwise the visibility hint decides, and "auto" shows only multi-step tasks.
func (e TaskCreated) ShouldDisplay() bool {
	if e.ShowProgress != nil {
		return *e.ShowProgress
	}
	if e.Visibility == nil {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(*e.Visibility)) {
	case VisibilityHide:
		return false
	case VisibilityShow:
		return true
	case VisibilityAuto:
		return len(e.Steps) > 1
	default:
		return true
	}
}

// Time parses the ISO-8601 timestamp, falling back when it is unparsable.
func (e MessageComplete) Time(fallback time.Time) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(e.Timestamp))
	if err != nil {
		return fallback
	}
	return ts
}

func (e Connected) Tokens() int {
	if e.TokensUsed == nil {
		return 0
	}
	return *e.TokensUsed
}

func (e StatusUpdate) Tokens() int {
	if e.TokensUsed == nil {
		return 0
	}
	return *e.TokensUsed
}

// ToSteps converts wire steps; unknown statuses become pending.
func ToSteps(in []StepPayload) []model.Step {
	out := make([]model.Step, 0, len(in))
	for _, s := range in {
		out = append(out, model.Step{Name: s.Name, Status: model.ParseStepStatus(s.Status)})
	}
	return out
}

func FromSteps(in []model.Step) []StepPayload {
	out := make([]StepPayload, 0, len(in))
	for _, s := range in {
		out = append(out, StepPayload{Name: s.Name, Status: string(s.Status)})
	}
	return out
}
