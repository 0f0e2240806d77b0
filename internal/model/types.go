package model

import (
	"strings"
	"time"
)

// AgentState is the coarse activity reported by the agent.
type AgentState string

const (
	AgentIdle AgentState = "idle"
	AgentBusy AgentState = "busy"
)

// ParseAgentState maps unrecognized values to idle.
func ParseAgentState(raw string) AgentState {
	switch AgentState(strings.ToLower(strings.TrimSpace(raw))) {
	case AgentBusy:
		return AgentBusy
	default:
		return AgentIdle
	}
}

type AgentStatus struct {
	Agent            string
	State            AgentState
	ContextRemaining float64
	TokensUsed       int
	Version          string
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleUser:
		return RoleUser, true
	case RoleAgent:
		return RoleAgent, true
	default:
		return "", false
	}
}

type Message struct {
	ID          string
	Role        Role
	Content     string
	Timestamp   time.Time
	IsStreaming bool
}

type TaskStatus string

const (
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// ParseStepStatus maps unrecognized values to pending.
func ParseStepStatus(raw string) StepStatus {
	switch StepStatus(raw) {
	case StepInProgress:
		return StepInProgress
	case StepCompleted:
		return StepCompleted
	case StepFailed:
		return StepFailed
	default:
		return StepPending
	}
}

// Step is identified by Name within its task.
type Step struct {
	Name   string
	Status StepStatus
}

type Task struct {
	ID       string
	Title    string
	Status   TaskStatus
	Progress float64
	Steps    []Step
	Result   string
}

type ItemKind string

const (
	ItemMessage ItemKind = "message"
	ItemTask    ItemKind = "task"
)

// TimelineItem holds exactly one of Message or Task, selected by Kind.
type TimelineItem struct {
	Kind    ItemKind
	Message *Message
	Task    *Task
}

func MessageItem(m Message) TimelineItem {
	return TimelineItem{Kind: ItemMessage, Message: &m}
}

func TaskItem(t Task) TimelineItem {
	return TimelineItem{Kind: ItemTask, Task: &t}
}

// Key is the identity of the item within a timeline.
func (i TimelineItem) Key() string {
	switch i.Kind {
	case ItemMessage:
		if i.Message == nil {
			return ""
		}
		return MessageKey(i.Message.ID)
	case ItemTask:
		if i.Task == nil {
			return ""
		}
		return TaskKey(i.Task.ID)
	default:
		return ""
	}
}

// Clone returns a deep copy so callers outside the owner cannot mutate it.
func (i TimelineItem) Clone() TimelineItem {
	out := TimelineItem{Kind: i.Kind}
	if i.Message != nil {
		m := *i.Message
		out.Message = &m
	}
	if i.Task != nil {
		t := *i.Task
		t.Steps = append([]Step(nil), i.Task.Steps...)
		out.Task = &t
	}
	return out
}

func MessageKey(id string) string {
	return "message:" + id
}

func TaskKey(id string) string {
	return "task:" + id
}

// Credentials identify an agent endpoint; the API key is opaque.
type Credentials struct {
	Host   string
	APIKey string
}

func (c Credentials) IsZero() bool {
	return strings.TrimSpace(c.Host) == "" || strings.TrimSpace(c.APIKey) == ""
}
