package reconcile

import (
	"strings"
	"time"

	"github.com/g960059/window/internal/model"
)

const (
	processingPrefix = "Processing:"
	completedPrefix  = "Completed:"
)

// PlaceholderID is the message id of the streaming placeholder for replyTo.
// It is derived from the request correlation id, never from a final id.
func PlaceholderID(replyTo string) string {
	return "reply_" + replyTo
}

// Timeline is the ordered, identity-keyed view of one session. It is not
// safe for concurrent use; the session controller is its only writer.
// Every Apply/Append method reports whether the timeline changed.
type Timeline struct {
	items []model.TimelineItem
}

func New() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Len() int {
	return len(t.items)
}

// Items returns a deep copy of the timeline in display order.
func (t *Timeline) Items() []model.TimelineItem {
	out := make([]model.TimelineItem, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item.Clone())
	}
	return out
}

// IndexOf returns the position of key, or -1.
func (t *Timeline) IndexOf(key string) int {
	for i, item := range t.items {
		if item.Key() == key {
			return i
		}
	}
	return -1
}

func (t *Timeline) Clear() {
	t.items = nil
}

// LoadHistory replaces the whole timeline. Later duplicates of an id are
// ignored so keys stay unique.
func (t *Timeline) LoadHistory(msgs []model.Message) {
	items := make([]model.TimelineItem, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		key := model.MessageKey(m.ID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, model.MessageItem(m))
	}
	t.items = items
}

// AppendUserMessage inserts the optimistic copy of an outgoing message.
func (t *Timeline) AppendUserMessage(msg model.Message) bool {
	if t.IndexOf(model.MessageKey(msg.ID)) >= 0 {
		return false
	}
	t.items = append(t.items, model.MessageItem(msg))
	return true
}

// ApplyStreamDelta appends delta to the placeholder for replyTo, creating the
// placeholder at the end of the timeline on the first delta. Deltas are never
// reordered or buffered.
func (t *Timeline) ApplyStreamDelta(replyTo, delta string, now time.Time) bool {
	id := PlaceholderID(replyTo)
	if idx := t.IndexOf(model.MessageKey(id)); idx >= 0 {
		msg := t.items[idx].Message
		if !msg.IsStreaming {
			// already finalized under the placeholder id; late delta
			return false
		}
		msg.Content += delta
		return true
	}
	t.items = append(t.items, model.MessageItem(model.Message{
		ID:          id,
		Role:        model.RoleAgent,
		Content:     delta,
		Timestamp:   now,
		IsStreaming: true,
	}))
	return true
}

// ApplyMessageComplete finalizes the reply to replyTo. The placeholder is
// replaced at its own position; without one the final message is appended,
// or updated in place when its id is already on the timeline.
//
// Any other entry already holding the final id is removed so keys stay
// unique. When that entry sits before the placeholder, the final message
// ends up one slot earlier than the placeholder was.
func (t *Timeline) ApplyMessageComplete(replyTo, id, content string, ts time.Time) bool {
	final := model.Message{
		ID:        id,
		Role:      model.RoleAgent,
		Content:   content,
		Timestamp: ts,
	}
	finalKey := model.MessageKey(id)

	placeholder := t.IndexOf(model.MessageKey(PlaceholderID(replyTo)))
	if placeholder >= 0 && t.items[placeholder].Message.IsStreaming {
		t.items[placeholder] = model.MessageItem(final)
		for i := range t.items {
			if i != placeholder && t.items[i].Key() == finalKey {
				t.items = append(t.items[:i], t.items[i+1:]...)
				break
			}
		}
		return true
	}

	if idx := t.IndexOf(finalKey); idx >= 0 {
		existing := t.items[idx].Message
		if *existing == final {
			return false
		}
		t.items[idx] = model.MessageItem(final)
		return true
	}
	t.items = append(t.items, model.MessageItem(final))
	return true
}

// ApplyTaskCreated appends an in-progress task unless the visibility gate
// hid it. A hidden task leaves no trace, so later updates for it are dropped.
func (t *Timeline) ApplyTaskCreated(task model.Task, shouldDisplay bool) bool {
	if !shouldDisplay {
		return false
	}
	if t.IndexOf(model.TaskKey(task.ID)) >= 0 {
		return false
	}
	task.Status = model.TaskInProgress
	task.Steps = append([]model.Step(nil), task.Steps...)
	t.items = append(t.items, model.TaskItem(task))
	return true
}

// ApplyTaskUpdated overwrites progress and replaces the steps of a known task.
// Updates for unknown ids are dropped.
func (t *Timeline) ApplyTaskUpdated(id string, progress float64, steps []model.Step) bool {
	task := t.task(id)
	if task == nil {
		return false
	}
	task.Progress = progress
	task.Steps = append([]model.Step(nil), steps...)
	return true
}

// ApplyTaskCompleted marks a known task completed and forces every step to
// completed. Completions for unknown ids are dropped.
func (t *Timeline) ApplyTaskCompleted(id string, progress float64, result string) bool {
	task := t.task(id)
	if task == nil {
		return false
	}
	task.Status = model.TaskCompleted
	task.Progress = progress
	task.Result = result
	for i := range task.Steps {
		task.Steps[i].Status = model.StepCompleted
	}
	if strings.HasPrefix(task.Title, processingPrefix) {
		task.Title = strings.ReplaceAll(task.Title, processingPrefix, completedPrefix)
	}
	return true
}

func (t *Timeline) task(id string) *model.Task {
	idx := t.IndexOf(model.TaskKey(id))
	if idx < 0 {
		return nil
	}
	return t.items[idx].Task
}
