package session

import (
	"github.com/g960059/window/internal/metrics"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/protocol"
	"github.com/g960059/window/internal/stateengine"
)

// sink is the non-owning handle given to the transport and the mock driver.
// It only enqueues, tagged with the generation it was created for.
type sink struct {
	c   *Controller
	gen uint64
}

func (s sink) HandleOpen() {
	s.c.inbox.push(func() { s.c.onTransportOpen(s.gen) })
}

func (s sink) HandleEvent(ev protocol.Event) {
	s.c.inbox.push(func() { s.c.onEvent(s.gen, ev) })
}

func (s sink) HandleDisconnect(err error) {
	s.c.inbox.push(func() { s.c.onTransportLost(s.gen, err) })
}

func (s sink) HandleHistory(msgs []model.Message) {
	s.c.inbox.push(func() { s.c.onMockHistory(s.gen, msgs) })
}

func (c *Controller) onEvent(gen uint64, ev protocol.Event) {
	if c.current(gen) == nil {
		return
	}
	var changed bool
	switch e := ev.(type) {
	case protocol.Connected:
		changed = c.handleConnected(e)
	case protocol.StatusUpdate:
		changed = c.handleStatusUpdate(e)
	case protocol.MessageStream:
		changed = c.timeline.ApplyStreamDelta(e.ReplyTo, e.Delta, c.clock.Now())
	case protocol.MessageComplete:
		changed = c.timeline.ApplyMessageComplete(e.ReplyTo, e.ID, e.Content, e.Time(c.clock.Now()))
	case protocol.TaskCreated:
		changed = c.timeline.ApplyTaskCreated(model.Task{
			ID:       e.TaskID,
			Title:    e.Title,
			Status:   model.TaskInProgress,
			Progress: e.Progress,
			Steps:    protocol.ToSteps(e.Steps),
		}, e.ShouldDisplay())
		if !changed {
			c.log.V(1).Info("task not shown", "task", e.TaskID)
		}
	case protocol.TaskUpdated:
		changed = c.timeline.ApplyTaskUpdated(e.TaskID, e.Progress, protocol.ToSteps(e.Steps))
		if !changed {
			c.metrics.Dropped(metrics.ReasonUnknownTask)
		}
	case protocol.TaskCompleted:
		changed = c.timeline.ApplyTaskCompleted(e.TaskID, e.Progress, e.Result)
		if !changed {
			c.metrics.Dropped(metrics.ReasonUnknownTask)
		}
	default:
		c.log.Info("unhandled event", "type", ev.Type())
		return
	}
	c.metrics.Applied(ev.Type())
	if changed {
		c.publish()
	}
}

func (c *Controller) handleConnected(e protocol.Connected) bool {
	status := model.AgentStatus{
		Agent:            e.Agent,
		State:            model.ParseAgentState(e.Status),
		ContextRemaining: e.ContextRemaining,
		TokensUsed:       e.Tokens(),
	}
	if c.status != nil {
		status.Version = c.status.Version
	}
	c.status = &status
	if c.mock && c.machine.Current() == stateengine.StateConnecting {
		c.transition(stateengine.StateLive)
		c.reach = stateengine.NextReachability(c.reach, true, c.clock.Now())
	}
	return true
}

func (c *Controller) handleStatusUpdate(e protocol.StatusUpdate) bool {
	if c.status == nil {
		c.metrics.Dropped(metrics.ReasonNoStatus)
		return false
	}
	next := *c.status
	next.State = model.ParseAgentState(e.Status)
	next.ContextRemaining = e.ContextRemaining
	if tokens := e.Tokens(); tokens > 0 {
		next.TokensUsed = tokens
	}
	if next == *c.status {
		return false
	}
	c.status = &next
	return true
}

func (c *Controller) onMockHistory(gen uint64, msgs []model.Message) {
	if c.current(gen) == nil {
		return
	}
	c.timeline.LoadHistory(msgs)
	c.publish()
}
