package session

import (
	"time"

	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/stateengine"
)

// Snapshot is an immutable copy of the session as last published.
type Snapshot struct {
	State           stateengine.State
	StateSince      time.Time
	Reachability    stateengine.Reachability
	Status          *model.AgentStatus
	Timeline        []model.TimelineItem
	Host            string
	Mock            bool
	ConnectionError string
}

// Listener is called on the controller goroutine after every applied change.
// It must not block.
type Listener func(Snapshot)

func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		State:           c.machine.Current(),
		StateSince:      c.machine.EnteredAt(),
		Reachability:    c.reach,
		Timeline:        c.timeline.Items(),
		Host:            c.host,
		Mock:            c.mock,
		ConnectionError: c.connErr,
	}
	if c.status != nil {
		status := *c.status
		snap.Status = &status
	}
	return snap
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Timeline = make([]model.TimelineItem, 0, len(s.Timeline))
	for _, item := range s.Timeline {
		out.Timeline = append(out.Timeline, item.Clone())
	}
	if s.Status != nil {
		status := *s.Status
		out.Status = &status
	}
	return out
}

func (c *Controller) publish() {
	snap := c.buildSnapshot()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	for _, l := range c.listeners {
		l(snap.clone())
	}
}

// Snapshot returns the most recently published state. Safe from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.clone()
}
