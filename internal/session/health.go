package session

import (
	"context"
	"time"

	"github.com/g960059/window/internal/stateengine"
)

// healthProbe polls FetchStatus on the health interval. Results only move
// reachability; the transport is never touched.
type healthProbe struct {
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// stop cancels the probe and waits until its goroutine has exited.
func (h *healthProbe) stop() {
	h.cancel()
	<-h.done
}

func (c *Controller) startHealth(s *session) {
	c.stopHealth(s)
	ctx, cancel := context.WithCancel(s.ctx)
	h := &healthProbe{
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	ticker := c.clock.NewTicker(c.cfg.HealthInterval)
	gen, rest := s.gen, s.rest
	go func() {
		defer close(h.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			case <-h.kick:
			}
			_, err := rest.FetchStatus(ctx)
			if ctx.Err() != nil {
				return
			}
			ok := err == nil
			at := c.clock.Now()
			c.inbox.push(func() { c.onProbe(gen, ok, at) })
		}
	}()
	s.health = h
}

// probeNow asks the running probe for an immediate check.
func (c *Controller) probeNow(s *session) {
	if s.health == nil {
		return
	}
	select {
	case s.health.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) onProbe(gen uint64, ok bool, at time.Time) {
	if c.current(gen) == nil {
		return
	}
	c.metrics.Probe(ok)
	was := c.reach.Reachable
	c.reach = stateengine.NextReachability(c.reach, ok, at)
	if was != c.reach.Reachable {
		c.log.Info("reachability changed", "reachable", c.reach.Reachable)
	}
	c.publish()
}
