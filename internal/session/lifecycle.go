package session

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/g960059/window/internal/metrics"
	"github.com/g960059/window/internal/mock"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/stateengine"
	"github.com/g960059/window/internal/transport"
)

// session holds the resources of one connection generation.
type session struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	rest      Bootstrapper
	transport *transport.Client
	driver    *mock.Driver
	health    *healthProbe
	reconnect clock.Timer
}

func (c *Controller) begin() *session {
	c.teardown()
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.sess = &session{gen: c.gen, ctx: ctx, cancel: cancel}
	return c.sess
}

// teardown stops every producer of the current generation and clears the
// session state. Late results from the old generation are discarded.
func (c *Controller) teardown() {
	if s := c.sess; s != nil {
		c.stopSession(s)
		c.sess = nil
	}
	c.gen++
	c.machine.Reset(c.clock.Now())
	c.reach = stateengine.Reachability{}
	c.status = nil
	c.timeline.Clear()
	c.mock = false
	c.connErr = ""
}

func (c *Controller) stopSession(s *session) {
	s.cancel()
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	c.stopHealth(s)
	if s.transport != nil {
		s.transport.Close()
	}
	if s.driver != nil {
		s.driver.Stop()
	}
}

func (c *Controller) stopHealth(s *session) {
	if s.health != nil {
		s.health.stop()
		s.health = nil
	}
}

func (c *Controller) transition(next stateengine.State) bool {
	from, since := c.machine.Current(), c.machine.EnteredAt()
	now := c.clock.Now()
	if err := c.machine.Transition(next, now); err != nil {
		c.log.Info("ignoring transition", "reason", err.Error())
		return false
	}
	if from != next {
		c.log.V(1).Info("state changed", "from", from, "to", next, "after", now.Sub(since))
	}
	return true
}

func (c *Controller) current(gen uint64) *session {
	if c.sess == nil || c.sess.gen != gen || gen != c.gen {
		c.metrics.Dropped(metrics.ReasonStale)
		return nil
	}
	return c.sess
}

func (c *Controller) connect(host, apiKey string) {
	s := c.begin()
	c.host = host
	c.apiKey = apiKey
	c.transition(stateengine.StateConnecting)
	s.rest = c.newREST(host, apiKey)
	c.log.Info("connecting", "host", host)
	c.publish()

	gen, rest, ctx := s.gen, s.rest, s.ctx
	go func() {
		status, err := rest.FetchStatus(ctx)
		c.inbox.push(func() { c.onStatusFetched(gen, status, err) })
	}()
}

func (c *Controller) onStatusFetched(gen uint64, status model.AgentStatus, err error) {
	s := c.current(gen)
	if s == nil {
		return
	}
	now := c.clock.Now()
	if err != nil {
		c.log.Info("status fetch failed", "host", c.host, "err", err.Error())
		c.fail(s, fmt.Sprintf("could not reach agent at %s", c.host))
		c.reach = stateengine.NextReachability(c.reach, false, now)
		c.publish()
		return
	}
	c.status = &status
	c.reach = stateengine.NextReachability(c.reach, true, now)
	c.transition(stateengine.StateBootstrapping)
	c.publish()

	limit, rest, ctx := c.cfg.HistoryLimit, s.rest, s.ctx
	go func() {
		msgs, err := rest.FetchMessages(ctx, limit, nil)
		c.inbox.push(func() { c.onHistoryFetched(gen, msgs, err) })
	}()
}

// fail ends a connect attempt that never reached live. Host stays visible
// next to the error.
func (c *Controller) fail(s *session, reason string) {
	c.stopSession(s)
	c.sess = nil
	c.gen++
	c.machine.Reset(c.clock.Now())
	c.status = nil
	c.timeline.Clear()
	c.connErr = reason
}

func (c *Controller) onHistoryFetched(gen uint64, msgs []model.Message, err error) {
	s := c.current(gen)
	if s == nil {
		return
	}
	if err != nil {
		c.log.Info("history fetch failed, starting with an empty timeline", "err", err.Error())
		msgs = nil
	}
	c.timeline.LoadHistory(msgs)
	c.publish()

	url := transport.URLFor(c.host, c.apiKey)
	s.transport = transport.NewClient(c.dialer, url, sink{c: c, gen: gen},
		transport.WithLogger(c.log),
		transport.WithMetrics(c.metrics),
		transport.WithWriteTimeout(c.cfg.WriteTimeout),
	)
	s.transport.Connect()
}

func (c *Controller) onTransportOpen(gen uint64) {
	s := c.current(gen)
	if s == nil {
		return
	}
	switch c.machine.Current() {
	case stateengine.StateBootstrapping:
		if !c.transition(stateengine.StateLive) {
			return
		}
		c.log.Info("live", "host", c.host)
		c.saveCredentials(model.Credentials{Host: c.host, APIKey: c.apiKey})
		c.startHealth(s)
	case stateengine.StateReconnecting:
		if !c.transition(stateengine.StateLive) {
			return
		}
		c.log.Info("reconnected", "host", c.host)
		c.probeNow(s)
	default:
		return
	}
	c.publish()
}

func (c *Controller) onTransportLost(gen uint64, err error) {
	s := c.current(gen)
	if s == nil {
		return
	}
	now := c.clock.Now()
	switch c.machine.Current() {
	case stateengine.StateLive:
		c.reach = stateengine.MarkUnreachable(c.reach, now)
		c.transition(stateengine.StateReconnecting)
		c.log.Info("transport lost, scheduling reconnect", "delay", c.cfg.ReconnectDelay.String(), "err", err.Error())
		s.reconnect = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
			c.inbox.push(func() { c.onReconnectDue(gen) })
		})
	case stateengine.StateReconnecting:
		c.log.Info("reconnect failed, giving up until user action", "err", err.Error())
		c.reach = stateengine.MarkUnreachable(c.reach, now)
		c.stopHealth(s)
		c.transition(stateengine.StateDisconnected)
		c.connErr = fmt.Sprintf("lost connection to %s", c.host)
	case stateengine.StateBootstrapping:
		c.log.Info("realtime connection failed", "err", err.Error())
		c.fail(s, fmt.Sprintf("could not open realtime connection to %s", c.host))
		c.reach = stateengine.MarkUnreachable(c.reach, now)
	default:
		return
	}
	c.publish()
}

func (c *Controller) onReconnectDue(gen uint64) {
	s := c.current(gen)
	if s == nil {
		return
	}
	s.reconnect = nil
	if c.machine.Current() != stateengine.StateReconnecting || s.transport == nil {
		return
	}
	// gate on the transport; a health probe may already report reachable
	if s.transport.Connected() {
		return
	}
	c.metrics.Reconnect()
	c.log.Info("reconnecting", "host", c.host)
	s.transport.Connect()
}

func (c *Controller) connectMock() {
	s := c.begin()
	c.host = "mock"
	c.apiKey = ""
	c.mock = true
	c.transition(stateengine.StateConnecting)
	s.driver = mock.New(sink{c: c, gen: s.gen},
		mock.WithClock(c.clock),
		mock.WithDelays(c.mockDelays),
		mock.WithLogger(c.log),
	)
	c.publish()
	s.driver.Connect()
}

func (c *Controller) send(id, content string, now time.Time) {
	s := c.sess
	if s == nil {
		c.log.Info("dropping message, no session", "id", id)
		return
	}
	if c.timeline.AppendUserMessage(model.Message{ID: id, Role: model.RoleUser, Content: content, Timestamp: now}) {
		c.publish()
	}
	switch {
	case s.driver != nil:
		s.driver.Send(id, content)
	case s.transport != nil:
		s.transport.Send(id, content)
	default:
		c.log.Info("message kept locally, transport not open yet", "id", id)
	}
}
