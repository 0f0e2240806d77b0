package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/g960059/window/internal/config"
	"github.com/g960059/window/internal/credstore"
	"github.com/g960059/window/internal/metrics"
	"github.com/g960059/window/internal/mock"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/protocol"
	"github.com/g960059/window/internal/session"
	"github.com/g960059/window/internal/stateengine"
	"github.com/g960059/window/internal/transport"
)

const waitFor = 2 * time.Second

type fakeREST struct {
	mu          sync.Mutex
	status      model.AgentStatus
	statusErr   error
	history     []model.Message
	historyErr  error
	gate        chan struct{}
	statusCalls int
}

func (r *fakeREST) FetchStatus(ctx context.Context) (model.AgentStatus, error) {
	r.mu.Lock()
	gate := r.gate
	r.statusCalls++
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.AgentStatus{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.statusErr
}

func (r *fakeREST) FetchMessages(_ context.Context, _ int, _ *time.Time) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.history...), r.historyErr
}

func (r *fakeREST) setStatusErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusErr = err
}

func (r *fakeREST) StatusCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCalls
}

type fakeConn struct {
	failed  chan error
	mu      sync.Mutex
	written [][]byte
	frames  chan []byte
	done    chan struct{}
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 32),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.failed:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) push(t *testing.T, ev protocol.Event) {
	t.Helper()
	frame, err := protocol.Encode(ev)
	require.NoError(t, err)
	c.frames <- frame
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type failingStore struct{}

func (failingStore) Save(context.Context, model.Credentials) error { return errors.New("disk full") }
func (failingStore) Load(context.Context) (model.Credentials, error) {
	return model.Credentials{}, errors.New("database locked")
}
func (failingStore) Clear(context.Context) error { return errors.New("database locked") }

type harness struct {
	ctrl    *session.Controller
	store   *credstore.Memory
	dialer  *fakeDialer
	rest    map[string]*fakeREST
	metrics *metrics.Session
	cfg     config.Config
}

func agentREST() *fakeREST {
	return &fakeREST{
		status: model.AgentStatus{Agent: "ops", State: model.AgentIdle, ContextRemaining: 0.8, TokensUsed: 100, Version: "2.0.0"},
		history: []model.Message{
			{ID: "h1", Role: model.RoleUser, Content: "hi", Timestamp: time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)},
			{ID: "h2", Role: model.RoleAgent, Content: "hello", Timestamp: time.Date(2026, 2, 13, 10, 0, 1, 0, time.UTC)},
		},
	}
}

func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	h := &harness{
		store:   credstore.NewMemory(),
		dialer:  &fakeDialer{},
		rest:    map[string]*fakeREST{"agent.local:8080": agentREST()},
		metrics: metrics.New(prometheus.NewRegistry()),
		cfg:     config.DefaultConfig(),
	}
	var mu sync.Mutex
	base := []session.Option{
		session.WithDialer(h.dialer),
		session.WithMetrics(h.metrics),
		session.WithRESTFactory(func(host, _ string) session.Bootstrapper {
			mu.Lock()
			defer mu.Unlock()
			r, ok := h.rest[host]
			if !ok {
				r = &fakeREST{statusErr: errors.New("no route to host")}
			}
			return r
		}),
	}
	h.ctrl = session.New(h.cfg, h.store, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) waitState(t *testing.T, want stateengine.State) session.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().State == want
	}, waitFor, time.Millisecond, "state never became %s", want)
	return h.ctrl.Snapshot()
}

func (h *harness) goLive(t *testing.T) *fakeConn {
	t.Helper()
	h.ctrl.Connect("agent.local:8080", "key")
	h.waitState(t, stateengine.StateLive)
	conn := h.dialer.Last()
	require.NotNil(t, conn)
	return conn
}

func TestConnectBootstrapsThenGoesLive(t *testing.T) {
	var seen []stateengine.State
	var mu sync.Mutex
	h := newHarness(t, session.WithListener(func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != s.State {
			seen = append(seen, s.State)
		}
	}))

	h.ctrl.Connect("  agent.local:8080 ", " key ")
	snap := h.waitState(t, stateengine.StateLive)

	assert.Equal(t, "agent.local:8080", snap.Host)
	assert.Empty(t, snap.ConnectionError)
	require.NotNil(t, snap.Status)
	assert.Equal(t, "ops", snap.Status.Agent)
	assert.True(t, snap.Reachability.Reachable)
	require.Len(t, snap.Timeline, 2)
	assert.Equal(t, "h1", snap.Timeline[0].Message.ID)
	assert.Equal(t, "h2", snap.Timeline[1].Message.ID)

	creds, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Credentials{Host: "agent.local:8080", APIKey: "key"}, creds)
	assert.Equal(t, 1, h.store.Saves())
	assert.Equal(t, []string{"ws://agent.local:8080/ws?token=key"}, h.dialer.URLs())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []stateengine.State{
		stateengine.StateConnecting,
		stateengine.StateBootstrapping,
		stateengine.StateLive,
	}, seen)
}

func TestStatusFailureEndsDisconnectedWithoutSavingCredentials(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Connect("unknown.local", "key")

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().ConnectionError != ""
	}, waitFor, time.Millisecond)
	snap := h.ctrl.Snapshot()
	assert.Equal(t, stateengine.StateDisconnected, snap.State)
	assert.Equal(t, "could not reach agent at unknown.local", snap.ConnectionError)
	assert.Equal(t, "unknown.local", snap.Host)
	assert.Nil(t, snap.Status)
	assert.False(t, snap.Reachability.Reachable)
	assert.Zero(t, h.store.Saves())
	assert.Zero(t, h.dialer.Dials())
}

func TestHistoryFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.rest["agent.local:8080"].historyErr = errors.New("500")

	h.goLive(t)
	snap := h.ctrl.Snapshot()
	assert.Empty(t, snap.Timeline)
	assert.Equal(t, 1, h.store.Saves())
}

func TestRealtimeDialFailureEndsDisconnected(t *testing.T) {
	h := newHarness(t)
	h.dialer.setErr(errors.New("connection refused"))

	h.ctrl.Connect("agent.local:8080", "key")
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().ConnectionError != ""
	}, waitFor, time.Millisecond)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, stateengine.StateDisconnected, snap.State)
	assert.Equal(t, "could not open realtime connection to agent.local:8080", snap.ConnectionError)
	assert.Empty(t, snap.Timeline)
	assert.Zero(t, h.store.Saves())
}

func TestServerEventsReachTheTimeline(t *testing.T) {
	h := newHarness(t)
	conn := h.goLive(t)

	id := h.ctrl.SendMessage("deploy please")
	require.True(t, strings.HasPrefix(id, "msg_"))
	require.Eventually(t, func() bool {
		for _, frame := range conn.Written() {
			if msg, err := protocol.DecodeSend(frame); err == nil && msg.ID == id {
				return msg.Content == "deploy please"
			}
		}
		return false
	}, waitFor, time.Millisecond)

	show := true
	tokens := 400
	conn.push(t, protocol.StatusUpdate{Status: "busy", ContextRemaining: 0.5, TokensUsed: &tokens})
	conn.push(t, protocol.TaskCreated{TaskID: "t1", Title: "Processing: deploy", Status: "pending", ShowProgress: &show,
		Steps: []protocol.StepPayload{{Name: "build", Status: "in_progress"}, {Name: "ship", Status: "pending"}}})
	conn.push(t, protocol.MessageStream{ReplyTo: id, Delta: "Deploy"})
	conn.push(t, protocol.MessageStream{ReplyTo: id, Delta: "ing"})
	conn.push(t, protocol.TaskUpdated{TaskID: "ghost", Progress: 0.5, Steps: []protocol.StepPayload{{Name: "plan", Status: "completed"}}})
	conn.push(t, protocol.MessageComplete{ReplyTo: id, ID: "final_1", Content: "Deployed", Timestamp: "2026-02-13T10:05:00Z"})
	conn.push(t, protocol.TaskCompleted{TaskID: "t1", Progress: 1, Result: "ok"})

	require.Eventually(t, func() bool {
		items := h.ctrl.Snapshot().Timeline
		return len(items) == 5 && items[3].Task != nil && items[3].Task.Status == model.TaskCompleted
	}, waitFor, time.Millisecond)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, id, snap.Timeline[2].Message.ID)
	assert.Equal(t, model.RoleUser, snap.Timeline[2].Message.Role)
	final := snap.Timeline[4].Message
	require.NotNil(t, final)
	assert.Equal(t, "final_1", final.ID)
	assert.Equal(t, "Deployed", final.Content)
	assert.False(t, final.IsStreaming)
	assert.Equal(t, "Completed: deploy", snap.Timeline[3].Task.Title)
	require.NotNil(t, snap.Status)
	assert.Equal(t, model.AgentBusy, snap.Status.State)
	assert.Equal(t, 400, snap.Status.TokensUsed)
	assert.Equal(t, "2.0.0", snap.Status.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues(metrics.ReasonUnknownTask)))
}

func TestTransportLossReconnectsAfterDelay(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC))
	h := newHarness(t, session.WithClock(fc))
	first := h.goLive(t)

	lostAt := fc.Now()
	first.failed <- errors.New("connection reset")
	snap := h.waitState(t, stateengine.StateReconnecting)
	assert.Equal(t, lostAt, snap.StateSince)
	assert.False(t, snap.Reachability.Reachable)
	assert.Len(t, snap.Timeline, 2, "timeline survives the drop")
	assert.Equal(t, 1, h.dialer.Dials())

	fc.Step(h.cfg.ReconnectDelay - time.Millisecond)
	assert.Never(t, func() bool { return h.dialer.Dials() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	fc.Step(time.Millisecond)
	snap = h.waitState(t, stateengine.StateLive)
	assert.Equal(t, lostAt.Add(h.cfg.ReconnectDelay), snap.StateSince)
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Len(t, snap.Timeline, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconnectAttempts))
	assert.Equal(t, 1, h.store.Saves(), "credentials are saved once per session")

	// the reconnect triggers an immediate health check
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Reachability.Reachable
	}, waitFor, time.Millisecond)
}

func TestFailedReconnectEndsDisconnectedAndKeepsTimeline(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC))
	h := newHarness(t, session.WithClock(fc))
	conn := h.goLive(t)

	h.dialer.setErr(errors.New("connection refused"))
	conn.failed <- errors.New("connection reset")
	h.waitState(t, stateengine.StateReconnecting)
	fc.Step(h.cfg.ReconnectDelay)

	snap := h.waitState(t, stateengine.StateDisconnected)
	assert.Equal(t, "lost connection to agent.local:8080", snap.ConnectionError)
	assert.Len(t, snap.Timeline, 2)
	assert.NotNil(t, snap.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconnectAttempts))

	// no retry loop
	fc.Step(10 * h.cfg.ReconnectDelay)
	assert.Never(t, func() bool { return h.dialer.Dials() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC))
	h := newHarness(t, session.WithClock(fc))
	conn := h.goLive(t)

	conn.failed <- errors.New("connection reset")
	h.waitState(t, stateengine.StateReconnecting)

	h.ctrl.Disconnect()
	snap := h.ctrl.Snapshot()
	assert.Equal(t, stateengine.StateDisconnected, snap.State)
	assert.Empty(t, snap.Timeline)
	assert.Nil(t, snap.Status)
	assert.Empty(t, snap.ConnectionError)

	fc.Step(2 * h.cfg.ReconnectDelay)
	assert.Never(t, func() bool { return h.dialer.Dials() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(h.metrics.ReconnectAttempts))
	assert.Equal(t, stateengine.StateDisconnected, h.ctrl.Snapshot().State)

	_, err := h.store.Load(context.Background())
	assert.NoError(t, err, "disconnect keeps stored credentials")
}

func TestHealthProbeOnlyMovesReachability(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC))
	h := newHarness(t, session.WithClock(fc))
	h.goLive(t)
	rest := h.rest["agent.local:8080"]
	calls := rest.StatusCalls()

	rest.setStatusErr(errors.New("timeout"))
	fc.Step(h.cfg.HealthInterval)
	require.Eventually(t, func() bool {
		return !h.ctrl.Snapshot().Reachability.Reachable
	}, waitFor, time.Millisecond)
	snap := h.ctrl.Snapshot()
	assert.Equal(t, stateengine.StateLive, snap.State)
	assert.Equal(t, 1, snap.Reachability.ConsecutiveFailures)
	assert.Equal(t, calls+1, rest.StatusCalls())
	assert.Equal(t, 1, h.dialer.Dials())

	rest.setStatusErr(nil)
	fc.Step(h.cfg.HealthInterval)
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Reachability.Reachable
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HealthProbes.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HealthProbes.WithLabelValues("success")))
}

func TestHealthProbeStopsOnDisconnect(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC))
	h := newHarness(t, session.WithClock(fc))
	h.goLive(t)
	rest := h.rest["agent.local:8080"]

	h.ctrl.Disconnect()
	calls := rest.StatusCalls()
	fc.Step(3 * h.cfg.HealthInterval)
	assert.Never(t, func() bool { return rest.StatusCalls() > calls }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStaleBootstrapResultIsDropped(t *testing.T) {
	h := newHarness(t)
	slow := agentREST()
	slow.status.Agent = "slow"
	slow.gate = make(chan struct{})
	h.rest["slow.local"] = slow
	fast := agentREST()
	fast.status.Agent = "fast"
	h.rest["fast.local"] = fast

	h.ctrl.Connect("slow.local", "k1")
	require.Eventually(t, func() bool { return slow.StatusCalls() == 1 }, waitFor, time.Millisecond)
	h.ctrl.Connect("fast.local", "k2")
	snap := h.waitState(t, stateengine.StateLive)
	close(slow.gate)

	assert.Never(t, func() bool {
		s := h.ctrl.Snapshot()
		return s.Host != "fast.local" || s.Status == nil || s.Status.Agent != "fast"
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "fast.local", snap.Host)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestMockSessionGoesLiveAndReplies(t *testing.T) {
	var (
		mu        sync.Mutex
		firstLive *session.Snapshot
	)
	h := newHarness(t, session.WithMockDelays(mock.Delays{
		Connect:  time.Millisecond,
		Think:    time.Millisecond,
		Step:     time.Millisecond,
		Word:     time.Millisecond,
		Finalize: time.Millisecond,
	}), session.WithListener(func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if firstLive == nil && s.State == stateengine.StateLive {
			firstLive = &s
		}
	}))

	h.ctrl.ConnectMock()
	snap := h.waitState(t, stateengine.StateLive)
	assert.True(t, snap.Mock)
	assert.Equal(t, "mock", snap.Host)
	assert.True(t, snap.Reachability.Reachable)
	require.NotNil(t, snap.Status)
	assert.Equal(t, mock.AgentName, snap.Status.Agent)

	// the history is in place by the time the session goes live, so a send
	// right away is never wiped by it
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstLive != nil
	}, waitFor, time.Millisecond)
	mu.Lock()
	assert.Len(t, firstLive.Timeline, len(mock.History(time.Now())))
	mu.Unlock()
	before := len(snap.Timeline)
	require.Equal(t, len(mock.History(time.Now())), before)

	id := h.ctrl.SendMessage("hello there")
	require.NotEmpty(t, id)
	require.Eventually(t, func() bool {
		items := h.ctrl.Snapshot().Timeline
		if len(items) < before+2 {
			return false
		}
		last := items[len(items)-1].Message
		return last != nil && !last.IsStreaming && last.Role == model.RoleAgent
	}, waitFor, time.Millisecond)

	items := h.ctrl.Snapshot().Timeline
	assert.Equal(t, id, items[before].Message.ID)
	last := items[len(items)-1].Message
	assert.Equal(t, mock.ResponseFor("hello there"), last.Content)
	assert.NotEqual(t, "reply_"+id, last.ID)
	assert.Zero(t, h.store.Saves(), "mock sessions store nothing")
	assert.Zero(t, h.dialer.Dials())
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)

	assert.Empty(t, h.ctrl.SendMessage("   "))

	id := h.ctrl.SendMessage("nobody listening")
	assert.NotEmpty(t, id)
	h.ctrl.Disconnect()
	assert.Empty(t, h.ctrl.Snapshot().Timeline, "no session drops the message")
}

func TestForgetAgentClearsCredentials(t *testing.T) {
	h := newHarness(t)
	h.goLive(t)

	h.ctrl.ForgetAgent()
	snap := h.ctrl.Snapshot()
	assert.Equal(t, stateengine.StateDisconnected, snap.State)
	assert.Empty(t, snap.Host)
	assert.Empty(t, snap.Timeline)
	_, err := h.store.Load(context.Background())
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestAttemptAutoConnect(t *testing.T) {
	h := newHarness(t)

	started, err := h.ctrl.AttemptAutoConnect(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, stateengine.StateDisconnected, h.ctrl.Snapshot().State)

	require.NoError(t, h.store.Save(context.Background(), model.Credentials{Host: "agent.local:8080", APIKey: "key"}))
	started, err = h.ctrl.AttemptAutoConnect(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	snap := h.waitState(t, stateengine.StateLive)
	assert.Equal(t, "agent.local:8080", snap.Host)
}

func TestAttemptAutoConnectSurfacesStoreErrors(t *testing.T) {
	ctrl := session.New(config.DefaultConfig(), failingStore{})
	started, err := ctrl.AttemptAutoConnect(context.Background())
	assert.Error(t, err)
	assert.False(t, started)
}

func TestSnapshotsAreCopies(t *testing.T) {
	h := newHarness(t)
	h.goLive(t)

	snap := h.ctrl.Snapshot()
	snap.Timeline[0].Message.Content = "mutated"
	snap.Status.Agent = "mutated"

	again := h.ctrl.Snapshot()
	assert.Equal(t, "hi", again.Timeline[0].Message.Content)
	assert.Equal(t, "ops", again.Status.Agent)
}

func TestRunTearsDownOnCancel(t *testing.T) {
	dialer := &fakeDialer{}
	rest := agentREST()
	ctrl := session.New(config.DefaultConfig(), credstore.NewMemory(),
		session.WithDialer(dialer),
		session.WithRESTFactory(func(string, string) session.Bootstrapper { return rest }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()

	ctrl.Connect("agent.local:8080", "key")
	require.Eventually(t, func() bool { return ctrl.Snapshot().State == stateengine.StateLive }, waitFor, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, stateengine.StateDisconnected, ctrl.Snapshot().State)
	require.Eventually(t, func() bool {
		conn := dialer.Last()
		return conn != nil && conn.IsClosed()
	}, waitFor, time.Millisecond)

	// calls after Run exits do not hang
	ctrl.Disconnect()
}
