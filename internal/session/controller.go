package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/g960059/window/internal/appclient"
	"github.com/g960059/window/internal/config"
	"github.com/g960059/window/internal/credstore"
	"github.com/g960059/window/internal/metrics"
	"github.com/g960059/window/internal/mock"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/reconcile"
	"github.com/g960059/window/internal/stateengine"
	"github.com/g960059/window/internal/transport"
)

const credentialTimeout = 5 * time.Second

// Bootstrapper is the REST surface the controller needs from an agent.
type Bootstrapper interface {
	FetchStatus(ctx context.Context) (model.AgentStatus, error)
	FetchMessages(ctx context.Context, limit int, before *time.Time) ([]model.Message, error)
}

// RESTFactory builds the bootstrap client for one session.
type RESTFactory func(host, apiKey string) Bootstrapper

// Controller owns the session: lifecycle state, agent status and timeline.
// All mutation happens on the goroutine running Run; the exported methods
// only enqueue work and are safe to call from anywhere.
type Controller struct {
	cfg        config.Config
	clock      clock.WithTickerAndDelayedExecution
	log        logr.Logger
	metrics    *metrics.Session
	store      credstore.Store
	dialer     transport.Dialer
	newREST    RESTFactory
	mockDelays mock.Delays
	listeners  []Listener

	inbox   *mailbox
	stopped chan struct{}

	// Owned by the Run goroutine.
	machine  *stateengine.Machine
	reach    stateengine.Reachability
	status   *model.AgentStatus
	timeline *reconcile.Timeline
	host     string
	apiKey   string
	mock     bool
	connErr  string
	gen      uint64
	sess     *session

	snapMu sync.RWMutex
	snap   Snapshot
}

type Option func(*Controller)

func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

func WithLogger(log logr.Logger) Option {
	return func(ctrl *Controller) { ctrl.log = log }
}

func WithMetrics(m *metrics.Session) Option {
	return func(ctrl *Controller) { ctrl.metrics = m }
}

func WithDialer(d transport.Dialer) Option {
	return func(ctrl *Controller) { ctrl.dialer = d }
}

func WithRESTFactory(f RESTFactory) Option {
	return func(ctrl *Controller) { ctrl.newREST = f }
}

func WithMockDelays(d mock.Delays) Option {
	return func(ctrl *Controller) { ctrl.mockDelays = d }
}

func WithListener(l Listener) Option {
	return func(ctrl *Controller) {
		if l != nil {
			ctrl.listeners = append(ctrl.listeners, l)
		}
	}
}

func New(cfg config.Config, store credstore.Store, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		clock:      clock.RealClock{},
		log:        logr.Discard(),
		store:      store,
		dialer:     transport.WebSocketDialer{},
		mockDelays: mock.DefaultDelays(),
		inbox:      newMailbox(),
		stopped:    make(chan struct{}),
		timeline:   reconcile.New(),
	}
	c.newREST = func(host, apiKey string) Bootstrapper {
		return appclient.New(host, apiKey, appclient.WithUnaryTimeout(c.cfg.RequestTimeout))
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("session")
	c.machine = stateengine.NewMachine(c.clock.Now())
	c.snap = c.buildSnapshot()
	return c
}

// Run processes enqueued work until ctx is done, then tears the session down.
// Exactly one Run may be active per Controller.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			for _, fn := range c.inbox.drain() {
				fn()
			}
			c.teardown()
			c.publish()
			return ctx.Err()
		case <-c.inbox.signal:
			for _, fn := range c.inbox.drain() {
				fn()
			}
		}
	}
}

// Connect replaces any current session with one against host.
func (c *Controller) Connect(host, apiKey string) {
	host = strings.TrimSpace(host)
	apiKey = strings.TrimSpace(apiKey)
	c.inbox.push(func() { c.connect(host, apiKey) })
}

// ConnectMock replaces any current session with the local scripted agent.
func (c *Controller) ConnectMock() {
	c.inbox.push(c.connectMock)
}

// AttemptAutoConnect connects with stored credentials when there are any.
// It reports whether a connection attempt was started.
func (c *Controller) AttemptAutoConnect(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	creds, err := c.store.Load(ctx)
	if errors.Is(err, credstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.Connect(creds.Host, creds.APIKey)
	return true, nil
}

// Disconnect ends the session and returns once the health probe, the
// pending reconnect and the transport are stopped. Stored credentials stay.
func (c *Controller) Disconnect() {
	c.call(func() {
		c.teardown()
		c.publish()
	})
}

// ForgetAgent disconnects and erases stored credentials.
func (c *Controller) ForgetAgent() {
	c.call(func() {
		c.teardown()
		c.host = ""
		c.apiKey = ""
		c.clearCredentials()
		c.publish()
	})
}

// SendMessage appends the optimistic user message and forwards it to the
// agent. Blank content is ignored and yields an empty id.
func (c *Controller) SendMessage(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	id := "msg_" + uuid.NewString()[:8]
	now := c.clock.Now()
	c.inbox.push(func() { c.send(id, content, now) })
	return id
}

// call runs fn on the controller goroutine and waits for it. It returns
// early if Run has exited.
func (c *Controller) call(fn func()) {
	done := make(chan struct{})
	c.inbox.push(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-c.stopped:
	}
}

func (c *Controller) saveCredentials(creds model.Credentials) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()
	if err := c.store.Save(ctx, creds); err != nil {
		c.log.Error(err, "save credentials")
	}
}

func (c *Controller) clearCredentials() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()
	if err := c.store.Clear(ctx); err != nil {
		c.log.Error(err, "clear credentials")
	}
}
