package mock

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/protocol"
)

const AgentName = "mock-agent"

// Sink receives the scripted output. Calls happen under the driver lock and
// must only hand the value off.
type Sink interface {
	HandleEvent(ev protocol.Event)
	HandleHistory(msgs []model.Message)
}

// Delays are the pauses of the scripted server.
type Delays struct {
	Connect  time.Duration
	Think    time.Duration
	Step     time.Duration
	Word     time.Duration
	Finalize time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Connect:  500 * time.Millisecond,
		Think:    300 * time.Millisecond,
		Step:     600 * time.Millisecond,
		Word:     80 * time.Millisecond,
		Finalize: 300 * time.Millisecond,
	}
}

// Driver plays a Window Protocol server locally. Every emission checks for
// cancellation under the driver lock, so nothing is emitted once Stop returns.
type Driver struct {
	sink   Sink
	clock  clock.Clock
	delays Delays
	log    logr.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	scripts sync.WaitGroup
}

type Option func(*Driver)

func WithClock(c clock.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

func WithDelays(delays Delays) Option {
	return func(d *Driver) { d.delays = delays }
}

func WithLogger(log logr.Logger) Option {
	return func(d *Driver) { d.log = log }
}

func New(sink Sink, opts ...Option) *Driver {
	d := &Driver{
		sink:   sink,
		clock:  clock.RealClock{},
		delays: DefaultDelays(),
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithName("mock")
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Connect schedules the canned history followed by the connected event. Both
// are handed off in one critical section, so the history is loaded before
// the session goes live.
func (d *Driver) Connect() {
	d.start(func(ctx context.Context) {
		if !d.sleep(ctx, d.delays.Connect) {
			return
		}
		tokens := 3200
		d.mu.Lock()
		defer d.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		d.sink.HandleHistory(History(d.clock.Now()))
		d.sink.HandleEvent(protocol.Connected{
			Agent:            AgentName,
			Status:           string(model.AgentIdle),
			ContextRemaining: 0.85,
			TokensUsed:       &tokens,
		})
	})
}

// Send plays the reply script for one user message.
func (d *Driver) Send(id, content string) {
	d.start(func(ctx context.Context) {
		d.reply(ctx, id, content)
	})
}

// Stop cancels every running script and waits for them to exit.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.scripts.Wait()
}

func (d *Driver) start(script func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return
	}
	ctx := d.ctx
	d.scripts.Add(1)
	go func() {
		defer d.scripts.Done()
		script(ctx)
	}()
}

func (d *Driver) reply(ctx context.Context, replyTo, content string) {
	if !d.sleep(ctx, d.delays.Think) {
		return
	}
	if !d.emit(ctx, statusUpdate(model.AgentBusy, 0.78, 4100)) {
		return
	}

	visible := ShowsProgress(content)
	taskID := "task_" + uuid.NewString()[:6]
	show := true
	if visible {
		if !d.emit(ctx, protocol.TaskCreated{
			TaskID:       taskID,
			Title:        taskTitle(content),
			Status:       string(model.TaskInProgress),
			Progress:     0,
			Steps:        stepsAt(0),
			ShowProgress: &show,
		}) {
			return
		}
	}

	if !d.sleep(ctx, d.delays.Step) {
		return
	}
	if visible && !d.emit(ctx, protocol.TaskUpdated{TaskID: taskID, Progress: 0.33, Steps: stepsAt(1)}) {
		return
	}

	response := ResponseFor(content)
	for i, word := range words(response) {
		if !d.sleep(ctx, d.delays.Word) {
			return
		}
		delta := word
		if i > 0 {
			delta = " " + word
		}
		if !d.emit(ctx, protocol.MessageStream{ReplyTo: replyTo, Delta: delta}) {
			return
		}
	}

	if visible && !d.emit(ctx, protocol.TaskUpdated{TaskID: taskID, Progress: 0.66, Steps: stepsAt(2)}) {
		return
	}
	if !d.sleep(ctx, d.delays.Finalize) {
		return
	}
	if !d.emit(ctx, protocol.MessageComplete{
		ReplyTo:   replyTo,
		ID:        "msg_" + uuid.NewString()[:8],
		Content:   response,
		Timestamp: d.clock.Now().UTC().Format(time.RFC3339Nano),
	}) {
		return
	}
	if visible && !d.emit(ctx, protocol.TaskCompleted{TaskID: taskID, Progress: 1.0, Result: "Response delivered"}) {
		return
	}
	d.emit(ctx, statusUpdate(model.AgentIdle, 0.72, 5600))
}

func (d *Driver) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-d.clock.After(delay):
		return ctx.Err() == nil
	}
}

func (d *Driver) emit(ctx context.Context, ev protocol.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	d.log.V(1).Info("emit", "type", ev.Type())
	d.sink.HandleEvent(ev)
	return true
}

func statusUpdate(state model.AgentState, remaining float64, tokens int) protocol.StatusUpdate {
	return protocol.StatusUpdate{Status: string(state), ContextRemaining: remaining, TokensUsed: &tokens}
}

var stepNames = []string{"Understanding request", "Generating response", "Finalizing"}

// stepsAt returns the step list with the first done steps completed and the
// next one in progress.
func stepsAt(done int) []protocol.StepPayload {
	steps := make([]model.Step, len(stepNames))
	for i, name := range stepNames {
		status := model.StepPending
		switch {
		case i < done:
			status = model.StepCompleted
		case i == done:
			status = model.StepInProgress
		}
		steps[i] = model.Step{Name: name, Status: status}
	}
	return protocol.FromSteps(steps)
}

// History is the canned conversation a mock session starts with.
func History(now time.Time) []model.Message {
	return []model.Message{
		{
			ID:        "msg_hist_001",
			Role:      model.RoleUser,
			Content:   "Hey, can you check the server status?",
			Timestamp: now.Add(-3600 * time.Second),
		},
		{
			ID:        "msg_hist_002",
			Role:      model.RoleAgent,
			Content:   "All systems are running normally. CPU usage is at 23%, memory at 4.2GB/16GB. No alerts in the last 24 hours.",
			Timestamp: now.Add(-3550 * time.Second),
		},
		{
			ID:        "msg_hist_003",
			Role:      model.RoleUser,
			Content:   "Great, thanks!",
			Timestamp: now.Add(-3500 * time.Second),
		},
	}
}
