package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/g960059/window/internal/credstore"
	"github.com/g960059/window/internal/metrics"
	"github.com/g960059/window/internal/mock"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/session"
	"github.com/g960059/window/internal/stateengine"
)

type chatOptions struct {
	host         string
	apiKey       string
	mock         bool
	mockScale    float64
	replyTimeout time.Duration
	metricsAddr  string
}

func (r *Runner) chatCommand(env *environment) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to an agent and send each stdin line as a message",
		Long: "Connect to an agent (or the built-in mock with --mock) and send each line\n" +
			"read from stdin. Without --host the remembered agent is used.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.runChat(cmd.Context(), env, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "", "agent address, e.g. 192.168.1.10:8080")
	f.StringVar(&opts.apiKey, "key", "", "agent api key")
	f.BoolVar(&opts.mock, "mock", false, "talk to the built-in scripted agent")
	f.Float64Var(&opts.mockScale, "mock-delay-scale", 1, "multiplier for the mock agent's pauses")
	f.DurationVar(&opts.replyTimeout, "reply-timeout", 30*time.Second, "how long to wait for replies after stdin closes")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	_ = f.MarkHidden("mock-delay-scale")
	return cmd
}

func (r *Runner) runChat(ctx context.Context, env *environment, opts *chatOptions) error {
	if opts.mock && opts.host != "" {
		return usageError{err: errors.New("--mock and --host are mutually exclusive")}
	}
	if opts.host != "" && strings.TrimSpace(opts.apiKey) == "" {
		return usageError{err: errors.New("--key is required with --host")}
	}

	var store credstore.Store
	if !opts.mock {
		s, err := env.openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck
		store = s
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.log.Error(err, "metrics server")
			}
		}()
		defer srv.Close() //nolint:errcheck
	}

	p := newPrinter(r.out)
	updates := make(chan struct{}, 1)
	ctrl := session.New(env.cfg, store,
		session.WithLogger(env.log),
		session.WithMetrics(m),
		session.WithMockDelays(scaleDelays(mock.DefaultDelays(), opts.mockScale)),
		session.WithListener(p.update),
		session.WithListener(func(session.Snapshot) {
			select {
			case updates <- struct{}{}:
			default:
			}
		}),
	)
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = ctrl.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	switch {
	case opts.mock:
		ctrl.ConnectMock()
	case opts.host != "":
		ctrl.Connect(opts.host, opts.apiKey)
	default:
		started, err := ctrl.AttemptAutoConnect(ctx)
		if err != nil {
			return err
		}
		if !started {
			return usageError{err: errors.New("no remembered agent; pass --host and --key, or --mock")}
		}
	}

	if err := waitLive(ctx, ctrl, updates); err != nil {
		return err
	}

	lines := readLines(ctx, r.in)
	var sent []string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return awaitReplies(ctx, ctrl, updates, sent, opts.replyTimeout)
			}
			if id := ctrl.SendMessage(line); id != "" {
				sent = append(sent, id)
			}
		}
	}
}

func waitLive(ctx context.Context, ctrl *session.Controller, updates <-chan struct{}) error {
	for {
		snap := ctrl.Snapshot()
		if snap.State == stateengine.StateLive {
			return nil
		}
		if snap.State == stateengine.StateDisconnected && snap.ConnectionError != "" {
			return errors.New(snap.ConnectionError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updates:
		}
	}
}

// awaitReplies waits until every sent message is followed by a finished
// agent message, the session drops, or timeout passes.
func awaitReplies(ctx context.Context, ctrl *session.Controller, updates <-chan struct{}, sent []string, timeout time.Duration) error {
	if len(sent) == 0 {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		snap := ctrl.Snapshot()
		if answered(snap.Timeline, sent[len(sent)-1]) {
			return nil
		}
		if snap.State == stateengine.StateDisconnected {
			if snap.ConnectionError != "" {
				return errors.New(snap.ConnectionError)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no reply within %s", timeout)
		case <-updates:
		}
	}
}

func answered(items []model.TimelineItem, id string) bool {
	at := -1
	for i, item := range items {
		if item.Message != nil && item.Message.ID == id {
			at = i
			break
		}
	}
	if at < 0 {
		return false
	}
	for _, item := range items[at+1:] {
		if m := item.Message; m != nil && m.Role == model.RoleAgent && !m.IsStreaming {
			return true
		}
	}
	return false
}

// readLines stops handing off lines once ctx is done. A read already blocked
// on in still returns only when in does.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func scaleDelays(d mock.Delays, f float64) mock.Delays {
	if f <= 0 || f == 1 {
		return d
	}
	scale := func(v time.Duration) time.Duration { return time.Duration(float64(v) * f) }
	return mock.Delays{
		Connect:  scale(d.Connect),
		Think:    scale(d.Think),
		Step:     scale(d.Step),
		Word:     scale(d.Word),
		Finalize: scale(d.Finalize),
	}
}

// printer turns snapshots into plain transcript lines. Streaming text is not
// shown; a message is printed once it is final.
type printer struct {
	out     io.Writer
	mu      sync.Mutex
	state   stateengine.State
	connErr string
	printed map[string]string

	info  *color.Color
	fail  *color.Color
	user  *color.Color
	agent *color.Color
	task  *color.Color
}

func newPrinter(out io.Writer) *printer {
	p := &printer{
		out:     out,
		state:   stateengine.StateDisconnected,
		printed: make(map[string]string),
		info:    color.New(color.Faint),
		fail:    color.New(color.FgRed),
		user:    color.New(color.FgCyan, color.Bold),
		agent:   color.New(color.FgGreen, color.Bold),
		task:    color.New(color.FgYellow),
	}
	if out != io.Writer(os.Stdout) {
		for _, c := range []*color.Color{p.info, p.fail, p.user, p.agent, p.task} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) update(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.State != p.state {
		p.state = s.State
		_, _ = p.info.Fprintf(p.out, "* %s %s\n", s.State, s.Host)
	}
	if s.ConnectionError != p.connErr {
		p.connErr = s.ConnectionError
		if s.ConnectionError != "" {
			_, _ = p.fail.Fprintf(p.out, "! %s\n", s.ConnectionError)
		}
	}
	for _, item := range s.Timeline {
		key := item.Key()
		switch {
		case item.Message != nil:
			m := item.Message
			if m.IsStreaming {
				continue
			}
			sig := m.Content
			if p.printed[key] == sig {
				continue
			}
			p.printed[key] = sig
			if m.Role == model.RoleUser {
				_, _ = p.user.Fprint(p.out, "you> ")
			} else {
				_, _ = p.agent.Fprint(p.out, "agent> ")
			}
			_, _ = fmt.Fprintln(p.out, m.Content)
		case item.Task != nil:
			t := item.Task
			sig := string(t.Status)
			if p.printed[key] == sig {
				continue
			}
			p.printed[key] = sig
			line := fmt.Sprintf("[task] %s (%d%%)", t.Title, int(t.Progress*100+0.5))
			if t.Result != "" {
				line += ": " + t.Result
			}
			_, _ = p.task.Fprintln(p.out, line)
		}
	}
}
