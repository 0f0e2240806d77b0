package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/window/internal/fakeserver"
)

func (r *Runner) serveFakeCommand(env *environment) *cobra.Command {
	var addr, apiKey string
	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Run a local echo agent speaking the Window Protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(apiKey) == "" {
				return usageError{err: errors.New("--key is required")}
			}
			return r.runServeFake(cmd.Context(), env, addr, apiKey)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&apiKey, "key", "", "api key clients must present")
	return cmd
}

func (r *Runner) runServeFake(ctx context.Context, env *environment, addr, apiKey string) error {
	fake := fakeserver.New(strings.TrimSpace(apiKey),
		fakeserver.WithLogger(env.log),
		fakeserver.WithReplier(fakeserver.EchoReplier),
	)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: fake.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	_, _ = fmt.Fprintf(r.out, "fake agent listening on http://%s\n", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	fake.DropConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
