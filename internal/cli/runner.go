package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/g960059/window/internal/config"
	"github.com/g960059/window/internal/db"
)

type Runner struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// usageError marks failures caused by how the command was invoked.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func NewRunner(in io.Reader, out, errOut io.Writer) *Runner {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{in: in, out: out, errOut: errOut}
}

// Run executes one command line and returns the process exit code:
// 0 on success, 1 on failure, 2 on usage errors.
func (r *Runner) Run(ctx context.Context, args []string) int {
	env := &environment{runner: r, v: config.NewViper()}
	root := r.rootCommand(env)
	root.SetArgs(args)
	root.SetIn(r.in)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

// environment carries what the persistent flags resolve to.
type environment struct {
	runner     *Runner
	v          *viper.Viper
	configFile string
	cfg        config.Config
	log        logr.Logger
}

func (r *Runner) rootCommand(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "window",
		Short:         "Terminal client for Window Protocol agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return env.load()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	flags := root.PersistentFlags()
	def := config.DefaultConfig()
	flags.StringVar(&env.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String(config.KeyCredentialsDB, def.CredentialsDBPath, "sqlite file holding the remembered agent")
	flags.Duration(config.KeyHealthInterval, def.HealthInterval, "status probe interval while connected")
	flags.Duration(config.KeyReconnectDelay, def.ReconnectDelay, "delay before the single reconnect attempt")
	flags.Duration(config.KeyRequestTimeout, def.RequestTimeout, "timeout for REST calls")
	flags.Duration(config.KeyWriteTimeout, def.WriteTimeout, "timeout for realtime writes")
	flags.Int(config.KeyHistoryLimit, def.HistoryLimit, "messages fetched when a session starts")
	flags.IntP(config.KeyVerbosity, "v", def.LogVerbosity, "log verbosity")
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		_ = env.v.BindPFlag(f.Name, f)
	})

	root.AddCommand(
		r.chatCommand(env),
		r.statusCommand(env),
		r.forgetCommand(env),
		r.serveFakeCommand(env),
	)
	return root
}

func (env *environment) load() error {
	cfg, err := config.Load(env.v, env.configFile)
	if err != nil {
		return usageError{err: err}
	}
	env.cfg = cfg
	stdr.SetVerbosity(cfg.LogVerbosity)
	env.log = stdr.New(log.New(env.runner.errOut, "", log.LstdFlags)).WithName("window")
	return nil
}

func (env *environment) openStore(ctx context.Context) (*db.Store, error) {
	store, err := db.OpenMigrated(ctx, env.cfg.CredentialsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return store, nil
}
