package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/g960059/window/internal/appclient"
	"github.com/g960059/window/internal/credstore"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/security"
)

func (r *Runner) statusCommand(env *environment) *cobra.Command {
	var host, apiKey string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of an agent (the remembered one by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.runStatus(cmd.Context(), env, host, apiKey)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "agent address")
	cmd.Flags().StringVar(&apiKey, "key", "", "agent api key")
	return cmd
}

func (r *Runner) runStatus(ctx context.Context, env *environment, host, apiKey string) error {
	creds := model.Credentials{Host: strings.TrimSpace(host), APIKey: strings.TrimSpace(apiKey)}
	var lastConnected time.Time
	if creds.Host == "" {
		store, err := env.openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		creds, err = store.Load(ctx)
		if errors.Is(err, credstore.ErrNotFound) {
			return usageError{err: errors.New("no remembered agent; pass --host and --key")}
		}
		if err != nil {
			return err
		}
		lastConnected, _ = store.LastConnectedAt(ctx)
	} else if creds.APIKey == "" {
		return usageError{err: errors.New("--key is required with --host")}
	}

	client := appclient.New(creds.Host, creds.APIKey, appclient.WithUnaryTimeout(env.cfg.RequestTimeout))
	status, fetchErr := client.FetchStatus(ctx)

	tw := table.NewWriter()
	tw.SetOutputMirror(r.out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRow(table.Row{"Host", client.BaseURL()})
	tw.AppendRow(table.Row{"API key", security.MaskKey(creds.APIKey)})
	if !lastConnected.IsZero() {
		tw.AppendRow(table.Row{"Last connected", lastConnected.Local().Format(time.DateTime)})
	}
	if fetchErr != nil {
		tw.AppendRow(table.Row{"Reachable", "no"})
		tw.Render()
		env.log.V(1).Info("status probe failed", "err", security.RedactPayload(fetchErr.Error()))
		return fmt.Errorf("could not reach agent at %s", creds.Host)
	}
	tw.AppendRow(table.Row{"Reachable", "yes"})
	tw.AppendRow(table.Row{"Agent", status.Agent})
	tw.AppendRow(table.Row{"State", string(status.State)})
	tw.AppendRow(table.Row{"Context remaining", strconv.Itoa(int(status.ContextRemaining*100+0.5)) + "%"})
	tw.AppendRow(table.Row{"Tokens used", status.TokensUsed})
	if status.Version != "" {
		tw.AppendRow(table.Row{"Version", status.Version})
	}
	tw.Render()
	return nil
}

func (r *Runner) forgetCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Erase the remembered agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := env.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := store.Clear(ctx); err != nil {
				return fmt.Errorf("clear credentials: %w", err)
			}
			_, _ = fmt.Fprintln(r.out, "forgot remembered agent")
			return nil
		},
	}
}
