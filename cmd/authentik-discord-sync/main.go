// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command authentik-discord-sync keeps authentik accounts in line with a
// Discord guild: it deactivates users who left the guild, mirrors guild
// roles onto authentik groups and copies profile fields. It runs a full
// sync at startup and on a fixed interval, and exposes the sync-all and
// sync slash commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/authentik-discord-sync/pkg/config"
	"github.com/aiku/authentik-discord-sync/pkg/reconcile"
	"github.com/aiku/authentik-discord-sync/pkg/service"
	"github.com/aiku/authentik-discord-sync/pkg/telemetry"
)

const name = "authentik-discord-sync"

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFiles   []string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	run := func(cmd *cobra.Command, _ []string) error {
		return opts.runDaemon(cmd.Context())
	}

	root := &cobra.Command{
		Use:           name,
		Short:         "Sync authentik users and groups with a Discord guild",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (optional)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the sync daemon (default)",
			Args:  cobra.NoArgs,
			RunE:  run,
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run one full sync and print its statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.runOnce(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, svc *service.Service) (*reconcile.Stat, error) {
					return svc.SyncAll(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "user <discord-id>",
			Short: "Sync a single Discord user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.runOnce(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, svc *service.Service) (*reconcile.Stat, error) {
					return svc.SyncUser(ctx, reconcile.ByID(args[0]))
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
			},
		},
	)
	return root
}

// setup loads the config, builds the root logger and installs tracing.
func (o *options) setup(ctx context.Context) (*config.Config, zerolog.Logger, telemetry.ShutdownFunc, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log, err := newLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	shutdown, err := telemetry.Setup(ctx, name, Tag, cfg.OTelEndpoint)
	if err != nil {
		return nil, log, nil, fmt.Errorf("set up tracing: %w", err)
	}
	return cfg, log, shutdown, nil
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func flushTelemetry(log zerolog.Logger, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
}

func (o *options) runDaemon(ctx context.Context) error {
	cfg, log, shutdown, err := o.setup(ctx)
	if err != nil {
		return err
	}
	defer flushTelemetry(log, shutdown)

	svc, err := service.New(cfg, service.Deps{Logger: &log})
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting " + name)
	return svc.Run(ctx)
}

func (o *options) runOnce(ctx context.Context, out io.Writer, pass func(context.Context, *service.Service) (*reconcile.Stat, error)) error {
	cfg, log, shutdown, err := o.setup(ctx)
	if err != nil {
		return err
	}
	defer flushTelemetry(log, shutdown)

	svc, err := service.New(cfg, service.Deps{Logger: &log})
	if err != nil {
		return err
	}
	if err := svc.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("Error during shutdown")
		}
	}()

	stat, err := pass(ctx, svc)
	if stat != nil {
		stat.Print(out)
	}
	return err
}
