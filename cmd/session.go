package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andreasjansson/plwr/internal/browser"
	"github.com/andreasjansson/plwr/internal/browser/cdpengine"
	"github.com/andreasjansson/plwr/internal/browser/pwengine"
	"github.com/andreasjansson/plwr/internal/config"
	"github.com/andreasjansson/plwr/internal/daemon"
	"github.com/andreasjansson/plwr/internal/observability"
	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/registry"
	"github.com/andreasjansson/plwr/internal/results"
	"github.com/andreasjansson/plwr/internal/store"
)

const defaultHistoryLimit = 20

func (a *app) newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a browser session",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			video := a.cfg.Video.Path
			if f := cmd.Flags().Lookup("video"); f.Changed {
				video = f.Value.String()
			}
			opts, err := a.startOptions(video)
			if err != nil {
				return err
			}
			_, err = a.registry().Start(cmd.Context(), a.cfg.Session.Name, opts)
			return err
		},
	}
	cmd.Flags().String("video", "", "record video of the whole session to this file [env PLWR_VIDEO]")
	return cmd
}

func (a *app) newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the browser session",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.registry().Stop(cmd.Context(), a.cfg.Session.Name)
		},
	}
}

func (a *app) newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List running sessions as JSON",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.registry().List(cmd.Context())
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []registry.Entry{}
			}
			return a.render(results.Value(entries))
		},
	}
}

func (a *app) newHistoryCmd() *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently processed commands from the journal",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Journal.PostgresURL == "" {
				return protocol.Errorf(protocol.KindConfiguration, "history needs journal.postgres_url (or PLWR_JOURNAL_URL)")
			}
			journal, err := store.Open(cmd.Context(), a.cfg.Journal.PostgresURL, a.logger())
			if err != nil {
				return protocol.Wrap(protocol.KindConfiguration, err)
			}
			defer journal.Close()

			session := a.cfg.Session.Name
			if all {
				session = ""
			}
			entries, err := journal.Recent(cmd.Context(), session, limit)
			if err != nil {
				return protocol.Wrap(protocol.KindEngine, err)
			}
			if entries == nil {
				entries = []store.Entry{}
			}
			return a.render(results.Value(entries))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "number of entries to show")
	cmd.Flags().BoolVar(&all, "all", false, "include every session")
	return cmd
}

func (a *app) newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download the browser driver and chromium",
		Args:  usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pwengine.Install(); err != nil {
				return protocol.Wrap(protocol.KindEngine, fmt.Errorf("install browser: %w", err))
			}
			return nil
		},
	}
}

func (a *app) newDaemonCmd() *cobra.Command {
	var video string
	cmd := &cobra.Command{
		Use:    registry.DaemonCommand,
		Short:  "Run the browser daemon (not for direct use)",
		Hidden: true,
		Args:   usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The supervisor may close our stdout once we are ready.
			signal.Ignore(syscall.SIGPIPE)

			cfg := a.cfg
			reg := a.registry()
			logCfg := cfg.Logger
			logCfg.LogFile = reg.Paths(cfg.Session.Name).Log
			observability.Initialize(logCfg, zapcore.AddSync(io.Discard))
			logger := observability.GetLogger()

			launcher, err := launcherFor(cfg.Browser.Engine)
			if err != nil {
				fmt.Fprintln(os.Stdout, registry.FormatReadiness(err))
				return err
			}

			var journal store.Journal
			if cfg.Journal.PostgresURL != "" {
				s, err := store.Open(cmd.Context(), cfg.Journal.PostgresURL, logger)
				if err != nil {
					logger.Warn("Command journal unavailable", zap.Error(err))
				} else {
					journal = s
					defer s.Close()
				}
			}

			return daemon.Run(cmd.Context(), cfg, daemon.RunOptions{
				Session:     cfg.Session.Name,
				Headed:      cfg.Browser.Headed,
				VideoOutput: video,
				Launcher:    launcher,
				Journal:     journal,
				Ready:       os.Stdout,
			}, logger)
		},
	}
	cmd.Flags().StringVar(&video, "video", "", "record video of the whole session to this file")
	return cmd
}

func launcherFor(engine string) (browser.Launcher, error) {
	switch engine {
	case config.EnginePlaywright:
		return pwengine.Launch, nil
	case config.EngineChromedp:
		return cdpengine.Launch, nil
	}
	return nil, protocol.Errorf(protocol.KindConfiguration, "unknown browser engine %q", engine)
}

func (a *app) render(p protocol.Payload, err error) error {
	if err != nil {
		return err
	}
	status, err := results.Render(a.stdout, &p)
	if err != nil {
		return protocol.Wrap(protocol.KindTransport, err)
	}
	a.status = status
	return nil
}

// usage marks positional argument errors as bad requests.
func usage(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return protocol.Wrap(protocol.KindBadRequest, err)
		}
		return nil
	}
}
