package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/andreasjansson/plwr/internal/client"
	"github.com/andreasjansson/plwr/internal/config"
	"github.com/andreasjansson/plwr/internal/observability"
	"github.com/andreasjansson/plwr/internal/protocol"
	"github.com/andreasjansson/plwr/internal/registry"
	"github.com/andreasjansson/plwr/internal/results"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config

	stdout io.Writer
	stderr io.Writer

	// status is the exit status a successful command ends with.
	status int

	// do sends one request to a session. Tests replace it.
	do func(ctx context.Context, req protocol.Request) (*protocol.Payload, error)
}

func newApp(stdout, stderr io.Writer) *app {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	a.do = a.send
	return a
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "plwr",
		Short:         "Clean CLI for browser automation with CSS selectors",
		Long:          "plwr keeps a browser alive in a background session and drives it with one short command per step.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initializeConfig(cmd.Root().PersistentFlags()); err != nil {
				if cmd.Name() == registry.DaemonCommand {
					fmt.Fprintln(a.stdout, registry.FormatReadiness(err))
				}
				return err
			}
			// The daemon writes to its own log file.
			if cmd.Name() != registry.DaemonCommand {
				observability.InitializeLogger(a.cfg.Logger)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./plwr.yaml)")
	flags.StringP("session", "S", "default", "session name [env PLWR_SESSION]")
	flags.Int64P("timeout", "T", 5000, "command timeout in milliseconds [env PLWR_TIMEOUT]")
	flags.Bool("headed", false, "show the browser window when starting a session [env PLWR_HEADED]")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return protocol.Wrap(protocol.KindBadRequest, err)
	})

	root.AddCommand(a.newStartCmd(), a.newStopCmd(), a.newSessionsCmd(), a.newHistoryCmd(),
		a.newInstallCmd(), a.newDaemonCmd())
	root.AddCommand(a.newVerbCmds()...)
	return root
}

// initializeConfig resolves settings with flag > env > config file > default.
func (a *app) initializeConfig(flags *pflag.FlagSet) error {
	v := a.v
	config.SetDefaults(v)

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "plwr"))
		}
		v.SetConfigName("plwr")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PLWR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names for the settings people actually export.
	_ = v.BindEnv("session.name", "PLWR_SESSION", "PLWR_SESSION_NAME")
	_ = v.BindEnv("session.timeout", "PLWR_TIMEOUT", "PLWR_SESSION_TIMEOUT")
	_ = v.BindEnv("session.auto_start", "PLWR_AUTO_START", "PLWR_SESSION_AUTO_START")
	_ = v.BindEnv("browser.headed", "PLWR_HEADED", "PLAYWRIGHT_HEADED", "PLWR_BROWSER_HEADED")
	_ = v.BindEnv("video.path", "PLWR_VIDEO", "PLWR_VIDEO_PATH")
	_ = v.BindEnv("journal.postgres_url", "PLWR_JOURNAL_URL", "PLWR_JOURNAL_POSTGRES_URL")

	for key, flag := range map[string]string{
		"session.name":    "session",
		"session.timeout": "timeout",
		"browser.headed":  "headed",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("bind --%s: %w", flag, err))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return protocol.Wrap(protocol.KindConfiguration, fmt.Errorf("error reading config file: %w", err))
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return protocol.Wrap(protocol.KindConfiguration, err)
	}
	a.cfg = cfg
	return nil
}

func (a *app) logger() *zap.Logger {
	return observability.GetLogger()
}

func (a *app) registry() *registry.Registry {
	return registry.New(a.cfg.Session, a.cfg.Transport.DialTimeout, a.logger())
}

// startOptions are what a spawned daemon inherits from this invocation.
func (a *app) startOptions(video string) (registry.StartOptions, error) {
	opts := registry.StartOptions{Headed: a.cfg.Browser.Headed}
	if video != "" {
		abs, err := filepath.Abs(video)
		if err != nil {
			return opts, protocol.Errorf(protocol.KindBadRequest, "invalid video output %q: %v", video, err)
		}
		opts.VideoOutput = abs
	}
	if a.cfgFile != "" {
		abs, err := filepath.Abs(a.cfgFile)
		if err != nil {
			return opts, protocol.Errorf(protocol.KindBadRequest, "invalid config path %q: %v", a.cfgFile, err)
		}
		opts.ExtraArgs = []string{"--config", abs}
	}
	return opts, nil
}

func (a *app) send(ctx context.Context, req protocol.Request) (*protocol.Payload, error) {
	start, err := a.startOptions(a.cfg.Video.Path)
	if err != nil {
		return nil, err
	}
	c := client.New(a.registry(), client.Options{
		DialTimeout:    a.cfg.Transport.DialTimeout,
		ResponseGrace:  a.cfg.Transport.ResponseGrace,
		DefaultTimeout: a.cfg.Session.Timeout(),
		AutoStart:      a.cfg.Session.AutoStart,
		Start:          start,
	}, a.logger())
	return c.Do(ctx, req)
}

// run sends one verb to the configured session and renders the reply.
func (a *app) run(ctx context.Context, verb protocol.Verb, args protocol.Args) error {
	req := protocol.Request{
		Session:   a.cfg.Session.Name,
		Verb:      verb,
		Args:      args,
		TimeoutMS: a.cfg.Session.TimeoutMS,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := a.do(ctx, req)
	if err != nil {
		return err
	}
	status, err := results.Render(a.stdout, payload)
	if err != nil {
		return protocol.Wrap(protocol.KindTransport, err)
	}
	a.status = status
	return nil
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	defer observability.Sync()
	return newApp(stdout, stderr).execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(a.stderr, err.Error())
		return exitCode(err)
	}
	return a.status
}
