// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uia-bridge/internal/bridge"
	"github.com/xkilldash9x/uia-bridge/internal/config"
	"github.com/xkilldash9x/uia-bridge/internal/device"
	"github.com/xkilldash9x/uia-bridge/internal/observability"
	"github.com/xkilldash9x/uia-bridge/internal/relay"
	"github.com/xkilldash9x/uia-bridge/internal/transcript"
	"github.com/xkilldash9x/uia-bridge/internal/uia"
)

type runOptions struct {
	deviceID  string
	appName   string
	setupFile string
	evals     []string
	files     []string
	waitReady bool
	echo      bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run --app <name> [script.js...]",
		Short: "Launches the app under instruments and runs scripts against it",
		Long: `run starts an automation session for one application and executes every --eval snippet,
then every script file, in order. Each call prints the lines the script logged.
A script error does not stop the remaining scripts; a fatal automation failure does.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			opts.files = args
			if len(opts.evals) == 0 && len(opts.files) == 0 {
				return errors.New("nothing to run: pass --eval or at least one script file")
			}

			logger := observability.GetLogger()
			launcher := bridge.ProcessLauncher{
				Logger:    logger,
				Config:    cfg.Process(),
				FetchWait: cfg.Bridge().FetchWait,
			}
			access := device.NewAccess(logger, cfg.Device())
			return runScripts(ctx, cfg, getViperFromContext(ctx), logger, access, launcher, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.deviceID, "device", "d", "", "device UDID (default: first attached device)")
	cmd.Flags().StringVarP(&opts.appName, "app", "a", "", "application name as instruments knows it (required)")
	cmd.Flags().StringVar(&opts.setupFile, "setup", "", "script evaluated once before the fragment loop, e.g. an alert handler")
	cmd.Flags().StringArrayVarP(&opts.evals, "eval", "e", nil, "inline script to run (repeatable)")
	cmd.Flags().BoolVar(&opts.waitReady, "wait-ready", true, "wait until the app shows its main window before running scripts")
	cmd.Flags().BoolVar(&opts.echo, "echo", false, "echo every automation output line to stderr")
	cmd.Flags().Duration("timeout", 0, "bound on every wait of a call (overrides bridge.timeout)")
	cmd.Flags().Bool("pty", false, "run instruments on a pseudo-terminal (overrides process.use_pty)")
	bindFlag(cmd, "timeout", "bridge.timeout")
	bindFlag(cmd, "pty", "process.use_pty")
	_ = cmd.MarkFlagRequired("app")

	return cmd
}

// runScripts is the run command without cobra, so it can be driven with a fake launcher.
func runScripts(
	ctx context.Context,
	cfg config.Interface,
	v *viper.Viper,
	logger *zap.Logger,
	access *device.Access,
	launcher bridge.Launcher,
	opts runOptions,
	out, errOut io.Writer,
) error {
	scripts, err := collectScripts(opts)
	if err != nil {
		return err
	}
	setup := ""
	if opts.setupFile != "" {
		b, err := os.ReadFile(opts.setupFile)
		if err != nil {
			return fmt.Errorf("failed to read setup script: %w", err)
		}
		setup = string(b)
	}

	deviceID, err := access.Resolve(ctx, opts.deviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve device: %w", err)
	}
	logger = logger.With(zap.String("device", deviceID), zap.String("app", opts.appName))

	var subscribers []chan<- relay.Line
	if tc := cfg.Transcript(); tc.Enabled {
		w, err := transcript.NewWriter(logger, tc.Dir, deviceID, tc.Buffer)
		if err != nil {
			return err
		}
		defer w.Close()
		subscribers = append(subscribers, w.C())
		logger.Info("Recording transcript", zap.String("path", w.Path()))
	}

	observerBuffer := 0
	if opts.echo {
		observerBuffer = cfg.Transcript().Buffer
		if observerBuffer <= 0 {
			observerBuffer = 1024
		}
	}

	newSession := func() uia.Session {
		return bridge.New(logger, bridge.Options{
			DeviceID:       deviceID,
			AppName:        opts.appName,
			Bridge:         cfg.Bridge(),
			Patterns:       cfg.Patterns(),
			Launcher:       launcher,
			Subscribers:    subscribers,
			ObserverBuffer: observerBuffer,
		})
	}

	var session *bridge.Session
	if opts.waitReady {
		s, err := uia.Launch(ctx, logger, newSession, uia.LaunchOptions{LaunchConfig: cfg.Launch(), AlertHandler: setup})
		if err != nil {
			return err
		}
		session = s.(*bridge.Session)
	} else {
		session = newSession().(*bridge.Session)
		session.SetSetupScript(setup)
		if err := session.Connect(ctx); err != nil {
			session.Disconnect()
			return err
		}
	}
	defer session.Disconnect()

	if opts.echo {
		go echoLines(session, errOut)
	}
	watchConfig(v, cfg, logger, session)

	var execErrs []error
	for i, script := range scripts {
		lines, err := session.Run(ctx, script.source)
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
		switch {
		case err == nil:
		case errors.Is(err, bridge.ErrExecution):
			logger.Error("Script failed", zap.String("script", script.name), zap.Error(err))
			execErrs = append(execErrs, fmt.Errorf("%s: %w", script.name, err))
		default:
			return fmt.Errorf("%s (call %d of %d): %w", script.name, i+1, len(scripts), err)
		}
	}
	return errors.Join(execErrs...)
}

type namedScript struct {
	name   string
	source string
}

func collectScripts(opts runOptions) ([]namedScript, error) {
	var scripts []namedScript
	for i, e := range opts.evals {
		scripts = append(scripts, namedScript{name: fmt.Sprintf("--eval #%d", i+1), source: e})
	}
	for _, f := range opts.files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read script: %w", err)
		}
		scripts = append(scripts, namedScript{name: f, source: string(b)})
	}
	return scripts, nil
}

func echoLines(s *bridge.Session, w io.Writer) {
	for {
		select {
		case l := <-s.Lines():
			fmt.Fprintf(w, "[%s] %s\n", l.Stream, l.Text)
		case <-s.Done():
			return
		}
	}
}

// watchConfig applies bridge.timeout changes from the config file to the live session.
func watchConfig(v *viper.Viper, cfg config.Interface, logger *zap.Logger, s *bridge.Session) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		d := v.GetDuration("bridge.timeout")
		if d <= 0 || d == s.Timeout() {
			return
		}
		s.SetTimeout(d)
		cfg.SetBridgeTimeout(d)
		logger.Info("Bridge timeout reloaded", zap.String("file", e.Name), zap.Duration("timeout", d))
	})
	v.WatchConfig()
}
