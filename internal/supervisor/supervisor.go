// File: internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uia-bridge/internal/config"
	"github.com/xkilldash9x/uia-bridge/internal/relay"
)

// ErrLaunchFailure is returned when the automation process could not be started.
var ErrLaunchFailure = errors.New("automation process launch failed")

// ptyColumns is wide enough that the terminal never wraps an element tree dump.
const ptyColumns = 4096

// Spec describes one automation process.
type Spec struct {
	// DeviceID is the device UDID. Empty targets whatever the automation binary picks by default.
	DeviceID     string
	AppName      string
	SetupScript  string
	ExecPort     int
	CallbackPort int
}

// Supervisor launches the automation process and wires its output through a relay.
type Supervisor struct {
	logger    *zap.Logger
	cfg       config.ProcessConfig
	fetchWait time.Duration
	relay     *relay.Relay
}

// New creates a supervisor. fetchWait is forwarded to the host task of the injected script.
func New(logger *zap.Logger, cfg config.ProcessConfig, fetchWait time.Duration, r *relay.Relay) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		logger:    logger.Named("supervisor"),
		cfg:       cfg,
		fetchWait: fetchWait,
		relay:     r,
	}
}

// Args builds the automation command line for a script file.
func (s *Supervisor) Args(spec Spec, scriptPath string) []string {
	args := []string{"-t", s.cfg.TraceTemplate}
	if spec.DeviceID != "" {
		args = append(args, "-w", spec.DeviceID)
	}
	return append(args,
		spec.AppName,
		"-e", "UIASCRIPT", scriptPath,
		"-e", "UIARESULTSPATH", s.cfg.ResultsDir,
	)
}

// Start renders the injected script, launches the automation process and returns as soon as the
// process has been started. Readiness is established later through the bridge protocol. The
// process has no run timeout: it lives until Stop is called or it exits by itself.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.AppName == "" {
		return nil, fmt.Errorf("%w: application name is required", ErrLaunchFailure)
	}

	fetchBinary := s.cfg.FetchBinary
	if fetchBinary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: resolving fetch binary: %w", ErrLaunchFailure, err)
		}
		fetchBinary = exe
	}

	source, err := InjectedScript{
		Setup:           spec.SetupScript,
		FetchBinary:     fetchBinary,
		ExecPort:        spec.ExecPort,
		CallbackPort:    spec.CallbackPort,
		FetchWait:       s.fetchWait,
		HostTaskTimeout: s.cfg.HostTaskTimeout,
	}.Render()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}

	scriptPath, err := writeScript(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}

	args := s.Args(spec, scriptPath)
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Env = os.Environ()

	h := &Handle{
		logger:     s.logger.With(zap.String("device", spec.DeviceID), zap.String("app", spec.AppName)),
		cmd:        cmd,
		scriptPath: scriptPath,
		done:       make(chan struct{}),
	}

	if s.cfg.UsePTY {
		err = h.startPTY(s.relay)
	} else {
		err = h.startPipes(s.relay)
	}
	if err != nil {
		h.removeScript()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrLaunchFailure, s.cfg.Binary, err)
	}

	h.logger.Info("Automation process started",
		zap.Int("pid", h.PID()),
		zap.String("command", s.cfg.Binary+" "+strings.Join(args, " ")),
		zap.Bool("pty", s.cfg.UsePTY))
	return h, nil
}

func writeScript(source string) (string, error) {
	f, err := os.CreateTemp("", "instruments-*.js")
	if err != nil {
		return "", fmt.Errorf("creating injected script file: %w", err)
	}
	if _, err := f.WriteString(source); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing injected script file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing injected script file: %w", err)
	}
	return f.Name(), nil
}

// Handle is a running automation process.
type Handle struct {
	logger     *zap.Logger
	cmd        *exec.Cmd
	scriptPath string

	// readers are the parent ends of the output streams; closing them unblocks the relay.
	readers []io.Closer

	done    chan struct{}
	waitErr error

	stopped    bool
	mu         sync.Mutex
	stopOnce   sync.Once
	removeOnce sync.Once
}

func (h *Handle) startPipes(r *relay.Relay) error {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return err
	}
	h.cmd.Stdout = stdoutW
	h.cmd.Stderr = stderrW

	err = h.cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return err
	}

	h.readers = []io.Closer{stdoutR, stderrR}
	go h.supervise(func() error { return r.Run(stdoutR, stderrR) })
	return nil
}

// startPTY runs the process on a pseudo-terminal. The automation binary line-buffers its output
// only when attached to a terminal; both streams arrive merged.
func (h *Handle) startPTY(r *relay.Relay) error {
	ptmx, err := pty.StartWithSize(h.cmd, &pty.Winsize{Rows: 50, Cols: ptyColumns})
	if err != nil {
		return err
	}
	h.readers = []io.Closer{ptmx}
	go h.supervise(func() error { return r.Consume(relay.StreamTerminal, ptmx) })
	return nil
}

// supervise is the process lifecycle: relay output until both streams end, reap the process and
// release the script file.
func (h *Handle) supervise(relayOutput func() error) {
	relayDone := make(chan error, 1)
	go func() { relayDone <- relayOutput() }()

	waitErr := h.cmd.Wait()

	// Grandchildren may still hold the write side open. Give the relay a moment, then cut it off.
	select {
	case err := <-relayDone:
		h.logRelayErr(err)
	case <-time.After(2 * time.Second):
		h.closeReaders()
		h.logRelayErr(<-relayDone)
	}
	h.closeReaders()
	h.removeScript()

	h.mu.Lock()
	if h.stopped {
		waitErr = nil
	}
	h.waitErr = waitErr
	h.mu.Unlock()

	if waitErr != nil {
		h.logger.Warn("Automation process exited", zap.Int("pid", h.PID()), zap.Error(waitErr))
	} else {
		h.logger.Info("Automation process exited", zap.Int("pid", h.PID()))
	}
	close(h.done)
}

func (h *Handle) logRelayErr(err error) {
	if err != nil {
		h.logger.Error("Output relay failed", zap.Error(err))
	}
}

func (h *Handle) closeReaders() {
	for _, c := range h.readers {
		c.Close()
	}
}

func (h *Handle) removeScript() {
	h.removeOnce.Do(func() {
		if err := os.Remove(h.scriptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("Failed to remove injected script", zap.String("path", h.scriptPath), zap.Error(err))
		}
	})
}

// PID of the automation process.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ScriptPath is the injected script file; it is removed once the process is gone.
func (h *Handle) ScriptPath() string { return h.scriptPath }

// Stop force-kills the process and closes its output streams. Calling it more than once is a no-op.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()

		select {
		case <-h.done:
		default:
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.logger.Warn("Failed to kill automation process", zap.Int("pid", h.PID()), zap.Error(err))
			}
			h.closeReaders()
		}
		h.removeScript()
		h.logger.Debug("Automation process stopped", zap.Int("pid", h.PID()))
	})
}

// Done is closed once the process has exited and its output has been relayed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process is gone. A process killed by Stop reports no error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
