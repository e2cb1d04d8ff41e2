// File: internal/bridge/session.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uia-bridge/internal/config"
	"github.com/xkilldash9x/uia-bridge/internal/endpoint"
	"github.com/xkilldash9x/uia-bridge/internal/relay"
	"github.com/xkilldash9x/uia-bridge/internal/supervisor"
)

// Process is a running automation process.
type Process interface {
	Stop()
	Done() <-chan struct{}
}

// Launcher starts the automation process and feeds its output into out.
type Launcher interface {
	Launch(ctx context.Context, spec supervisor.Spec, out *relay.Relay) (Process, error)
}

// ProcessLauncher launches the real automation binary through the supervisor.
type ProcessLauncher struct {
	Logger    *zap.Logger
	Config    config.ProcessConfig
	FetchWait time.Duration
}

// Launch implements Launcher.
func (l ProcessLauncher) Launch(ctx context.Context, spec supervisor.Spec, out *relay.Relay) (Process, error) {
	return supervisor.New(l.Logger, l.Config, l.FetchWait, out).Start(ctx, spec)
}

// Options configure a session.
type Options struct {
	DeviceID string
	AppName  string
	Bridge   config.BridgeConfig
	Patterns config.PatternsConfig
	Launcher Launcher
	// Subscribers receive every relayed line. Sends never block; a slow subscriber misses lines.
	Subscribers []chan<- relay.Line
	// ObserverBuffer > 0 enables Lines.
	ObserverBuffer int
}

// Session is one live execution context bound to one device and one application. It turns the
// one-directional text channel of the automation process into synchronous calls.
//
// Run must not be called concurrently by independent callers expecting interleaving; calls are
// serialized internally.
type Session struct {
	logger   *zap.Logger
	cfg      config.BridgeConfig
	deviceID string
	appName  string
	launcher Launcher

	timeout atomic.Int64
	setup   string

	// pending is the single-slot rendezvous between Run and the callback endpoint.
	pending   chan string
	responses *relay.Buffer
	relay     *relay.Relay
	lines     chan relay.Line

	callback  *endpoint.Callback
	execution *endpoint.Execution
	process   Process

	runMu          sync.Mutex
	mu             sync.Mutex
	connected      bool
	closed         chan struct{}
	disconnectOnce sync.Once
	serveWG        sync.WaitGroup
}

// New creates a session. Nothing is started until Connect.
func New(logger *zap.Logger, opts Options) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bridge").With(zap.String("device", opts.DeviceID), zap.String("app", opts.AppName))

	s := &Session{
		logger:    logger,
		cfg:       opts.Bridge,
		deviceID:  opts.DeviceID,
		appName:   opts.AppName,
		launcher:  opts.Launcher,
		pending:   make(chan string),
		responses: relay.NewBuffer(opts.Bridge.ResponseBuffer),
		closed:    make(chan struct{}),
	}
	s.timeout.Store(int64(opts.Bridge.Timeout))

	subs := append([]chan<- relay.Line{}, opts.Subscribers...)
	if opts.ObserverBuffer > 0 {
		s.lines = make(chan relay.Line, opts.ObserverBuffer)
		subs = append(subs, s.lines)
	}
	s.relay = relay.New(logger, relay.NewClassifier(opts.Patterns), s.responses, subs...)
	return s
}

// SetSetupScript sets the script that runs once before the fragment loop. It only has an effect
// before Connect.
func (s *Session) SetSetupScript(js string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setup = js
}

// SetTimeout changes the bound on every individual wait of later calls.
func (s *Session) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout.Store(int64(d))
	}
}

// Timeout is the current per-wait bound.
func (s *Session) Timeout() time.Duration { return time.Duration(s.timeout.Load()) }

// Lines is the observer channel, nil unless Options.ObserverBuffer is set. It is never closed;
// stop reading once Done is closed.
func (s *Session) Lines() <-chan relay.Line { return s.lines }

// Done is closed by Disconnect.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Poisoned reports whether the automation process hit a fatal condition.
func (s *Session) Poisoned() bool { return s.responses.Poisoned() }

// Ports returns the bound execution and callback endpoint ports.
func (s *Session) Ports() (execPort, callbackPort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execution != nil {
		execPort = s.execution.Port()
	}
	if s.callback != nil {
		callbackPort = s.callback.Port()
	}
	return execPort, callbackPort
}

// Connect starts both endpoints and launches the automation process. It returns once the process
// has been started; readiness is only established by the first successful Run.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return fmt.Errorf("%w: session already disconnected", ErrNotConnected)
	default:
	}
	if s.connected {
		return nil
	}
	if s.launcher == nil {
		return fmt.Errorf("%w: no launcher configured", ErrLaunchFailure)
	}

	callback := endpoint.NewCallback(s.logger, s)
	if err := callback.Listen(s.cfg.Host, s.cfg.CallbackPort); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}
	execution := endpoint.NewExecution(s.logger, s.cfg.Host, callback.Port())
	if err := execution.Listen(s.cfg.ExecPort); err != nil {
		callback.Close()
		return fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}

	s.serveWG.Add(2)
	go func() {
		defer s.serveWG.Done()
		if err := callback.Serve(); err != nil {
			s.logger.Error("Callback endpoint stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.serveWG.Done()
		if err := execution.Serve(); err != nil {
			s.logger.Error("Execution endpoint stopped", zap.Error(err))
		}
	}()
	s.callback, s.execution = callback, execution

	spec := supervisor.Spec{
		DeviceID:     s.deviceID,
		AppName:      s.appName,
		SetupScript:  s.setup,
		ExecPort:     execution.Port(),
		CallbackPort: callback.Port(),
	}
	process, err := s.launcher.Launch(ctx, spec, s.relay)
	if err != nil {
		s.closeEndpoints()
		if !errors.Is(err, ErrLaunchFailure) {
			err = fmt.Errorf("%w: %w", ErrLaunchFailure, err)
		}
		return err
	}
	s.process = process
	s.connected = true

	s.logger.Info("Session connected",
		zap.Int("exec_port", spec.ExecPort),
		zap.Int("callback_port", spec.CallbackPort))
	return nil
}

// Disconnect stops the automation process and closes the endpoints. Calls still waiting give up
// with ErrNotConnected. Calling it more than once is a no-op.
func (s *Session) Disconnect() {
	s.disconnectOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		defer s.mu.Unlock()

		s.responses.Clear()
		if s.process != nil {
			s.process.Stop()
		}
		s.closeEndpoints()
		s.responses.Close()

		if s.process != nil {
			select {
			case <-s.process.Done():
			case <-time.After(5 * time.Second):
				s.logger.Warn("Automation process did not finish after stop")
			}
		}
		s.connected = false
		s.logger.Info("Session disconnected")
	})
}

func (s *Session) closeEndpoints() {
	if s.callback != nil {
		s.callback.Close()
	}
	if s.execution != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.execution.Shutdown(ctx); err != nil {
			s.logger.Warn("Execution endpoint shutdown", zap.Error(err))
		}
		cancel()
	}
	s.serveWG.Wait()
}

// TakeNextFragment blocks until Run hands off a fragment. It has no timeout of its own; the
// handoff side bounds it.
func (s *Session) TakeNextFragment(ctx context.Context) (string, error) {
	select {
	case f := <-s.pending:
		return f, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.closed:
		return "", ErrNotConnected
	}
}

// Run executes script in the automation process and returns the lines it printed.
//
// Each wait (three fragment handoffs, then every response line) is bounded by the session
// timeout. When the output contains script errors the lines are returned together with
// ErrExecution.
func (s *Session) Run(ctx context.Context, script string) ([]string, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	if s.responses.Poisoned() {
		return nil, s.fatalError()
	}

	if n := s.responses.Clear(); n > 0 {
		s.logger.Debug("Discarded stale output", zap.Int("lines", n))
	}

	req := Request{Token: uuid.NewString(), Script: script}
	timeout := s.Timeout()
	logger := s.logger.With(zap.String("request", req.Token))
	logger.Debug("Running script", zap.String("script", script))

	for i, f := range req.Fragments() {
		if err := s.handoff(ctx, f, timeout); err != nil {
			return nil, fmt.Errorf("fragment %d of request %s: %w", i+1, req.Token, err)
		}
	}

	for {
		line, err := s.next(ctx, timeout)
		if err != nil {
			return nil, fmt.Errorf("waiting for %q: %w", req.StartMarker(), err)
		}
		if strings.Contains(line.Text, req.StartMarker()) {
			break
		}
	}

	var (
		out      []string
		firstErr string
		errCount int
	)
	for {
		line, err := s.next(ctx, timeout)
		if err != nil {
			return out, fmt.Errorf("waiting for %q: %w", req.StopMarker(), err)
		}
		if strings.Contains(line.Text, req.StopMarker()) {
			break
		}
		if strings.Contains(line.Text, req.StartMarker()) {
			continue
		}
		out = append(out, line.Text)
		if line.Class == relay.ClassWarning {
			if errCount == 0 {
				firstErr = line.Text
			}
			errCount++
		}
	}

	if errCount > 0 {
		logger.Error("Script reported errors", zap.Int("errors", errCount), zap.String("first", firstErr))
		return out, fmt.Errorf("%w: %s", ErrExecution, firstErr)
	}
	logger.Debug("Script finished", zap.Int("lines", len(out)))
	return out, nil
}

func (s *Session) handoff(ctx context.Context, fragment string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.pending <- fragment:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrHandoffTimeout, timeout)
	case <-s.responses.PoisonC():
		return s.fatalError()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-s.closed:
		return ErrNotConnected
	}
}

func (s *Session) next(ctx context.Context, timeout time.Duration) (relay.Line, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-s.responses.C():
		// Poison is raised before the fatal line is queued, so it always wins.
		if r.IsPoison() || s.responses.Poisoned() {
			return relay.Line{}, s.fatalError()
		}
		return r.Line, nil
	case <-timer.C:
		return relay.Line{}, fmt.Errorf("%w after %s", ErrResponseTimeout, timeout)
	case <-s.responses.PoisonC():
		return relay.Line{}, s.fatalError()
	case <-ctx.Done():
		return relay.Line{}, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-s.closed:
		return relay.Line{}, ErrNotConnected
	}
}

func (s *Session) fatalError() error {
	if line, ok := s.responses.FatalLine(); ok {
		return fmt.Errorf("%w: %s", ErrFatalProcess, line.Text)
	}
	return ErrFatalProcess
}
