// File: internal/uia/launch.go
package uia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uia-bridge/internal/bridge"
	"github.com/xkilldash9x/uia-bridge/internal/config"
)

// ErrNotReady is returned when the application never showed its main window.
var ErrNotReady = errors.New("application did not become ready")

// readyProbe is answered with a line naming the main window class once the app is up.
const (
	readyProbe  = "window.logElement();"
	readyMarker = "UIAWindow"
)

// Session is what Launch needs from a bridge session.
type Session interface {
	Runner
	SetSetupScript(js string)
	Connect(ctx context.Context) error
	Disconnect()
}

var _ Session = (*bridge.Session)(nil)

// LaunchOptions tune Launch.
type LaunchOptions struct {
	config.LaunchConfig
	// AlertHandler is installed as setup script, typically assigning UIATarget.onAlert.
	AlertHandler string
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Launch connects a fresh session and waits until the application shows its main window.
// Every attempt uses a new session from newSession; a failed one is disconnected.
func Launch(ctx context.Context, logger *zap.Logger, newSession func() Session, opts LaunchOptions) (Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("launch")
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s := newSession()
		if opts.AlertHandler != "" {
			s.SetSetupScript(opts.AlertHandler)
		}

		err := s.Connect(ctx)
		if err == nil {
			logger.Info("Waiting for the application to start", zap.Int("attempt", attempt), zap.Duration("delay", opts.Delay))
			if err = sleep(ctx, opts.Delay); err == nil {
				err = waitReady(ctx, logger, s, opts)
			}
		}
		if err == nil {
			logger.Info("Application ready", zap.Int("attempt", attempt))
			return s, nil
		}

		s.Disconnect()
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", bridge.ErrInterrupted, ctx.Err())
		}
		logger.Warn("Application start attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrNotReady, attempts, lastErr)
}

func waitReady(ctx context.Context, logger *zap.Logger, s Session, opts LaunchOptions) error {
	readyCtx := ctx
	if opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, opts.ReadyTimeout)
		defer cancel()
	}

	b := backoff.NewConstantBackOff(opts.ProbeBackoff)
	probe := func() error {
		lines, err := s.Run(readyCtx, readyProbe)
		if err != nil {
			if errors.Is(err, bridge.ErrFatalProcess) || errors.Is(err, bridge.ErrNotConnected) {
				return backoff.Permanent(err)
			}
			logger.Warn("Readiness probe failed", zap.Error(err))
			return err
		}
		for _, l := range lines {
			if strings.Contains(l, readyMarker) {
				return nil
			}
		}
		return fmt.Errorf("%w: main window not shown yet", ErrNotReady)
	}

	err := backoff.Retry(probe, backoff.WithContext(b, readyCtx))
	if err != nil && readyCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w within %s: %w", ErrNotReady, opts.ReadyTimeout, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
