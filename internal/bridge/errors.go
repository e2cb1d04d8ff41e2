// File: internal/bridge/errors.go
package bridge

import (
	"errors"

	"github.com/xkilldash9x/uia-bridge/internal/supervisor"
)

var (
	// ErrLaunchFailure: the automation process could not be started. The session is unusable.
	ErrLaunchFailure = supervisor.ErrLaunchFailure
	// ErrHandoffTimeout: the automation process did not pull a fragment in time.
	ErrHandoffTimeout = errors.New("script fragment was not picked up in time")
	// ErrResponseTimeout: the start or stop marker of a call did not show up in time.
	ErrResponseTimeout = errors.New("no response from the automation process in time")
	// ErrExecution: the call completed but its output contains script errors.
	ErrExecution = errors.New("script reported errors")
	// ErrFatalProcess: the automation process hit an unrecoverable condition. Every later call
	// fails with it until the session is recreated.
	ErrFatalProcess = errors.New("automation process failed")
	// ErrInterrupted: the caller gave up while waiting.
	ErrInterrupted = errors.New("call interrupted")
	// ErrNotConnected: the session is not connected, or has been disconnected.
	ErrNotConnected = errors.New("session is not connected")
)
