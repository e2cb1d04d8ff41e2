package uia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/uia-bridge/internal/bridge"
	"github.com/xkilldash9x/uia-bridge/internal/config"
	"github.com/xkilldash9x/uia-bridge/internal/mocks"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testLaunchOptions() LaunchOptions {
	return LaunchOptions{
		LaunchConfig: config.LaunchConfig{
			Attempts:     2,
			Delay:        5 * time.Second,
			ReadyTimeout: 2 * time.Second,
			ProbeBackoff: time.Millisecond,
		},
		sleep: noSleep,
	}
}

func factory(sessions ...*mocks.MockSession) func() Session {
	i := 0
	return func() Session {
		s := sessions[i]
		i++
		return s
	}
}

func TestLaunch_ReadyOnFirstAttempt(t *testing.T) {
	s := new(mocks.MockSession)
	s.On("SetSetupScript", "UIATarget.onAlert = function() { return false; };").Return()
	s.On("Connect", mock.Anything).Return(nil)
	s.On("Run", mock.Anything, readyProbe).Return([]string{}, nil).Once()
	s.On("Run", mock.Anything, readyProbe).Return([]string{`UIAWindow "" {{0, 0}, {320, 568}}`}, nil).Once()

	opts := testLaunchOptions()
	opts.AlertHandler = "UIATarget.onAlert = function() { return false; };"

	got, err := Launch(context.Background(), zaptest.NewLogger(t), factory(s), opts)
	require.NoError(t, err)
	assert.Same(t, s, got)
	s.AssertExpectations(t)
	s.AssertNotCalled(t, "Disconnect")
}

func TestLaunch_SecondAttemptAfterFatal(t *testing.T) {
	first := new(mocks.MockSession)
	first.On("Connect", mock.Anything).Return(nil)
	first.On("Run", mock.Anything, readyProbe).Return(nil, bridge.ErrFatalProcess).Once()
	first.On("Disconnect").Return()

	second := new(mocks.MockSession)
	second.On("Connect", mock.Anything).Return(nil)
	second.On("Run", mock.Anything, readyProbe).Return([]string{"UIAWindow"}, nil)

	got, err := Launch(context.Background(), nil, factory(first, second), testLaunchOptions())
	require.NoError(t, err)
	assert.Same(t, second, got)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestLaunch_GivesUpAfterAttempts(t *testing.T) {
	sessions := []*mocks.MockSession{new(mocks.MockSession), new(mocks.MockSession)}
	for _, s := range sessions {
		s.On("Connect", mock.Anything).Return(errors.New("no such app"))
		s.On("Disconnect").Return()
	}

	_, err := Launch(context.Background(), nil, factory(sessions...), testLaunchOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "no such app")
	for _, s := range sessions {
		s.AssertExpectations(t)
	}
}

func TestLaunch_ReadyTimeout(t *testing.T) {
	sessions := []*mocks.MockSession{new(mocks.MockSession), new(mocks.MockSession)}
	for _, s := range sessions {
		s.On("Connect", mock.Anything).Return(nil)
		s.On("Run", mock.Anything, readyProbe).Return([]string{"UIAApplication"}, nil)
		s.On("Disconnect").Return()
	}
	opts := testLaunchOptions()
	opts.ReadyTimeout = 50 * time.Millisecond
	opts.ProbeBackoff = 10 * time.Millisecond

	_, err := Launch(context.Background(), nil, factory(sessions...), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLaunch_Interrupted(t *testing.T) {
	s := new(mocks.MockSession)
	s.On("Connect", mock.Anything).Return(nil)
	s.On("Disconnect").Return()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := testLaunchOptions()
	opts.sleep = nil

	_, err := Launch(ctx, nil, factory(s), opts)
	assert.ErrorIs(t, err, bridge.ErrInterrupted)
	s.AssertExpectations(t)
}
