// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/uia-bridge/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Bridge() config.BridgeConfig {
	args := m.Called()
	return args.Get(0).(config.BridgeConfig)
}

func (m *MockConfig) Process() config.ProcessConfig {
	args := m.Called()
	return args.Get(0).(config.ProcessConfig)
}

func (m *MockConfig) Patterns() config.PatternsConfig {
	args := m.Called()
	return args.Get(0).(config.PatternsConfig)
}

func (m *MockConfig) Device() config.DeviceConfig {
	args := m.Called()
	return args.Get(0).(config.DeviceConfig)
}

func (m *MockConfig) Transcript() config.TranscriptConfig {
	args := m.Called()
	return args.Get(0).(config.TranscriptConfig)
}

func (m *MockConfig) Launch() config.LaunchConfig {
	args := m.Called()
	return args.Get(0).(config.LaunchConfig)
}

// --- Setters ---

func (m *MockConfig) SetBridgeTimeout(d time.Duration) {
	m.Called(d)
}

func (m *MockConfig) SetProcessUsePTY(b bool) {
	m.Called(b)
}

// -- Runner Mock --

// MockRunner mocks anything that executes scripts, e.g. a bridge session.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, script string) ([]string, error) {
	args := m.Called(ctx, script)
	lines, _ := args.Get(0).([]string)
	return lines, args.Error(1)
}

// -- Session Mock --

// MockSession mocks a bridge session as used by the launch sequence.
type MockSession struct {
	MockRunner
}

func (m *MockSession) SetSetupScript(js string) {
	m.Called(js)
}

func (m *MockSession) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) Disconnect() {
	m.Called()
}

// -- Device Lister Mock --

// MockLister mocks device enumeration.
type MockLister struct {
	mock.Mock
}

func (m *MockLister) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}
