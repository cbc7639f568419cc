// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/store"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Runner() config.RunnerConfig {
	args := m.Called()
	return args.Get(0).(config.RunnerConfig)
}

func (m *MockConfig) Lock() config.LockConfig {
	args := m.Called()
	return args.Get(0).(config.LockConfig)
}

func (m *MockConfig) Interaction() config.InteractionConfig {
	args := m.Called()
	return args.Get(0).(config.InteractionConfig)
}

func (m *MockConfig) Data() config.DataConfig {
	args := m.Called()
	return args.Get(0).(config.DataConfig)
}

func (m *MockConfig) Proxy() config.ProxyConfig {
	args := m.Called()
	return args.Get(0).(config.ProxyConfig)
}

func (m *MockConfig) Notify() config.NotifyConfig {
	args := m.Called()
	return args.Get(0).(config.NotifyConfig)
}

func (m *MockConfig) AI() config.AIConfig {
	args := m.Called()
	return args.Get(0).(config.AIConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Schedule() config.ScheduleConfig {
	args := m.Called()
	return args.Get(0).(config.ScheduleConfig)
}

func (m *MockConfig) Wallet() config.WalletConfig {
	args := m.Called()
	return args.Get(0).(config.WalletConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserDisableGPU(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserBlockMedia(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetRunnerMaxConcurrent(n int) {
	m.Called(n)
}

// -- Task Mock --

// MockTask mocks the worker.Task interface.
type MockTask struct {
	mock.Mock
}

func (m *MockTask) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockTask) Setup(ctx context.Context, job worker.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockTask) Run(ctx context.Context, job worker.Job) (worker.Result, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(worker.Result), args.Error(1)
}

// -- Ledger Mock --

// MockLedger mocks the store.Ledger interface.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Record(ctx context.Context, run store.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockLedger) CompletedToday(ctx context.Context, profile, task string, day time.Time) (bool, error) {
	args := m.Called(ctx, profile, task, day)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Recent(ctx context.Context, limit int) ([]store.Run, error) {
	args := m.Called(ctx, limit)
	var runs []store.Run
	if v := args.Get(0); v != nil {
		runs = v.([]store.Run)
	}
	return runs, args.Error(1)
}

// -- Collaborator Mocks --

// MockNotifier mocks session.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Valid() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockNotifier) SendPhoto(ctx context.Context, png []byte, caption string) error {
	args := m.Called(ctx, png, caption)
	return args.Error(0)
}

// MockVision mocks session.Vision.
type MockVision struct {
	mock.Mock
}

func (m *MockVision) Valid() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockVision) Ask(ctx context.Context, prompt string, png []byte) (string, error) {
	args := m.Called(ctx, prompt, png)
	return args.String(0), args.Error(1)
}
