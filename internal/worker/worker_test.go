// internal/worker/worker_test.go
package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/chromefleet/internal/mocks"
	"github.com/xkilldash9x/chromefleet/internal/profile"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

func newMockTask(name string) *mocks.MockTask {
	t := new(mocks.MockTask)
	t.On("Name").Return(name)
	return t
}

func TestNew_Registry(t *testing.T) {
	a, b := newMockTask("wallet"), newMockTask("alpha")
	w := worker.New(nil, worker.WithTasks(a, b))

	assert.Equal(t, []string{"alpha", "wallet"}, w.Names())
	assert.True(t, w.Has("wallet"))
	assert.False(t, w.Has("missing"))
}

func TestWithTasks_ReplacesSameName(t *testing.T) {
	first, second := newMockTask("wallet"), newMockTask("wallet")
	job := worker.Job{Profile: profile.Profile{Name: "p1"}}
	second.On("Setup", mock.Anything, job).Return(nil).Once()

	w := worker.New(zap.NewNop(), worker.WithTasks(first), worker.WithTasks(second))
	_, err := w.Dispatch(context.Background(), worker.ModeSetup, "wallet", job)

	require.NoError(t, err)
	second.AssertExpectations(t)
	first.AssertNotCalled(t, "Setup", mock.Anything, mock.Anything)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	job := worker.Job{
		Profile: profile.Profile{Name: "p1"},
		Peers:   []profile.Profile{{Name: "p2"}},
	}

	t.Run("Auto returns the task result", func(t *testing.T) {
		task := newMockTask("wallet")
		want := worker.Result{Details: map[string]any{"transfers": 3}}
		task.On("Run", mock.Anything, job).Return(want, nil).Once()

		core, logs := observer.New(zap.InfoLevel)
		w := worker.New(zap.New(core), worker.WithTasks(task))
		got, err := w.Dispatch(ctx, worker.ModeAuto, "wallet", job)

		require.NoError(t, err)
		assert.Equal(t, want, got)
		task.AssertExpectations(t)
		entries := logs.FilterMessage("Dispatching task").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "p1", entries[0].ContextMap()["profile"])
		assert.Equal(t, "auto", entries[0].ContextMap()["mode"])
	})

	t.Run("Setup does not run the flow", func(t *testing.T) {
		task := newMockTask("wallet")
		task.On("Setup", mock.Anything, job).Return(nil).Once()

		w := worker.New(zap.NewNop(), worker.WithTasks(task))
		res, err := w.Dispatch(ctx, worker.ModeSetup, "wallet", job)

		require.NoError(t, err)
		assert.Nil(t, res.Details)
		task.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	})

	t.Run("Task failure is wrapped and keeps partial details", func(t *testing.T) {
		task := newMockTask("wallet")
		boom := errors.New("unlock failed")
		partial := worker.Result{Details: map[string]any{"transfers": 1}}
		task.On("Run", mock.Anything, job).Return(partial, boom).Once()

		w := worker.New(zap.NewNop(), worker.WithTasks(task))
		res, err := w.Dispatch(ctx, worker.ModeAuto, "wallet", job)

		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "task 'wallet' failed in auto mode")
		assert.Equal(t, partial, res)
	})

	t.Run("Unknown task", func(t *testing.T) {
		w := worker.New(zap.NewNop(), worker.WithTasks(newMockTask("wallet")))
		_, err := w.Dispatch(ctx, worker.ModeAuto, "faucet", job)

		assert.ErrorIs(t, err, worker.ErrUnknownTask)
		assert.Contains(t, err.Error(), "wallet")
	})

	t.Run("Unknown mode", func(t *testing.T) {
		task := newMockTask("wallet")
		w := worker.New(zap.NewNop(), worker.WithTasks(task))
		_, err := w.Dispatch(ctx, worker.Mode("manual"), "wallet", job)

		assert.ErrorContains(t, err, "unknown mode")
		task.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	})
}
