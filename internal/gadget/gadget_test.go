package gadget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Run(ctx context.Context, name string, args ...string) error {
	called := m.Called(ctx, name, args)
	return called.Error(0)
}

const storage = "/piusb.bin"

var (
	unloadArgs = []string{"-r", "g_mass_storage"}
	loadArgs   = []string{"g_mass_storage", "file=/piusb.bin", "stall=0", "ro=1"}
)

func TestPublishRunsStepsInOrder(t *testing.T) {
	t.Parallel()

	exec := &mockExecutor{}
	var order []string
	syncFS := func() error {
		order = append(order, "sync")
		return nil
	}

	unload := exec.On("Run", mock.Anything, "modprobe", unloadArgs).
		Run(func(mock.Arguments) { order = append(order, "unload") }).
		Return(nil).Once()
	load := exec.On("Run", mock.Anything, "modprobe", loadArgs).
		Run(func(mock.Arguments) { order = append(order, "load") }).
		Return(nil).Once()
	mock.InOrder(unload, load)

	p := New(storage, 0, WithExecutor(exec), WithSync(syncFS))
	require.NoError(t, p.Publish(context.Background()))

	assert.Equal(t, []string{"unload", "sync", "load"}, order)
	exec.AssertExpectations(t)
}

func TestPublishReportsFailingStep(t *testing.T) {
	t.Parallel()

	busy := errors.New("modprobe: FATAL: Module g_mass_storage is in use")

	tests := []struct {
		setup    func(*mockExecutor)
		syncErr  error
		name     string
		wantStep Step
	}{
		{
			name: "unexport",
			setup: func(m *mockExecutor) {
				m.On("Run", mock.Anything, "modprobe", unloadArgs).Return(busy)
			},
			wantStep: StepUnexport,
		},
		{
			name: "sync",
			setup: func(m *mockExecutor) {
				m.On("Run", mock.Anything, "modprobe", unloadArgs).Return(nil)
			},
			syncErr:  errors.New("sync unsupported"),
			wantStep: StepSync,
		},
		{
			name: "export",
			setup: func(m *mockExecutor) {
				m.On("Run", mock.Anything, "modprobe", unloadArgs).Return(nil)
				m.On("Run", mock.Anything, "modprobe", loadArgs).Return(busy)
			},
			wantStep: StepExport,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exec := &mockExecutor{}
			tt.setup(exec)
			p := New(storage, 0, WithExecutor(exec), WithSync(func() error { return tt.syncErr }))

			err := p.Publish(context.Background())
			require.Error(t, err)

			var pubErr *PublishError
			require.ErrorAs(t, err, &pubErr)
			assert.Equal(t, tt.wantStep, pubErr.Step)
			assert.Equal(t, storage, pubErr.StorageFile)
			assert.Contains(t, err.Error(), string(tt.wantStep))
			exec.AssertExpectations(t)
		})
	}
}

func TestPublishUnexportFailureSkipsExport(t *testing.T) {
	t.Parallel()

	exec := &mockExecutor{}
	exec.On("Run", mock.Anything, "modprobe", unloadArgs).Return(errors.New("busy"))
	synced := false
	p := New(storage, 0, WithExecutor(exec), WithSync(func() error {
		synced = true
		return nil
	}))

	require.Error(t, p.Publish(context.Background()))
	assert.False(t, synced)
	exec.AssertNotCalled(t, "Run", mock.Anything, "modprobe", loadArgs)
}

func TestExportFlushesThenLoads(t *testing.T) {
	t.Parallel()

	exec := &mockExecutor{}
	exec.On("Run", mock.Anything, "modprobe", loadArgs).Return(nil).Once()
	synced := 0
	p := New(storage, 0, WithExecutor(exec), WithSync(func() error {
		synced++
		return nil
	}))

	require.NoError(t, p.Export(context.Background()))
	assert.Equal(t, 1, synced)
	exec.AssertExpectations(t)
	exec.AssertNotCalled(t, "Run", mock.Anything, "modprobe", unloadArgs)
}

func TestPublishCustomModule(t *testing.T) {
	t.Parallel()

	exec := &mockExecutor{}
	exec.On("Run", mock.Anything, "modprobe", []string{"-r", "g_multi"}).Return(nil)
	exec.On("Run", mock.Anything, "modprobe",
		[]string{"g_multi", "file=/piusb.bin", "stall=0", "ro=1"}).Return(nil)

	p := New(storage, 0, WithExecutor(exec), WithModule("g_multi"), WithSync(func() error { return nil }))
	require.NoError(t, p.Publish(context.Background()))
	exec.AssertExpectations(t)
}

func TestPublishPausesBetweenSteps(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	exec := &mockExecutor{}
	exec.On("Run", mock.Anything, "modprobe", unloadArgs).Return(nil)
	exec.On("Run", mock.Anything, "modprobe", loadArgs).Return(nil)

	p := New(storage, time.Second, WithExecutor(exec), WithClock(clock), WithSync(func() error { return nil }))

	done := make(chan error, 1)
	go func() {
		done <- p.Publish(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// One pause after unexport, one after sync.
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		exec.AssertNotCalled(t, "Run", mock.Anything, "modprobe", loadArgs)
		clock.Advance(time.Second)
	}

	require.NoError(t, <-done)
	exec.AssertExpectations(t)
}

func TestExportCancelledDuringPause(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	exec := &mockExecutor{}
	p := New(storage, time.Minute, WithExecutor(exec), WithClock(clock), WithSync(func() error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Export(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	exec.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}
