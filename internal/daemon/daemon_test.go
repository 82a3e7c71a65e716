package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/piframe/pi-frame/internal/config"
	"github.com/piframe/pi-frame/internal/ipc"
	"github.com/piframe/pi-frame/internal/quiesce"
	"github.com/piframe/pi-frame/internal/store"
	"github.com/piframe/pi-frame/internal/watcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastDebounce = quiesce.DebounceConfig{
	ChangeTimeout: 200 * time.Millisecond,
	FastPoll:      20 * time.Millisecond,
	SlowPoll:      50 * time.Millisecond,
}

type fakeExporter struct {
	exports   atomic.Int32
	publishes atomic.Int32
	exportErr error
}

func (e *fakeExporter) Export(context.Context) error {
	e.exports.Add(1)
	return e.exportErr
}

func (e *fakeExporter) Publish(context.Context) error {
	e.publishes.Add(1)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Unix socket paths are length limited; t.TempDir can be too deep.
	dataDir, err := os.MkdirTemp("", "pfd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dataDir) })

	cfg := config.Default()
	cfg.MountPoint = t.TempDir()
	cfg.StorageFile = filepath.Join(dataDir, "piusb.bin")
	cfg.DataDir = dataDir
	cfg.SocketPath = filepath.Join(dataDir, "d.sock")
	cfg.DBPath = filepath.Join(dataDir, "piframe.db")
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, exp *fakeExporter) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()

	srv := ipc.NewServer(nil, nil, cfg.MountPoint, cfg.StorageFile)
	d := New(cfg, srv, WithExporter(exp), WithDebounce(fastDebounce))
	srv.SetDaemon(d)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()
	return d, cancel, errCh
}

func waitReady(t *testing.T, cfg *config.Config) {
	t.Helper()
	client := ipc.NewClient(cfg.SocketPath)
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()) == nil
	}, 3*time.Second, 10*time.Millisecond)
	// Let the watcher finish registering the tree.
	time.Sleep(100 * time.Millisecond)
}

func waitExit(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
		return nil
	}
}

func TestDaemonPublishesAfterQuiet(t *testing.T) {
	cfg := testConfig(t)
	exp := &fakeExporter{}
	d, cancel, errCh := startDaemon(t, cfg, exp)
	defer cancel()

	waitReady(t, cfg)
	assert.True(t, d.Running())
	assert.Equal(t, int32(1), exp.exports.Load())
	assert.Equal(t, int32(0), exp.publishes.Load())

	require.NoError(t, os.WriteFile(filepath.Join(cfg.MountPoint, "beach.jpg"), []byte("jpeg"), 0o644))

	// The history row is written after the live counters move.
	client := ipc.NewClient(cfg.SocketPath)
	var st *ipc.StatusData
	require.Eventually(t, func() bool {
		var err error
		st, err = client.Status(context.Background())
		return err == nil && st.TotalPublishes == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, st.Publishes)
	assert.Equal(t, cfg.MountPoint, st.MountPoint)
	require.NotNil(t, st.StartedAt)
	assert.WithinDuration(t, time.Now(), *st.StartedAt, time.Minute)
	assert.Equal(t, int32(1), exp.publishes.Load())
	assert.Equal(t, 1, d.ControllerStatus().Publishes)

	cancel()
	require.NoError(t, waitExit(t, errCh))
	assert.False(t, d.Running())

	_, err := os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed on shutdown")

	s, err := store.New(cfg.DBPath)
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.RecentPublishes(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].OK)

	started, err := s.GetDaemonState(store.KeyLastStartedAt)
	require.NoError(t, err)
	assert.NotEmpty(t, started)
}

func TestDaemonIdleDoesNotPublish(t *testing.T) {
	cfg := testConfig(t)
	exp := &fakeExporter{}
	_, cancel, errCh := startDaemon(t, cfg, exp)

	waitReady(t, cfg)
	time.Sleep(4 * fastDebounce.ChangeTimeout)

	cancel()
	require.NoError(t, waitExit(t, errCh))
	assert.Equal(t, int32(1), exp.exports.Load())
	assert.Equal(t, int32(0), exp.publishes.Load())
}

func TestDaemonStopViaIPC(t *testing.T) {
	cfg := testConfig(t)
	_, cancel, errCh := startDaemon(t, cfg, &fakeExporter{})
	defer cancel()

	waitReady(t, cfg)
	require.NoError(t, ipc.NewClient(cfg.SocketPath).RequestStop(context.Background()))
	require.NoError(t, waitExit(t, errCh))
}

func TestDaemonStartupExportFailure(t *testing.T) {
	cfg := testConfig(t)
	exp := &fakeExporter{exportErr: errors.New("modprobe: FATAL: Module g_mass_storage not found")}
	d, cancel, errCh := startDaemon(t, cfg, exp)
	defer cancel()

	err := waitExit(t, errCh)
	require.Error(t, err)
	assert.ErrorIs(t, err, exp.exportErr)
	assert.Contains(t, err.Error(), "startup export")
	assert.False(t, d.Running())
	assert.Equal(t, int32(0), exp.publishes.Load())
}

func TestDaemonMountPointRemovedIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.MountPoint = filepath.Join(cfg.MountPoint, "usb_share")
	require.NoError(t, os.Mkdir(cfg.MountPoint, 0o755))

	_, cancel, errCh := startDaemon(t, cfg, &fakeExporter{})
	defer cancel()

	waitReady(t, cfg)
	require.NoError(t, os.RemoveAll(cfg.MountPoint))

	err := waitExit(t, errCh)
	var aerr *watcher.AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, watcher.ErrRootRemoved)
}

func TestDaemonRunTwice(t *testing.T) {
	cfg := testConfig(t)
	d, cancel, errCh := startDaemon(t, cfg, &fakeExporter{})
	defer cancel()

	waitReady(t, cfg)
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	cancel()
	require.NoError(t, waitExit(t, errCh))
}

func TestControllerStatusBeforeStart(t *testing.T) {
	d := New(testConfig(t), nil, WithExporter(&fakeExporter{}))
	st := d.ControllerStatus()
	assert.Equal(t, quiesce.Idle, st.State)
	assert.False(t, st.Dirty)
	assert.Zero(t, d.Uptime())
}
