package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piframe/pi-frame/internal/quiesce"
	"github.com/piframe/pi-frame/internal/store"
)

type fakeDaemon struct {
	status  quiesce.Status
	mu      sync.Mutex
	stopped bool
}

func (d *fakeDaemon) Uptime() time.Duration { return 90 * time.Second }

func (d *fakeDaemon) ControllerStatus() quiesce.Status { return d.status }

func (d *fakeDaemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

func (d *fakeDaemon) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

type fakeStore struct{}

func (fakeStore) PublishCounts() (int64, int64, error) { return 12, 3, nil }

func (fakeStore) DBSizeBytes() (int64, error) { return 4096, nil }

func (fakeStore) GetDaemonState(key string) (string, error) {
	if key == store.KeyLastStartedAt {
		return "2026-03-01T10:00:00Z", nil
	}
	return "", nil
}

// socketPath returns a short path; unix socket paths are length limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pf")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()

	sock := socketPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(ctx, sock)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	client := NewClient(sock)
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	return sock
}

func TestServerStatus(t *testing.T) {
	changeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &fakeDaemon{status: quiesce.Status{
		State:        quiesce.AwaitingQuiet,
		Dirty:        true,
		LastChangeAt: changeAt,
		Publishes:    2,
		Failures:     1,
		LastError:    "unexport /piusb.bin: busy",
	}}
	srv := NewServer(d, nil, "/mnt/usb_share", "/piusb.bin")
	srv.SetStore(fakeStore{})
	sock := startServer(t, srv)

	st, err := NewClient(sock).Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1m30s", st.Uptime)
	assert.Equal(t, "awaiting_quiet", st.State)
	assert.True(t, st.Dirty)
	require.NotNil(t, st.LastChangeAt)
	assert.True(t, changeAt.Equal(*st.LastChangeAt))
	assert.Nil(t, st.LastPublishAt)
	assert.Equal(t, 2, st.Publishes)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, int64(12), st.TotalPublishes)
	assert.Equal(t, int64(3), st.TotalFailures)
	assert.Equal(t, int64(4096), st.DBSizeBytes)
	require.NotNil(t, st.StartedAt)
	assert.True(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Equal(*st.StartedAt))
	assert.Equal(t, "/mnt/usb_share", st.MountPoint)
	assert.Equal(t, "/piusb.bin", st.StorageFile)
	assert.Contains(t, st.LastError, "busy")
}

func TestServerStop(t *testing.T) {
	d := &fakeDaemon{}
	sock := startServer(t, NewServer(d, nil, "/mnt/usb_share", "/piusb.bin"))

	require.NoError(t, NewClient(sock).RequestStop(context.Background()))
	assert.Eventually(t, d.Stopped, time.Second, 10*time.Millisecond)
}

func TestServerUnknownCommand(t *testing.T) {
	sock := startServer(t, NewServer(&fakeDaemon{}, nil, "", ""))

	_, err := NewClient(sock).send(context.Background(), Request{Command: "reboot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestClientNotRunning(t *testing.T) {
	err := NewClient(socketPath(t)).Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunning))
}
