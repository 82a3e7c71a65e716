//go:build linux

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// inotify drops the watch on unmount without a Remove event for the root;
// only the periodic root check notices.
func TestWatcherUnmountIsFatal(t *testing.T) {
	root := filepath.Join(t.TempDir(), "usb_share")
	require.NoError(t, os.Mkdir(root, 0o755))
	if err := unix.Mount("tmpfs", root, "tmpfs", 0, "size=1m"); err != nil {
		t.Skipf("cannot mount tmpfs: %v", err)
	}
	mounted := true
	t.Cleanup(func() {
		if mounted {
			_ = unix.Unmount(root, unix.MNT_DETACH)
		}
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "beach.jpg"), []byte("jpeg"), 0o644))

	clock := clockwork.NewFakeClock()
	cancel, errCh := startWatcherWithClock(t, root, &signalLog{}, clock)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	require.NoError(t, unix.Unmount(root, 0))
	mounted = false

	var err error
	require.Eventually(t, func() bool {
		clock.Advance(rootCheckInterval)
		select {
		case err = <-errCh:
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)

	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, root, aerr.Root)
	assert.ErrorIs(t, err, ErrRootRemoved)
}
