package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piframe/pi-frame/internal/config"
	"github.com/piframe/pi-frame/internal/gadget"
	"github.com/piframe/pi-frame/internal/quiesce"
	"github.com/piframe/pi-frame/internal/store"
	"github.com/piframe/pi-frame/internal/syncutil"
	"github.com/piframe/pi-frame/internal/watcher"
)

// IPCServer is the interface the daemon uses to start/stop the IPC listener.
// This avoids a circular dependency with the ipc package.
type IPCServer interface {
	Listen(ctx context.Context, socketPath string) error
	Stop() error
}

// StoreAware can receive a store reference after it becomes available.
type StoreAware interface {
	SetStore(store interface{})
}

// Exporter makes the storage file visible to the host. Export runs once at
// startup; Publish runs after every quiet period.
type Exporter interface {
	quiesce.Publisher
	Export(ctx context.Context) error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithExporter replaces the USB gadget exporter.
func WithExporter(e Exporter) Option {
	return func(d *Daemon) { d.exporter = e }
}

// WithDebounce overrides the timings derived from the config.
func WithDebounce(cfg quiesce.DebounceConfig) Option {
	return func(d *Daemon) { d.debounce = cfg }
}

// WithClock sets the clock shared by the detector, watcher and controller.
func WithClock(c clockwork.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// Daemon manages the lifecycle of the pi-frame background process.
type Daemon struct {
	cfg      *config.Config
	store    *store.Store
	ipc      IPCServer
	exporter Exporter
	clock    clockwork.Clock
	debounce quiesce.DebounceConfig

	mu         sync.Mutex
	cancel     context.CancelFunc
	controller *quiesce.Controller
	startTime  time.Time
	running    bool
}

// New creates a new Daemon with the given config.
// The IPC server is injected to avoid circular imports.
func New(cfg *config.Config, ipcServer IPCServer, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		ipc:      ipcServer,
		clock:    clockwork.NewRealClock(),
		debounce: cfg.Debounce(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.exporter == nil {
		d.exporter = gadget.New(cfg.StorageFile, cfg.ExecutionPause(),
			gadget.WithModule(cfg.GadgetModule),
			gadget.WithClock(d.clock),
		)
	}
	return d
}

// Start runs the daemon until SIGINT or SIGTERM.
func (d *Daemon) Start() error {
	ctx, stop := signalContext(context.Background())
	defer stop()
	return d.Run(ctx)
}

// Run exports the storage file, then watches the mount point and republishes
// after every quiet period until ctx is cancelled or the watch fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running")
	}
	d.running = true
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startTime = d.clock.Now()
	d.mu.Unlock()
	defer cancel()

	if err := d.cfg.EnsureDataDir(); err != nil {
		d.setStopped()
		return fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.New(d.cfg.DBPath)
	if err != nil {
		d.setStopped()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = s

	if sa, ok := d.ipc.(StoreAware); ok {
		sa.SetStore(s)
	}
	if err := s.SetDaemonState(store.KeyLastStartedAt, d.startTime.UTC().Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("daemon: failed to record start time")
	}

	if err := d.exporter.Export(ctx); err != nil {
		d.shutdown()
		return fmt.Errorf("startup export of %s: %w", d.cfg.StorageFile, err)
	}

	detector := quiesce.NewDetector(d.clock)
	w := watcher.New(d.cfg.MountPoint, watcher.NewFilter(d.cfg.IgnorePatterns), detector, d.clock)
	ctrl := quiesce.NewController(detector, d.exporter, d.debounce,
		quiesce.WithClock(d.clock),
		quiesce.WithHistory(s),
	)

	d.mu.Lock()
	d.controller = ctrl
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if d.ipc != nil {
		g.Go(func() error {
			if err := d.ipc.Listen(gctx, d.cfg.SocketPath); err != nil {
				return fmt.Errorf("ipc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })

	log.Info().
		Int("pid", os.Getpid()).
		Str("mount_point", d.cfg.MountPoint).
		Str("storage_file", d.cfg.StorageFile).
		Str("socket", d.cfg.SocketPath).
		Bool("deadlock_detection", syncutil.DeadlockEnabled).
		Msg("daemon: started")

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Str("mount_point", d.cfg.MountPoint).Msg("daemon: fatal error")
	} else {
		log.Info().Msg("daemon: shutdown signal received")
	}

	d.shutdown()
	return err
}

// Stop triggers a graceful shutdown from outside (e.g. via IPC stop command).
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// shutdown performs ordered teardown: IPC server, then store, then socket cleanup.
func (d *Daemon) shutdown() {
	log.Info().Msg("daemon: shutting down")

	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			log.Warn().Err(err).Msg("daemon: ipc stop")
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warn().Err(err).Str("db", d.cfg.DBPath).Msg("daemon: store close")
		}
	}

	_ = os.Remove(d.cfg.SocketPath)

	d.setStopped()
	log.Info().Msg("daemon: stopped")
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

// Running returns true if the daemon is currently running.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startTime.IsZero() {
		return 0
	}
	return d.clock.Since(d.startTime)
}

// ControllerStatus reports the publish controller's state. Before the
// controller has started it reports an idle, clean state.
func (d *Daemon) ControllerStatus() quiesce.Status {
	d.mu.Lock()
	ctrl := d.controller
	d.mu.Unlock()

	if ctrl == nil {
		return quiesce.Status{State: quiesce.Idle}
	}
	return ctrl.Status()
}
