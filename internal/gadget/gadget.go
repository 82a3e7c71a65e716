// Package gadget cycles the Linux USB mass-storage gadget so a host sees a
// fresh read-only copy of the backing storage file.
package gadget

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/piframe/pi-frame/internal/command"
)

// DefaultModule is the kernel module providing the mass-storage gadget.
const DefaultModule = "g_mass_storage"

// Step names one stage of a publish cycle.
type Step string

const (
	StepUnexport Step = "unexport"
	StepSync     Step = "sync"
	StepExport   Step = "export"
)

// PublishError reports which step of a publish cycle failed.
type PublishError struct {
	Err         error
	Step        Step
	StorageFile string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.StorageFile, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// FailedStep names the step that failed.
func (e *PublishError) FailedStep() string { return string(e.Step) }

// Option configures a Publisher.
type Option func(*Publisher)

// WithExecutor replaces the command executor.
func WithExecutor(e command.Executor) Option {
	return func(p *Publisher) { p.exec = e }
}

// WithClock replaces the clock used for the pauses between steps.
func WithClock(c clockwork.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithModule sets the gadget kernel module name.
func WithModule(module string) Option {
	return func(p *Publisher) { p.module = module }
}

// WithSync replaces the filesystem flush.
func WithSync(fn func() error) Option {
	return func(p *Publisher) { p.syncFS = fn }
}

// Publisher loads and unloads the mass-storage gadget through modprobe.
type Publisher struct {
	exec        command.Executor
	clock       clockwork.Clock
	syncFS      func() error
	module      string
	storageFile string
	pause       time.Duration
}

// New returns a Publisher exporting storageFile, waiting pause between steps.
func New(storageFile string, pause time.Duration, opts ...Option) *Publisher {
	p := &Publisher{
		exec:        &command.RealExecutor{},
		clock:       clockwork.NewRealClock(),
		syncFS:      syncFilesystems,
		module:      DefaultModule,
		storageFile: storageFile,
		pause:       pause,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Export flushes pending writes and loads the gadget. It is the startup
// half of a publish and expects the gadget to be unloaded.
func (p *Publisher) Export(ctx context.Context) error {
	log.Info().Str("storage_file", p.storageFile).Msg("gadget: activating usb storage")

	if err := p.flush(); err != nil {
		return err
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	if err := p.export(ctx); err != nil {
		return err
	}

	log.Info().Str("storage_file", p.storageFile).Msg("gadget: activation complete")
	return nil
}

// Publish unloads the gadget, flushes pending writes and loads it again.
func (p *Publisher) Publish(ctx context.Context) error {
	log.Info().Str("storage_file", p.storageFile).Msg("gadget: refreshing usb storage")

	if err := p.exec.Run(ctx, "modprobe", "-r", p.module); err != nil {
		return &PublishError{Step: StepUnexport, StorageFile: p.storageFile, Err: err}
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	if err := p.flush(); err != nil {
		return err
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	if err := p.export(ctx); err != nil {
		return err
	}

	log.Info().Str("storage_file", p.storageFile).Msg("gadget: refresh complete")
	return nil
}

func (p *Publisher) export(ctx context.Context) error {
	err := p.exec.Run(ctx, "modprobe", p.module,
		"file="+p.storageFile,
		"stall=0",
		"ro=1",
	)
	if err != nil {
		return &PublishError{Step: StepExport, StorageFile: p.storageFile, Err: err}
	}
	return nil
}

func (p *Publisher) flush() error {
	if err := p.syncFS(); err != nil {
		return &PublishError{Step: StepSync, StorageFile: p.storageFile, Err: err}
	}
	return nil
}

// wait gives the kernel time to settle between gadget operations.
func (p *Publisher) wait(ctx context.Context) error {
	if p.pause <= 0 {
		return nil
	}
	timer := p.clock.NewTimer(p.pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("gadget: %w", ctx.Err())
	case <-timer.Chan():
		return nil
	}
}
