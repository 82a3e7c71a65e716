package quiesce

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/piframe/pi-frame/internal/syncutil"
)

// State is the controller's current mode.
type State int32

const (
	Idle State = iota
	AwaitingQuiet
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingQuiet:
		return "awaiting_quiet"
	case Publishing:
		return "publishing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DebounceConfig holds the controller timings.
type DebounceConfig struct {
	// ChangeTimeout is the minimum quiet period before publishing.
	ChangeTimeout time.Duration
	// FastPoll is the poll interval while changes are pending.
	FastPoll time.Duration
	// SlowPoll is the poll interval while nothing has changed.
	SlowPoll time.Duration
}

// Validate checks that every interval is positive.
func (c DebounceConfig) Validate() error {
	var errs []error
	if c.ChangeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("change timeout must be positive, got %s", c.ChangeTimeout))
	}
	if c.FastPoll <= 0 {
		errs = append(errs, fmt.Errorf("fast poll interval must be positive, got %s", c.FastPoll))
	}
	if c.SlowPoll <= 0 {
		errs = append(errs, fmt.Errorf("slow poll interval must be positive, got %s", c.SlowPoll))
	}
	return errors.Join(errs...)
}

// Publisher performs the unexport, flush, re-export cycle.
type Publisher interface {
	Publish(ctx context.Context) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context) error

func (f PublisherFunc) Publish(ctx context.Context) error { return f(ctx) }

// Tracker is the view of a Detector polled by the Controller.
type Tracker interface {
	IsDirty() bool
	SettledMark(now time.Time, timeout time.Duration) (Mark, bool)
	Mark() Mark
	ResetIfUnchanged(m Mark) bool
}

// Attempt describes one publish invocation.
type Attempt struct {
	StartedAt  time.Time
	FinishedAt time.Time
	ChangeAt   time.Time
	Err        error
	ID         string
}

// OK reports whether the publish succeeded.
func (a Attempt) OK() bool { return a.Err == nil }

// History receives every publish attempt.
type History interface {
	RecordPublish(ctx context.Context, a Attempt) error
}

// Status is a point-in-time view of the controller.
type Status struct {
	LastChangeAt  time.Time
	LastPublishAt time.Time
	LastError     string
	State         State
	Publishes     int
	Failures      int
	Dirty         bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for polling and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithHistory records every publish attempt to h.
func WithHistory(h History) Option {
	return func(c *Controller) { c.history = h }
}

// Controller polls a Tracker and publishes once the tracked changes settle.
type Controller struct {
	tracker   Tracker
	publisher Publisher
	history   History
	clock     clockwork.Clock
	cfg       DebounceConfig

	state atomic.Int32

	mu            syncutil.Mutex
	publishes     int
	failures      int
	lastPublishAt time.Time
	lastErr       error
}

// NewController wires a Controller. Call Run to start polling.
func NewController(t Tracker, p Publisher, cfg DebounceConfig, opts ...Option) *Controller {
	c := &Controller{
		tracker:   t,
		publisher: p,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled, then returns nil. It never publishes
// on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("debounce config: %w", err)
	}

	log.Info().
		Dur("change_timeout", c.cfg.ChangeTimeout).
		Dur("fast_poll", c.cfg.FastPoll).
		Dur("slow_poll", c.cfg.SlowPoll).
		Msg("quiesce: controller started")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("quiesce: controller stopped")
			return nil
		}

		timer := c.clock.NewTimer(c.poll(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("quiesce: controller stopped")
			return nil
		case <-timer.Chan():
		}
	}
}

// poll runs one iteration of the state machine and returns how long to
// sleep before the next one.
func (c *Controller) poll(ctx context.Context) time.Duration {
	if !c.tracker.IsDirty() {
		c.setState(Idle)
		return c.cfg.SlowPoll
	}

	if mark, ok := c.tracker.SettledMark(c.clock.Now(), c.cfg.ChangeTimeout); ok {
		c.publish(ctx, mark)
	}

	if c.tracker.IsDirty() {
		c.setState(AwaitingQuiet)
		return c.cfg.FastPoll
	}
	c.setState(Idle)
	return c.cfg.SlowPoll
}

// publish runs one cycle. mark must be the snapshot that was judged
// settled; only signals it covers are cleared.
func (c *Controller) publish(ctx context.Context, mark Mark) {
	c.setState(Publishing)

	attempt := Attempt{
		ID:        uuid.NewString(),
		ChangeAt:  mark.LastChangeAt,
		StartedAt: c.clock.Now(),
	}

	log.Info().
		Str("publish_id", attempt.ID).
		Time("last_change", mark.LastChangeAt).
		Msg("quiesce: changes settled, publishing")

	// A half-finished cycle would leave the gadget unexported.
	attempt.Err = c.publisher.Publish(context.WithoutCancel(ctx))
	attempt.FinishedAt = c.clock.Now()

	c.mu.Lock()
	if attempt.Err != nil {
		c.failures++
		c.lastErr = attempt.Err
	} else {
		c.publishes++
		c.lastPublishAt = attempt.FinishedAt
		c.lastErr = nil
	}
	c.mu.Unlock()

	switch {
	case attempt.Err != nil:
		log.Error().Err(attempt.Err).
			Str("publish_id", attempt.ID).
			Msg("quiesce: publish failed, will retry")
	case c.tracker.ResetIfUnchanged(mark):
		log.Info().
			Str("publish_id", attempt.ID).
			Dur("took", attempt.FinishedAt.Sub(attempt.StartedAt)).
			Msg("quiesce: publish complete")
	default:
		log.Info().
			Str("publish_id", attempt.ID).
			Msg("quiesce: publish complete, newer changes pending")
	}

	if c.history != nil {
		if err := c.history.RecordPublish(context.WithoutCancel(ctx), attempt); err != nil {
			log.Warn().Err(err).Str("publish_id", attempt.ID).Msg("quiesce: failed to record publish")
		}
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Status returns the current controller and detector state.
func (c *Controller) Status() Status {
	mark := c.tracker.Mark()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:         State(c.state.Load()),
		Dirty:         mark.Dirty,
		LastChangeAt:  mark.LastChangeAt,
		Publishes:     c.publishes,
		Failures:      c.failures,
		LastPublishAt: c.lastPublishAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
