// Package quiesce decides when a watched directory has stopped changing and
// triggers a single publish per quiet period.
package quiesce

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/piframe/pi-frame/internal/syncutil"
)

// ChangeKind identifies the filesystem mutation behind a ChangeSignal.
// The detector treats every kind the same.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
	Moved    ChangeKind = "moved"
)

// ChangeSignal is a single normalized change notification.
type ChangeSignal struct {
	Kind       ChangeKind
	Path       string
	OccurredAt time.Time
}

// Mark is a snapshot of detector state. Seq increases with every recorded
// signal, so a Mark also identifies exactly which signals it covers.
type Mark struct {
	LastChangeAt time.Time
	Seq          uint64
	Dirty        bool
}

// Detector accumulates change signals and reports when the most recent one
// is older than a debounce threshold. It is safe for concurrent use.
type Detector struct {
	clock clockwork.Clock

	mu           syncutil.Mutex
	dirty        bool
	lastChangeAt time.Time
	seq          uint64
}

// NewDetector returns a clean Detector. A nil clock uses the real clock.
func NewDetector(clock clockwork.Clock) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{clock: clock}
}

// Record marks the detector dirty as of the signal's time. Signals without a
// timestamp are stamped with the current time. An out-of-order signal never
// moves the last change time backwards.
func (d *Detector) Record(sig ChangeSignal) {
	at := sig.OccurredAt
	if at.IsZero() {
		at = d.clock.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	if !d.dirty || at.After(d.lastChangeAt) {
		d.lastChangeAt = at
	}
	d.dirty = true
}

// IsSettled reports whether the detector is dirty and at least timeout has
// elapsed between the last change and now. Ties settle.
func (d *Detector) IsSettled(now time.Time, timeout time.Duration) bool {
	_, ok := d.SettledMark(now, timeout)
	return ok
}

// SettledMark is IsSettled and Mark taken under one lock, so the returned
// Mark covers exactly the signals that were judged settled.
func (d *Detector) SettledMark(now time.Time, timeout time.Duration) (Mark, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := Mark{
		Dirty:        d.dirty,
		LastChangeAt: d.lastChangeAt,
		Seq:          d.seq,
	}
	return m, d.dirty && now.Sub(d.lastChangeAt) >= timeout
}

// IsDirty reports whether any signal has been recorded since the last reset.
func (d *Detector) IsDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Reset returns the detector to its clean state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

// Mark snapshots the current state.
func (d *Detector) Mark() Mark {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Mark{
		Dirty:        d.dirty,
		LastChangeAt: d.lastChangeAt,
		Seq:          d.seq,
	}
}

// ResetIfUnchanged resets the detector only when nothing was recorded after m
// was taken. It returns false, leaving the newer change pending, otherwise.
func (d *Detector) ResetIfUnchanged(m Mark) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seq != m.Seq {
		return false
	}
	d.reset()
	return true
}

func (d *Detector) reset() {
	d.dirty = false
	d.lastChangeAt = time.Time{}
}
