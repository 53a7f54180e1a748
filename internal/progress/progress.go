// Package progress provides callback-based progress tracking for download
// and post-processing stages.
package progress

import (
	"sync"
	"time"
)

// State represents the current state of a tracked operation.
type State string

const (
	// StateIdle indicates the operation has not started.
	StateIdle State = "idle"
	// StateDownloading indicates segments are being fetched.
	StateDownloading State = "downloading"
	// StateMerging indicates segment files are being concatenated.
	StateMerging State = "merging"
	// StateDecrypting indicates the decryption tool is running.
	StateDecrypting State = "decrypting"
	// StateMuxing indicates the muxer is producing the final container.
	StateMuxing State = "muxing"
	// StateCompleted indicates the operation completed successfully.
	StateCompleted State = "completed"
	// StateError indicates the operation failed.
	StateError State = "error"
	// StateCancelled indicates the operation was cancelled.
	StateCancelled State = "cancelled"
)

// IsTerminal returns true for completed, error, and cancelled.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// Update is one progress snapshot delivered to callbacks.
type Update struct {
	// Label names the tracked unit, e.g. "video seg" or a filename.
	Label string `json:"label"`
	// State is the operation state at snapshot time.
	State State `json:"state"`
	// Current is the number of completed items (or bytes for merges).
	Current int64 `json:"current"`
	// Total is the number of items to process; 0 when unknown.
	Total int64 `json:"total"`
	// Message carries error text in the error state.
	Message string `json:"message,omitempty"`
	// UpdatedAt is when this snapshot was taken.
	UpdatedAt time.Time `json:"updated_at"`
}

// Fraction returns completion in [0, 1], or 0 when the total is unknown.
func (u Update) Fraction() float64 {
	if u.Total <= 0 {
		return 0
	}
	f := float64(u.Current) / float64(u.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Callback receives progress snapshots. Callbacks must be fast; they run
// on the updating goroutine.
type Callback func(Update)

// Tracker tracks one unit of work and fans snapshots out to callbacks.
// It is safe for concurrent use; segment workers increment it in parallel.
type Tracker struct {
	mu       sync.Mutex
	update   Update
	callback Callback
}

// NewTracker creates a tracker with the given label and total. cb may be
// nil, in which case tracking is a cheap no-op counter.
func NewTracker(label string, total int64, cb Callback) *Tracker {
	return &Tracker{
		update: Update{
			Label: label,
			State: StateIdle,
			Total: total,
		},
		callback: cb,
	}
}

// Start moves the tracker into the given active state.
func (t *Tracker) Start(state State) {
	t.mu.Lock()
	t.update.State = state
	t.update.UpdatedAt = time.Now()
	u := t.update
	t.mu.Unlock()
	t.emit(u)
}

// Add advances the current count by n.
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	t.update.Current += n
	t.update.UpdatedAt = time.Now()
	u := t.update
	t.mu.Unlock()
	t.emit(u)
}

// SetTotal replaces the total once it becomes known.
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	t.update.Total = total
	t.update.UpdatedAt = time.Now()
	u := t.update
	t.mu.Unlock()
	t.emit(u)
}

// Done marks the tracker completed.
func (t *Tracker) Done() {
	t.finish(StateCompleted, "")
}

// Fail marks the tracker failed with the error's message.
func (t *Tracker) Fail(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.finish(StateError, msg)
}

// Cancel marks the tracker cancelled.
func (t *Tracker) Cancel() {
	t.finish(StateCancelled, "")
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update
}

func (t *Tracker) finish(state State, msg string) {
	t.mu.Lock()
	if t.update.State.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.update.State = state
	t.update.Message = msg
	t.update.UpdatedAt = time.Now()
	u := t.update
	t.mu.Unlock()
	t.emit(u)
}

func (t *Tracker) emit(u Update) {
	if t.callback != nil {
		t.callback(u)
	}
}
