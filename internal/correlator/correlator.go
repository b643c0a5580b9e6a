// Package correlator tracks outstanding historical data requests by id.
//
// Results for a request arrive asynchronously as a stream of bar events followed
// by one completion or error event. The correlator accumulates those events into a
// Handle and lets callers block until the handle reaches a terminal state or a
// deadline passes. A single mutex guards every handle; it is held only for one
// update or snapshot and never across a wait.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-fx-collector/internal/models"
)

// DefaultTimeout replaces non-positive await timeouts so a wait is always bounded.
const DefaultTimeout = 30 * time.Second

// State is the lifecycle state of a request handle.
type State string

const (
	StatePending   State = "PENDING"
	StateReceiving State = "RECEIVING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
)

// Terminal reports whether no further events can change a handle in this state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateTimedOut
}

var (
	// ErrUnknownRequest is returned for ids that were never registered or were released.
	ErrUnknownRequest = errors.New("unknown request id")
	// ErrDuplicateRequest is returned when an id is registered twice.
	ErrDuplicateRequest = errors.New("request id already registered")
)

// Handle is the accumulated state of one request. Handles returned by the
// correlator are copies and may be read freely.
type Handle struct {
	ID           int64
	Item         models.WorkItem
	State        State
	Bars         []models.Bar
	ErrorCode    int
	ErrorMessage string
	RangeStart   string
	RangeEnd     string
	RegisteredAt time.Time
	FinishedAt   time.Time
}

// Partial reports whether the handle ended without completing but holds bars.
func (h Handle) Partial() bool {
	return (h.State == StateFailed || h.State == StateTimedOut) && len(h.Bars) > 0
}

// Elapsed is the time from registration to the terminal transition.
func (h Handle) Elapsed() time.Duration {
	if h.FinishedAt.IsZero() {
		return 0
	}
	return h.FinishedAt.Sub(h.RegisteredAt)
}

type entry struct {
	handle Handle
	done   chan struct{}
}

// finish moves the entry to a terminal state and wakes waiters. Callers hold the lock.
func (e *entry) finish(state State, now time.Time) {
	e.handle.State = state
	e.handle.FinishedAt = now
	close(e.done)
}

// Observer is notified of terminal transitions. It is called with the lock released.
type Observer interface {
	RequestFinished(h Handle)
}

// Correlator maps request ids to handles.
type Correlator struct {
	mu        sync.Mutex
	entries   map[int64]*entry
	connected bool
	lastState string

	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithObserver registers an observer for terminal transitions.
func WithObserver(o Observer) Option {
	return func(c *Correlator) { c.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// New creates an empty correlator.
func New(logger *slog.Logger, opts ...Option) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		entries: make(map[int64]*entry),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register creates a PENDING handle for id. It must be called before the
// request is submitted so that no event can arrive for an unknown id.
func (c *Correlator) Register(id int64, item models.WorkItem) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return Handle{}, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	e := &entry{
		handle: Handle{
			ID:           id,
			Item:         item,
			State:        StatePending,
			RegisteredAt: c.now(),
		},
		done: make(chan struct{}),
	}
	c.entries[id] = e
	return e.handle, nil
}

// lookup returns the live entry for id, logging and returning nil for unknown
// ids and terminal handles. Callers hold the lock.
func (c *Correlator) lookup(id int64, event string) *entry {
	e, ok := c.entries[id]
	if !ok {
		c.logger.Warn("dropping event for unknown request", "event", event, "request_id", id)
		return nil
	}
	if e.handle.State.Terminal() {
		c.logger.Debug("dropping event for finished request",
			"event", event, "request_id", id, "state", e.handle.State)
		return nil
	}
	return e
}

// OnBar appends a bar to the request, moving it to RECEIVING.
func (c *Correlator) OnBar(id int64, bar models.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(id, "bar")
	if e == nil {
		return
	}
	e.handle.Bars = append(e.handle.Bars, bar)
	if e.handle.State == StatePending {
		e.handle.State = StateReceiving
	}
}

// OnRequestComplete marks the request COMPLETE. Zero bars is a valid result.
func (c *Correlator) OnRequestComplete(id int64, rangeStart, rangeEnd string) {
	c.mu.Lock()
	e := c.lookup(id, "end")
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.handle.RangeStart = rangeStart
	e.handle.RangeEnd = rangeEnd
	e.finish(StateComplete, c.now())
	h := e.snapshot()
	c.mu.Unlock()

	c.logger.Debug("request complete", "request_id", id, "bars", len(h.Bars))
	c.notify(h)
}

// OnError marks the request FAILED with the gateway's diagnostics. Bars already
// received are kept. Negative ids are session level notices and only logged.
func (c *Correlator) OnError(id int64, code int, message string) {
	if id < 0 {
		c.logger.Info("gateway notice", "code", code, "message", message)
		return
	}

	c.mu.Lock()
	e := c.lookup(id, "error")
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.handle.ErrorCode = code
	e.handle.ErrorMessage = message
	e.finish(StateFailed, c.now())
	h := e.snapshot()
	c.mu.Unlock()

	c.logger.Warn("request failed",
		"request_id", id, "code", code, "message", message, "bars", len(h.Bars))
	c.notify(h)
}

// OnConnectionState records the session state. It never finishes handles:
// outstanding requests run into their own timeouts.
func (c *Correlator) OnConnectionState(connected bool, message string) {
	c.mu.Lock()
	c.connected = connected
	c.lastState = message
	pending := c.pendingLocked()
	c.mu.Unlock()

	if connected {
		c.logger.Info("gateway connected", "message", message)
		return
	}
	c.logger.Warn("gateway disconnected", "message", message, "outstanding", pending)
}

// Connected reports the last connection state seen and its message.
func (c *Correlator) Connected() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.lastState
}

// AwaitCompletion blocks until the request reaches a terminal state, timeout
// elapses or ctx is done. On timeout the handle becomes TIMED_OUT, keeps the
// bars received so far and is returned with a nil error.
func (c *Correlator) AwaitCompletion(ctx context.Context, id int64, timeout time.Duration) (Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return Handle{}, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return c.snapshotOf(e), nil
	case <-timer.C:
		return c.expire(e, timeout), nil
	case <-ctx.Done():
		return c.snapshotOf(e), ctx.Err()
	}
}

func (c *Correlator) snapshotOf(e *entry) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.snapshot()
}

// expire times out the entry unless it finished while the timer fired.
func (c *Correlator) expire(e *entry, timeout time.Duration) Handle {
	c.mu.Lock()
	if e.handle.State.Terminal() {
		h := e.snapshot()
		c.mu.Unlock()
		return h
	}
	e.finish(StateTimedOut, c.now())
	h := e.snapshot()
	c.mu.Unlock()

	c.logger.Warn("request timed out",
		"request_id", h.ID, "timeout", timeout, "bars", len(h.Bars))
	c.notify(h)
	return h
}

// Snapshot returns a copy of the handle for id.
func (c *Correlator) Snapshot(id int64) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	return e.snapshot(), nil
}

// Release forgets a handle once its results have been persisted.
func (c *Correlator) Release(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Pending counts handles that have not reached a terminal state.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Correlator) pendingLocked() int {
	n := 0
	for _, e := range c.entries {
		if !e.handle.State.Terminal() {
			n++
		}
	}
	return n
}

func (e *entry) snapshot() Handle {
	h := e.handle
	h.Bars = append([]models.Bar(nil), e.handle.Bars...)
	return h
}

func (c *Correlator) notify(h Handle) {
	if c.observer != nil {
		c.observer.RequestFinished(h)
	}
}
