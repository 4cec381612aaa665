package webview

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cryguy/webview/internal/core"
)

// EventCode identifies a window event. Codes not claimed by a listener
// fall through to the window's default handling, so standard behaviors
// (close → destroy → quit) are preserved.
type EventCode uint32

const (
	// EventSize fires after the client area changed. Event.Width and
	// Event.Height carry the new client size.
	EventSize EventCode = iota + 1
	// EventDPIChanged fires when the window moved to a display with a
	// different scale factor. Event.Suggested carries the rectangle the
	// platform wants the window moved to.
	EventDPIChanged
	// EventClose fires when the user asked to close the window.
	EventClose
	// EventDestroy fires while the window is being torn down.
	EventDestroy

	// eventQuit terminates the pump. Posted internally via PostQuit.
	eventQuit EventCode = 0x7fff
)

// Event is a single window event as delivered to listeners.
type Event struct {
	Code      EventCode
	Width     int
	Height    int
	Suggested core.Rect
}

// envelope is one item in a window's queue: either a window event or a
// one-shot unit of dispatched work, never both.
type envelope struct {
	ev   Event
	work func() error
}

// windows is the process-wide registry of live windows. Only the pump
// ever resolves state through it; other goroutines use it solely for
// the liveness check in post.
var (
	windowsMu sync.RWMutex
	windows   = map[uint64]*Window{}
)

func lookupWindow(id uint64) *Window {
	windowsMu.RLock()
	defer windowsMu.RUnlock()
	return windows[id]
}

// Window is a host toplevel window: an identity, a geometry record and
// the FIFO queue its pump drains. All window- and engine-affecting
// state is owned by the goroutine running Run; other goroutines
// communicate with it exclusively through Dispatch.
type Window struct {
	id uint64
	q  *queue

	log *zap.Logger

	// Listener registration happens on the pump goroutine or before
	// Run; delivery is pump-only.
	lmu       sync.Mutex
	listeners map[EventCode][]func(Event)

	// Geometry and flags, guarded for cross-goroutine reads.
	gmu       sync.Mutex
	x, y      int
	width     int
	height    int
	title     string
	visible   bool
	topmost   bool
	frameless bool
	resizable bool

	destroyed atomic.Bool
	luggage   atomic.Value // *T installed by RunWith, or nil
	quitOnce  sync.Once
}

// newWindow creates and registers a window. The webview Builder is the
// usual entry point; tests construct windows directly.
func newWindow(title string, x, y, width, height int, log *zap.Logger) *Window {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Window{
		id:        nextwinID(),
		q:         newQueue(),
		log:       log,
		listeners: map[EventCode][]func(Event){},
		x:         x,
		y:         y,
		width:     width,
		height:    height,
		title:     title,
		resizable: true,
	}
	windowsMu.Lock()
	windows[w.id] = w
	windowsMu.Unlock()
	return w
}

func nextwinID() uint64 { return nextWinIDCounter.Add(1) }

var nextWinIDCounter atomic.Uint64

// ID returns the window's process-unique identity.
func (w *Window) ID() uint64 { return w.id }

// ClientRect returns the current client area with origin (0,0).
func (w *Window) ClientRect() core.Rect {
	w.gmu.Lock()
	defer w.gmu.Unlock()
	return core.Rect{Right: w.width, Bottom: w.height}
}

var _ core.HostWindow = (*Window)(nil)

// AddEventListener registers f for code. Listeners for a code replace
// the window's default handling of that code; all listeners registered
// for a code run in registration order.
func (w *Window) AddEventListener(code EventCode, f func(Event)) {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	w.listeners[code] = append(w.listeners[code], f)
}

// ResetEventListeners removes every listener for code, restoring the
// default handling.
func (w *Window) ResetEventListeners(code EventCode) {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	delete(w.listeners, code)
}

func (w *Window) listenersFor(code EventCode) []func(Event) {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	return w.listeners[code]
}

// post enqueues a window event. Returns ErrWindowClosed if the window
// has been destroyed; the event is then dropped, never delivered.
func (w *Window) post(ev Event) error {
	if w.destroyed.Load() {
		return ErrWindowClosed
	}
	w.q.push(envelope{ev: ev})
	return nil
}

// Dispatch enqueues f to run exactly once on the pump goroutine,
// interleaved FIFO with window events. Fire-and-forget: it does not
// wait for f to run; callers needing a result embed their own channel
// in the closure. Dispatching to a destroyed window fails with
// ErrWindowClosed rather than leaking the closure.
func (w *Window) Dispatch(f func() error) error {
	if w.destroyed.Load() {
		return ErrWindowClosed
	}
	w.q.push(envelope{work: f})
	return nil
}

// PostQuit asks the pump to exit once it drains up to the quit marker.
// Safe to call from any goroutine and after destruction.
func (w *Window) PostQuit() {
	w.quitOnce.Do(func() {
		w.q.push(envelope{ev: Event{Code: eventQuit}})
	})
}

// Run drains the window's queue until a quit marker arrives, executing
// dispatched work and routing events to listeners. It must be called on
// the goroutine that owns the window; it returns nil on a clean quit.
func (w *Window) Run() error {
	for {
		env := w.q.next()
		if quit := w.deliver(env); quit {
			return nil
		}
	}
}

// RunWith installs luggage as the thread-owned host context and runs
// the pump. Closures dispatched through a Handle of the matching type
// receive the same pointer.
func RunWith[T any](w *Window, luggage *T) error {
	w.luggage.Store(luggage)
	return w.Run()
}

// Handle is a cheap, copyable reference to a window used for
// cross-goroutine dispatch with typed luggage access. The zero Handle
// is not valid; obtain one from NewHandle.
type Handle[T any] struct {
	id uint64
}

// NewHandle derives a typed handle from a window. T must match the
// luggage type later passed to RunWith.
func NewHandle[T any](w *Window) Handle[T] {
	return Handle[T]{id: w.id}
}

// Dispatch schedules f on the window's pump with access to the luggage.
// Returns ErrWindowClosed when the window is gone and ErrNoLuggage from
// the dispatched item itself when Run was started without luggage.
func (h Handle[T]) Dispatch(f func(*T) error) error {
	w := lookupWindow(h.id)
	if w == nil {
		return ErrWindowClosed
	}
	return w.Dispatch(func() error {
		lug, _ := w.luggage.Load().(*T)
		if lug == nil {
			return ErrNoLuggage
		}
		return f(lug)
	})
}

// deliver executes one envelope on the pump goroutine. Reports whether
// the pump should exit.
func (w *Window) deliver(env envelope) (quit bool) {
	if env.work != nil {
		if err := env.work(); err != nil {
			w.log.Warn("dispatched work failed", zap.Uint64("window", w.id), zap.Error(err))
		}
		return false
	}
	return w.route(env.ev)
}

// route is the window procedure: total over all event codes, with
// unclaimed codes falling through to default handling.
func (w *Window) route(ev Event) (quit bool) {
	if ev.Code == eventQuit {
		return true
	}
	if fs := w.listenersFor(ev.Code); len(fs) > 0 {
		for _, f := range fs {
			f(ev)
		}
		return false
	}
	// Default handling for unclaimed codes.
	switch ev.Code {
	case EventDPIChanged:
		// Applying the suggested rectangle cascades into a resize, the
		// same way the platform reflows a moved window.
		w.setRect(ev.Suggested)
		w.post(Event{Code: EventSize, Width: ev.Suggested.Width(), Height: ev.Suggested.Height()})
	case EventClose:
		w.destroy()
	}
	return false
}

// destroy tears the window down: new posts and dispatches fail, items
// still queued are dropped without running, and EventDestroy listeners
// fire inline (we are on the pump when this is reached through the
// EventClose default path).
func (w *Window) destroy() {
	if !w.destroyed.CompareAndSwap(false, true) {
		return
	}
	dropped := w.q.clear()
	if dropped > 0 {
		w.log.Debug("dropping queued items at destroy",
			zap.Uint64("window", w.id), zap.Int("count", dropped))
	}
	windowsMu.Lock()
	delete(windows, w.id)
	windowsMu.Unlock()
	if fs := w.listenersFor(EventDestroy); len(fs) > 0 {
		for _, f := range fs {
			f(Event{Code: EventDestroy})
		}
		return
	}
	// Default handling: tearing the window down ends its pump.
	w.PostQuit()
}

// Close requests a regular close: EventClose is posted and, unless a
// listener overrides it, the default chain destroys the window and
// quits the pump.
func (w *Window) Close() error {
	return w.post(Event{Code: EventClose})
}

// SetSize resizes the client area and posts EventSize so the embedded
// surface tracks the window, mirroring the resize contract.
func (w *Window) SetSize(width, height int) error {
	w.gmu.Lock()
	w.width, w.height = width, height
	w.gmu.Unlock()
	return w.post(Event{Code: EventSize, Width: width, Height: height})
}

// SetPosition moves the window without resizing it.
func (w *Window) SetPosition(x, y int) error {
	w.gmu.Lock()
	w.x, w.y = x, y
	w.gmu.Unlock()
	return nil
}

// SetVisible shows or hides the window.
func (w *Window) SetVisible(visible bool) error {
	w.gmu.Lock()
	w.visible = visible
	w.gmu.Unlock()
	return nil
}

// SetTopmost keeps the window above normal windows when set.
func (w *Window) SetTopmost(topmost bool) error {
	w.gmu.Lock()
	w.topmost = topmost
	w.gmu.Unlock()
	return nil
}

// setRect applies a platform-suggested rectangle (DPI change handling).
func (w *Window) setRect(r core.Rect) {
	w.gmu.Lock()
	w.x, w.y = r.Left, r.Top
	w.width, w.height = r.Width(), r.Height()
	w.gmu.Unlock()
}

// queue is the unbounded FIFO behind a window: window events and
// dispatched work interleave in arrival order. Single consumer (the
// pump), any number of producers.
type queue struct {
	mu    sync.Mutex
	items []envelope
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(env envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// tryNext pops the head without blocking.
func (q *queue) tryNext() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return envelope{}, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

// next blocks until an item is available.
func (q *queue) next() envelope {
	for {
		if env, ok := q.tryNext(); ok {
			return env
		}
		<-q.wake
	}
}

// clear drops all pending items, returning how many were discarded.
// Quit markers survive so a pump blocked in Run still exits.
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, env := range q.items {
		if env.work == nil && env.ev.Code == eventQuit {
			kept = append(kept, env)
			continue
		}
		dropped++
	}
	q.items = kept
	return dropped
}
