// Package webview creates a host window, embeds a web-rendering engine
// in it and bridges calls between Go and the hosted page's scripts.
//
// The engine is an external capability driven through the contract in
// internal/core; the default backend hosts the page in an in-process
// goja runtime, -tags quickjs selects the QuickJS backend, and
// internal/chrome drives a real browser over the DevTools protocol.
//
// Everything that touches the window or the engine handles runs on the
// goroutine that calls Run; other goroutines hand it work through
// Dispatch.
package webview

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cryguy/webview/internal/core"
)

// Builder configures a WebView before Build. The zero value plus a
// title is usable; unset dimensions get defaults.
type Builder struct {
	Title     string
	URL       string
	X, Y      int
	Width     int
	Height    int
	Debug     bool
	Frameless bool
	Resizable bool
	Topmost   bool

	// Backend overrides the build-tag default engine.
	Backend core.Backend
	// Logger receives structured diagnostics; nil means none.
	Logger *zap.Logger
}

const (
	defaultWidth  = 900
	defaultHeight = 600
)

// WebView owns one window with one embedded rendering surface. Its
// handles may be captured by closures on any goroutine, but all
// operations must execute on the pump goroutine: either before Run, or
// inside dispatched work.
type WebView struct {
	win     *Window
	backend core.Backend
	ctrl    core.Controller
	core    core.Core
	log     *zap.Logger

	// Bindings are mutated from the pump (or before Run) and read by
	// the engine's message callback on its own goroutine.
	bmu      sync.Mutex
	bindings map[string]BindingFunc

	msgToken core.Token
}

// Build creates the window, stands the engine up (two asynchronous
// creation stages, each awaited with the queue still being pumped),
// wires the resize contract and the message channel, and navigates to
// the configured URL if any.
func (b Builder) Build() (*WebView, error) {
	log := b.Logger
	if log == nil {
		log = zap.NewNop()
	}
	width, height := b.Width, b.Height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}

	win := newWindow(b.Title, b.X, b.Y, width, height, log)
	win.frameless = b.Frameless
	win.resizable = b.Resizable || !b.Frameless
	win.topmost = b.Topmost

	backend := b.Backend
	if backend == nil {
		backend = newBackend(backendOptions{Debug: b.Debug, Logger: log})
	}

	env, err := awaitCompletion(win, "create environment",
		func(complete func(core.Environment, error)) error {
			return backend.NewEnvironment(complete)
		})
	if err != nil {
		win.destroy()
		return nil, err
	}

	ctrl, err := awaitCompletion(win, "create controller",
		func(complete func(core.Controller, error)) error {
			return env.CreateController(win, complete)
		})
	if err != nil {
		win.destroy()
		return nil, err
	}

	if err := ctrl.SetVisible(true); err != nil {
		return nil, engineErr("show surface", err)
	}
	c, err := ctrl.Core()
	if err != nil {
		return nil, engineErr("acquire core", err)
	}

	w := &WebView{
		win:      win,
		backend:  backend,
		ctrl:     ctrl,
		core:     c,
		log:      log,
		bindings: map[string]BindingFunc{},
	}

	// The page-facing surface: window.external.invoke on every future
	// document, and the inbound half of the message channel.
	if err := w.Init(externalJS); err != nil {
		return nil, err
	}
	w.msgToken, err = c.AddWebMessageReceived(w.onWebMessage)
	if err != nil {
		return nil, engineErr("subscribe messages", err)
	}

	// Layout contract: the surface's bounds always match the client
	// area exactly.
	win.AddEventListener(EventSize, func(ev Event) {
		r := core.Rect{Right: ev.Width, Bottom: ev.Height}
		if err := ctrl.SetBounds(r); err != nil {
			log.Warn("resizing surface", zap.Error(err))
		}
	})
	if err := ctrl.SetBounds(win.ClientRect()); err != nil {
		return nil, engineErr("size surface", err)
	}

	if b.URL != "" {
		if err := w.Navigate(b.URL); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Window returns the host window identity.
func (w *WebView) Window() *Window { return w.win }

// Init registers js to run in every future document, before the
// document's own scripts. Blocks, pumping, until the engine confirms.
func (w *WebView) Init(js string) error {
	_, err := awaitCompletion(w.win, "add init script",
		func(complete func(string, error)) error {
			return w.core.AddScriptToExecuteOnDocumentCreated(js, func(id string, err error) {
				complete(id, err)
			})
		})
	return err
}

// Eval evaluates js in the current document, discarding the result.
func (w *WebView) Eval(js string) error {
	_, err := w.EvalResult(js)
	return err
}

// EvalResult evaluates js in the current document and returns the
// JSON-encoded result value.
func (w *WebView) EvalResult(js string) (string, error) {
	return awaitCompletion(w.win, "execute script",
		func(complete func(string, error)) error {
			return w.core.ExecuteScript(js, complete)
		})
}

// Navigate loads url and blocks, pumping, until the engine reports the
// navigation finished. A synchronous failure to even start the load is
// returned immediately, with the completion subscription removed.
func (w *WebView) Navigate(url string) error {
	var token core.Token
	_, err := awaitCompletion(w.win, "navigate",
		func(complete func(struct{}, error)) error {
			var err error
			token, err = w.core.AddNavigationCompleted(func(navErr error) {
				complete(struct{}{}, navErr)
			})
			if err != nil {
				return err
			}
			if err := w.core.Navigate(url); err != nil {
				_ = w.core.RemoveNavigationCompleted(token)
				token = 0
				return err
			}
			return nil
		})
	if token != 0 {
		_ = w.core.RemoveNavigationCompleted(token)
	}
	return err
}

// SetSize resizes the window's client area; the embedded surface
// follows through the resize listener.
func (w *WebView) SetSize(width, height int) error {
	return w.win.SetSize(width, height)
}

// SetPosition moves the window.
func (w *WebView) SetPosition(x, y int) error { return w.win.SetPosition(x, y) }

// SetVisible shows or hides the window.
func (w *WebView) SetVisible(visible bool) error { return w.win.SetVisible(visible) }

// SetTopmost toggles always-on-top.
func (w *WebView) SetTopmost(topmost bool) error { return w.win.SetTopmost(topmost) }

// Dispatch schedules f to run on the pump goroutine with exclusive
// access to the webview. Fire-and-forget; ErrWindowClosed after
// teardown.
func (w *WebView) Dispatch(f func(w *WebView) error) error {
	return w.win.Dispatch(func() error { return f(w) })
}

// Run pumps the window until Terminate is called or the window closes.
func (w *WebView) Run() error {
	return w.win.Run()
}

// Terminate asks the pump to exit without destroying the window first.
func (w *WebView) Terminate() {
	w.win.PostQuit()
}

// Close releases the engine surface and the window. Call after Run
// returns; the WebView must not be used afterwards.
func (w *WebView) Close() error {
	_ = w.core.RemoveWebMessageReceived(w.msgToken)
	err := w.ctrl.Close()
	w.win.destroy()
	w.backend.Shutdown()
	return err
}
