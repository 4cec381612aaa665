// Package core defines the contract between the webview host layer and
// the embedded rendering engines. The root webview package drives one of
// several backends (goja by default, QuickJS with -tags quickjs, a real
// browser over the DevTools protocol) through these interfaces; the
// backends live in sibling internal packages.
package core

// Rect is a rectangle in window client coordinates.
type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() int { return r.Right - r.Left }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() int { return r.Bottom - r.Top }

// Token identifies a cancellable event registration on a Core.
// Valid tokens are non-zero.
type Token uint64

// HostWindow is the view the engine gets of the native window hosting
// its rendering surface. Implementations are owned by the pump; engines
// may read from them on any goroutine.
type HostWindow interface {
	// ID returns the window's process-unique identity.
	ID() uint64
	// ClientRect returns the current client area, origin (0,0).
	ClientRect() Rect
}

// Backend is an engine entry point. Creating an environment is an
// asynchronous operation: the backend must invoke done exactly once,
// possibly on an arbitrary goroutine, with either a usable Environment
// or an error. A synchronous failure to even start the operation is
// reported via the return value and done must then not be called.
type Backend interface {
	NewEnvironment(done func(Environment, error)) error
	// Name identifies the backend in logs.
	Name() string
	// Shutdown releases engine-global resources. Controllers must be
	// closed first.
	Shutdown()
}

// Environment is a configured engine instance from which controllers
// are created. Mirrors Backend's completion-callback style.
type Environment interface {
	CreateController(host HostWindow, done func(Controller, error)) error
}

// Controller owns the rendering surface hosted in a window: sizing,
// visibility and lifecycle. All methods must be called from the
// window's pump.
type Controller interface {
	// Core returns the navigation/script handle for this surface.
	Core() (Core, error)
	// SetBounds resizes the rendering surface within the host window.
	SetBounds(r Rect) error
	// SetVisible shows or hides the surface.
	SetVisible(visible bool) error
	// Close tears the surface down. The Core obtained from this
	// controller must not be used afterwards.
	Close() error
}

// Core is the navigation, scripting and messaging handle of a rendering
// surface. Methods taking a done callback are asynchronous in the
// engine's native style: done fires exactly once, on an arbitrary
// goroutine, unless the method itself returns a (synchronous) error.
//
// Every backend guarantees the hosted page a working
// window.__wvPost(string) that feeds the web-message-received event;
// how that bridge is built is the backend's business. The host layer
// maps window.external.invoke onto it.
type Core interface {
	// Navigate starts loading url. Completion is signalled through the
	// navigation-completed event, not a callback, matching the engine's
	// event model.
	Navigate(url string) error

	// AddNavigationCompleted subscribes h to navigation completions.
	// h receives a nil error on success and the load failure otherwise.
	AddNavigationCompleted(h func(err error)) (Token, error)
	RemoveNavigationCompleted(t Token) error

	// AddScriptToExecuteOnDocumentCreated registers js to run in every
	// future document before any of the document's own scripts.
	AddScriptToExecuteOnDocumentCreated(js string, done func(id string, err error)) error

	// ExecuteScript evaluates js in the current document and delivers
	// the JSON-encoded result.
	ExecuteScript(js string, done func(resultJSON string, err error)) error

	// AddWebMessageReceived subscribes h to raw string messages posted
	// by the page through the engine's post primitive.
	AddWebMessageReceived(h func(raw string)) (Token, error)
	RemoveWebMessageReceived(t Token) error
}
