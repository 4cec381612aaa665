// Package gojaengine is the default rendering backend: a headless page
// environment on the pure-Go goja runtime. There is no layout or
// painting, but documents load, their scripts run on a real event loop
// with working promises and timers, and the host messaging bridge
// behaves like the native engines' one — which is everything the
// embedding layer above cares about.
package gojaengine

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cryguy/webview/internal/content"
	"github.com/cryguy/webview/internal/core"
	"github.com/cryguy/webview/internal/domstore"
)

// Options configures the backend.
type Options struct {
	Debug  bool
	Logger *zap.Logger
	// Loader fetches documents; nil uses a default HTTP loader.
	Loader *content.Loader
	// DataDir persists DOM storage between runs. Empty keeps it in
	// memory for the process lifetime.
	DataDir string
}

// Engine implements core.Backend.
type Engine struct {
	opts  Options
	log   *zap.Logger
	store *domstore.Store

	mu       sync.Mutex
	closed   bool
	openErr  error
	prepared bool
}

// New creates the backend. Resource acquisition is deferred to
// NewEnvironment so that New itself cannot fail.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Loader == nil {
		opts.Loader = &content.Loader{}
	}
	return &Engine{opts: opts, log: log.Named("goja")}
}

func (e *Engine) Name() string { return "goja" }

// NewEnvironment opens the engine's shared resources and hands back an
// environment. The completion fires on its own goroutine, matching the
// native engines' callback style.
func (e *Engine) NewEnvironment(done func(core.Environment, error)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine shut down")
	}
	e.mu.Unlock()
	go func() {
		e.mu.Lock()
		if !e.prepared {
			e.store, e.openErr = domstore.Open(e.opts.DataDir)
			e.prepared = true
		}
		err := e.openErr
		e.mu.Unlock()
		if err != nil {
			done(nil, err)
			return
		}
		done(&environment{eng: e}, nil)
	}()
	return nil
}

// Shutdown closes shared resources. Live controllers must be closed
// first.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.store != nil {
		e.store.Close()
	}
}

type environment struct {
	eng *Engine
}

func (env *environment) CreateController(host core.HostWindow, done func(core.Controller, error)) error {
	if host == nil {
		return errors.New("nil host window")
	}
	ctrl := &controller{
		host: host,
		core: newWebCore(env.eng),
	}
	go done(ctrl, nil)
	return nil
}

// controller is the headless rendering surface: it records geometry and
// visibility and owns the page core.
type controller struct {
	host core.HostWindow

	mu      sync.Mutex
	bounds  core.Rect
	visible bool
	closed  bool

	core *webCore
}

func (c *controller) Core() (core.Core, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("controller closed")
	}
	return c.core, nil
}

func (c *controller) SetBounds(r core.Rect) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("controller closed")
	}
	c.bounds = r
	return nil
}

// Bounds reports the last applied surface rectangle.
func (c *controller) Bounds() core.Rect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bounds
}

func (c *controller) SetVisible(visible bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("controller closed")
	}
	c.visible = visible
	return nil
}

func (c *controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.core.close()
	return nil
}
