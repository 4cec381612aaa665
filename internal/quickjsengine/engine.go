// Package quickjsengine is a headless page environment on the QuickJS
// engine via its pure-Go C transpilation. It trades the goja backend's
// simplicity for an engine with genuine ES2023 coverage, at the cost
// of a per-page OS thread. Selected with the quickjs build tag.
package quickjsengine

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
	Loader *content.Loader
	// DataDir persists DOM storage between runs.
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

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Loader == nil {
		opts.Loader = &content.Loader{}
	}
	return &Engine{opts: opts, log: log.Named("quickjs")}
}

func (e *Engine) Name() string { return "quickjs" }

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
		core: newQjsCore(env.eng),
	}
	go done(ctrl, nil)
	return nil
}

type controller struct {
	host core.HostWindow

	mu      sync.Mutex
	bounds  core.Rect
	visible bool
	closed  bool

	core *qjsCore
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
