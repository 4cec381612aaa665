package gojaengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"

	"github.com/cryguy/webview/internal/content"
	"github.com/cryguy/webview/internal/core"
)

// initScript is a script registered to run in every future document
// before that document's own scripts.
type initScript struct {
	id string
	js string
}

// webCore implements core.Core. Each navigation tears down the current
// page and builds a fresh one: a new goja runtime on its own event
// loop, so timers and promise jobs keep running between host calls.
type webCore struct {
	eng *Engine
	log *zap.Logger

	mu          sync.Mutex
	closed      bool
	nextToken   uint64
	nextInit    uint64
	initScripts []initScript
	navHandlers map[core.Token]func(error)
	msgHandlers map[core.Token]func(string)
	page        *page
	console     *consoleLog
}

type page struct {
	loop   *eventloop.EventLoop
	url    string
	origin string
}

func newWebCore(eng *Engine) *webCore {
	return &webCore{
		eng:         eng,
		log:         eng.log,
		navHandlers: make(map[core.Token]func(error)),
		msgHandlers: make(map[core.Token]func(string)),
		console:     newConsoleLog(),
	}
}

func (c *webCore) token() core.Token {
	c.nextToken++
	return core.Token(c.nextToken)
}

// Navigate loads the document and runs its scripts asynchronously. The
// outcome is reported through the NavigationCompleted handlers.
func (c *webCore) Navigate(rawURL string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	c.mu.Unlock()
	go c.navigate(rawURL)
	return nil
}

func (c *webCore) navigate(rawURL string) {
	doc, err := c.eng.opts.Loader.Load(rawURL)
	if err != nil {
		c.fireNavigation(fmt.Errorf("loading %s: %w", rawURL, err))
		return
	}

	p := &page{
		loop:   eventloop.NewEventLoop(),
		url:    doc.URL,
		origin: doc.Origin(),
	}
	p.loop.Start()

	setup := make(chan error, 1)
	p.loop.RunOnLoop(func(vm *goja.Runtime) {
		setup <- c.setupPage(vm, p, doc)
	})
	err = <-setup

	c.mu.Lock()
	old := c.page
	c.page = p
	c.mu.Unlock()
	if old != nil {
		old.loop.Stop()
	}

	c.fireNavigation(err)
}

// setupPage installs the page globals, then runs document-created
// scripts followed by the document's own scripts, in order. Runs on
// the page's loop goroutine.
func (c *webCore) setupPage(vm *goja.Runtime, p *page, doc *content.Document) error {
	vm.Set("window", vm.GlobalObject())
	vm.Set("self", vm.GlobalObject())
	vm.Set("__wvPost", func(raw string) {
		c.deliverMessage(raw)
	})
	c.installConsole(vm)
	if err := c.installStorage(vm, p.origin); err != nil {
		return fmt.Errorf("installing storage: %w", err)
	}

	c.mu.Lock()
	inits := make([]initScript, len(c.initScripts))
	copy(inits, c.initScripts)
	c.mu.Unlock()

	for _, s := range inits {
		if _, err := vm.RunScript("init:"+s.id, s.js); err != nil {
			c.log.Warn("init script failed", zap.String("id", s.id), zap.Error(err))
		}
	}
	for i, s := range doc.Scripts {
		name := s.Src
		if name == "" {
			name = fmt.Sprintf("%s#script%d", p.url, i)
		}
		if _, err := vm.RunScript(name, s.Source); err != nil {
			c.log.Warn("document script failed", zap.String("script", name), zap.Error(err))
		}
	}
	return nil
}

func (c *webCore) fireNavigation(err error) {
	c.mu.Lock()
	handlers := make([]func(error), 0, len(c.navHandlers))
	for _, h := range c.navHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (c *webCore) deliverMessage(raw string) {
	c.mu.Lock()
	handlers := make([]func(string), 0, len(c.msgHandlers))
	for _, h := range c.msgHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (c *webCore) AddNavigationCompleted(h func(err error)) (core.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("core closed")
	}
	t := c.token()
	c.navHandlers[t] = h
	return t, nil
}

func (c *webCore) RemoveNavigationCompleted(t core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.navHandlers, t)
	return nil
}

func (c *webCore) AddWebMessageReceived(h func(raw string)) (core.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("core closed")
	}
	t := c.token()
	c.msgHandlers[t] = h
	return t, nil
}

func (c *webCore) RemoveWebMessageReceived(t core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.msgHandlers, t)
	return nil
}

func (c *webCore) AddScriptToExecuteOnDocumentCreated(js string, done func(id string, err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	c.nextInit++
	id := strconv.FormatUint(c.nextInit, 10)
	c.initScripts = append(c.initScripts, initScript{id: id, js: js})
	c.mu.Unlock()
	go done(id, nil)
	return nil
}

// ExecuteScript evaluates js in the current document and reports the
// JSON-encoded result. Fails synchronously when no document is loaded.
func (c *webCore) ExecuteScript(js string, done func(resultJSON string, err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	p := c.page
	c.mu.Unlock()
	if p == nil {
		return errors.New("no document loaded")
	}
	p.loop.RunOnLoop(func(vm *goja.Runtime) {
		v, err := vm.RunString(js)
		if err != nil {
			done("", err)
			return
		}
		done(encodeResult(vm, v))
	})
	return nil
}

// encodeResult mirrors how native engines report evaluation results:
// the value is serialized to JSON, and anything unserializable comes
// back as null.
func encodeResult(vm *goja.Runtime, v goja.Value) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "null", nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return "null", nil
	}
	return string(raw), nil
}

func (c *webCore) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	p := c.page
	c.page = nil
	c.navHandlers = map[core.Token]func(error){}
	c.msgHandlers = map[core.Token]func(string){}
	c.mu.Unlock()
	if p != nil {
		p.loop.Stop()
	}
}
