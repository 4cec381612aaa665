package quickjsengine

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"modernc.org/quickjs"

	"github.com/cryguy/webview/internal/content"
	"github.com/cryguy/webview/internal/core"
)

type initScript struct {
	id string
	js string
}

// qjsCore implements core.Core. Each navigation spins up a fresh VM on
// a dedicated locked OS thread; all VM access goes through that thread
// via the page's command channel.
type qjsCore struct {
	eng *Engine
	log *zap.Logger

	mu          sync.Mutex
	closed      bool
	nextToken   uint64
	nextInit    uint64
	initScripts []initScript
	navHandlers map[core.Token]func(error)
	msgHandlers map[core.Token]func(string)
	page        *qjsPage
}

func newQjsCore(eng *Engine) *qjsCore {
	return &qjsCore{
		eng:         eng,
		log:         eng.log,
		navHandlers: make(map[core.Token]func(error)),
		msgHandlers: make(map[core.Token]func(string)),
	}
}

// qjsPage owns one VM. Commands run in submission order on the VM
// thread, and pending microtasks are drained after each one.
type qjsPage struct {
	cmds chan func(*quickjs.VM)
	done chan struct{}
	stop sync.Once

	timersMu sync.Mutex
	timers   map[int64]*time.Timer
}

// startPage launches the VM thread. The returned error channel reports
// VM creation failure.
func startPage() (*qjsPage, <-chan error) {
	p := &qjsPage{
		cmds:   make(chan func(*quickjs.VM)),
		done:   make(chan struct{}),
		timers: make(map[int64]*time.Timer),
	}
	startErr := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		vm, err := quickjs.NewVM()
		if err != nil {
			startErr <- fmt.Errorf("creating quickjs vm: %w", err)
			p.close()
			return
		}
		startErr <- nil
		defer vm.Close()
		for {
			select {
			case f := <-p.cmds:
				f(vm)
				drainJobs(vm)
			case <-p.done:
				return
			}
		}
	}()
	return p, startErr
}

// post runs f on the VM thread. Reports false once the page is closed.
func (p *qjsPage) post(f func(*quickjs.VM)) bool {
	select {
	case p.cmds <- f:
		return true
	case <-p.done:
		return false
	}
}

// armTimer schedules __wvFireTimer(id) on the VM thread after delayMS.
// Re-arming an id replaces its previous schedule.
func (p *qjsPage) armTimer(id int64, delayMS int) {
	if delayMS < 0 {
		delayMS = 0
	}
	t := time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
		p.timersMu.Lock()
		if p.timers != nil {
			delete(p.timers, id)
		}
		p.timersMu.Unlock()
		p.post(func(vm *quickjs.VM) {
			if err := evalDiscard(vm, fmt.Sprintf("__wvFireTimer(%d);", id)); err != nil {
				return
			}
		})
	})
	p.timersMu.Lock()
	if p.timers == nil {
		p.timersMu.Unlock()
		t.Stop()
		return
	}
	if old, ok := p.timers[id]; ok {
		old.Stop()
	}
	p.timers[id] = t
	p.timersMu.Unlock()
}

func (p *qjsPage) cancelTimer(id int64) {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

func (p *qjsPage) close() {
	p.stop.Do(func() {
		close(p.done)
		p.timersMu.Lock()
		for _, t := range p.timers {
			t.Stop()
		}
		p.timers = nil
		p.timersMu.Unlock()
	})
}

func (c *qjsCore) token() core.Token {
	c.nextToken++
	return core.Token(c.nextToken)
}

func (c *qjsCore) Navigate(rawURL string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	c.mu.Unlock()
	go c.navigate(rawURL)
	return nil
}

func (c *qjsCore) navigate(rawURL string) {
	doc, err := c.eng.opts.Loader.Load(rawURL)
	if err != nil {
		c.fireNavigation(fmt.Errorf("loading %s: %w", rawURL, err))
		return
	}

	p, startErr := startPage()
	if err := <-startErr; err != nil {
		c.fireNavigation(err)
		return
	}

	c.mu.Lock()
	inits := make([]initScript, len(c.initScripts))
	copy(inits, c.initScripts)
	c.mu.Unlock()

	setup := make(chan error, 1)
	p.post(func(vm *quickjs.VM) {
		setup <- c.setupPage(vm, p, doc, inits)
	})
	err = <-setup

	c.mu.Lock()
	old := c.page
	c.page = p
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	c.fireNavigation(err)
}

// setupPage installs the page globals, then runs the registered init
// scripts followed by the document's scripts. Runs on the VM thread.
func (c *qjsCore) setupPage(vm *quickjs.VM, p *qjsPage, doc *content.Document, inits []initScript) error {
	if err := evalDiscard(vm, "var window = globalThis; var self = globalThis;"); err != nil {
		return fmt.Errorf("installing window alias: %w", err)
	}
	if err := registerFunc(vm, "__wvPost", func(raw string) {
		c.deliverMessage(raw)
	}); err != nil {
		return fmt.Errorf("installing message bridge: %w", err)
	}
	if err := c.installConsole(vm); err != nil {
		return fmt.Errorf("installing console: %w", err)
	}
	if err := c.installStorage(vm, doc.Origin()); err != nil {
		return fmt.Errorf("installing storage: %w", err)
	}
	if err := c.installTimers(vm, p); err != nil {
		return fmt.Errorf("installing timers: %w", err)
	}

	for _, s := range inits {
		if err := evalDiscard(vm, s.js); err != nil {
			c.log.Warn("init script failed", zap.String("id", s.id), zap.Error(err))
		}
		drainJobs(vm)
	}
	for i, s := range doc.Scripts {
		name := s.Src
		if name == "" {
			name = fmt.Sprintf("script %d", i)
		}
		if err := evalDiscard(vm, s.Source); err != nil {
			c.log.Warn("document script failed", zap.String("script", name), zap.Error(err))
		}
		drainJobs(vm)
	}
	return nil
}

func (c *qjsCore) fireNavigation(err error) {
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

func (c *qjsCore) deliverMessage(raw string) {
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

func (c *qjsCore) AddNavigationCompleted(h func(err error)) (core.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("core closed")
	}
	t := c.token()
	c.navHandlers[t] = h
	return t, nil
}

func (c *qjsCore) RemoveNavigationCompleted(t core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.navHandlers, t)
	return nil
}

func (c *qjsCore) AddWebMessageReceived(h func(raw string)) (core.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("core closed")
	}
	t := c.token()
	c.msgHandlers[t] = h
	return t, nil
}

func (c *qjsCore) RemoveWebMessageReceived(t core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.msgHandlers, t)
	return nil
}

func (c *qjsCore) AddScriptToExecuteOnDocumentCreated(js string, done func(id string, err error)) error {
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

func (c *qjsCore) ExecuteScript(js string, done func(resultJSON string, err error)) error {
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
	ok := p.post(func(vm *quickjs.VM) {
		wrapped := fmt.Sprintf(
			"(function() { var r = eval(%q); var s = JSON.stringify(r === undefined ? null : r); return s === undefined ? \"null\" : s; })()",
			js)
		result, err := vm.Eval(wrapped, quickjs.EvalGlobal)
		if err != nil {
			done("", err)
			return
		}
		s, ok := result.(string)
		if !ok {
			s = "null"
		}
		done(s, nil)
	})
	if !ok {
		return errors.New("page unloaded")
	}
	return nil
}

func (c *qjsCore) close() {
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
		p.close()
	}
}

// evalDiscard evaluates js and frees the result.
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// registerFunc registers fn as a global JS function. The wrapper
// unwraps the array the Go binding produces for (T, error) returns,
// turning the error half into a thrown TypeError.
func registerFunc(vm *quickjs.VM, name string, fn any) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return evalDiscard(vm, wrapJS)
}
