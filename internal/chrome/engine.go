package chrome

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/webview/internal/core"
)

const defaultCallTimeout = 30 * time.Second

// Options configures the backend. Set DebugURL to attach to a browser
// that is already running with remote debugging enabled; otherwise a
// headless instance is launched from Path.
type Options struct {
	DebugURL string
	Path     string
	Args     []string
	Logger   *zap.Logger
	// CallTimeout bounds each protocol command. Zero means 30s.
	CallTimeout time.Duration
}

// Engine implements core.Backend.
type Engine struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	client *client
	proc   *exec.Cmd
	tmpDir string
	closed bool
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Engine{opts: opts, log: log.Named("chrome")}
}

func (e *Engine) Name() string { return "chrome" }

func (e *Engine) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.opts.CallTimeout)
}

func (e *Engine) NewEnvironment(done func(core.Environment, error)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine shut down")
	}
	e.mu.Unlock()
	go func() {
		cl, err := e.connect()
		if err != nil {
			done(nil, err)
			return
		}
		done(&environment{eng: e, client: cl}, nil)
	}()
	return nil
}

func (e *Engine) connect() (*client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	wsURL := e.opts.DebugURL
	if wsURL == "" {
		var err error
		wsURL, err = e.launch()
		if err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CallTimeout)
	defer cancel()
	cl, err := dial(ctx, wsURL, e.log)
	if err != nil {
		return nil, err
	}
	e.client = cl
	return cl, nil
}

// launch starts a headless browser and returns its debugging socket
// URL, scraped from the "DevTools listening on" stderr line.
func (e *Engine) launch() (string, error) {
	path := e.opts.Path
	if path == "" {
		return "", errors.New("no browser path and no debug URL configured")
	}
	tmpDir, err := os.MkdirTemp("", "webview-chrome-*")
	if err != nil {
		return "", fmt.Errorf("creating profile dir: %w", err)
	}
	args := []string{
		"--headless=new",
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		"--user-data-dir=" + tmpDir,
	}
	args = append(args, e.opts.Args...)
	args = append(args, "about:blank")
	cmd := exec.Command(path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("piping browser stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("starting browser: %w", err)
	}

	urlCh := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			if rest, ok := strings.CutPrefix(line, "DevTools listening on "); ok {
				urlCh <- strings.TrimSpace(rest)
				break
			}
		}
		close(urlCh)
		// Drain so the browser never blocks on a full pipe.
		for sc.Scan() {
		}
	}()

	select {
	case wsURL, ok := <-urlCh:
		if !ok || wsURL == "" {
			cmd.Process.Kill()
			os.RemoveAll(tmpDir)
			return "", errors.New("browser exited before announcing its debug socket")
		}
		e.proc = cmd
		e.tmpDir = tmpDir
		return wsURL, nil
	case <-time.After(e.opts.CallTimeout):
		cmd.Process.Kill()
		os.RemoveAll(tmpDir)
		return "", errors.New("timed out waiting for the browser debug socket")
	}
}

func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		e.client.Call(ctx, "", "Browser.close", nil, nil)
		cancel()
		e.client.Close()
	}
	if e.proc != nil {
		e.proc.Process.Kill()
		e.proc.Wait()
	}
	if e.tmpDir != "" {
		os.RemoveAll(e.tmpDir)
	}
}

type environment struct {
	eng    *Engine
	client *client
}

// CreateController opens a fresh page target and attaches a flattened
// session to it.
func (env *environment) CreateController(host core.HostWindow, done func(core.Controller, error)) error {
	if host == nil {
		return errors.New("nil host window")
	}
	go func() {
		ctrl, err := env.open()
		if err != nil {
			done(nil, err)
			return
		}
		done(ctrl, nil)
	}()
	return nil
}

func (env *environment) open() (*controller, error) {
	ctx, cancel := env.eng.callCtx()
	defer cancel()

	var created struct {
		TargetID string `json:"targetId"`
	}
	err := env.client.Call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created)
	if err != nil {
		return nil, err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = env.client.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		return nil, err
	}

	c := newChromeCore(env.eng, env.client, attached.SessionID)
	if err := c.enable(ctx); err != nil {
		env.client.DropSession(attached.SessionID)
		return nil, err
	}
	return &controller{
		eng:      env.eng,
		client:   env.client,
		targetID: created.TargetID,
		core:     c,
	}, nil
}

type controller struct {
	eng      *Engine
	client   *client
	targetID string

	mu     sync.Mutex
	closed bool

	core *chromeCore
}

func (c *controller) Core() (core.Core, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("controller closed")
	}
	return c.core, nil
}

// SetBounds resizes the browser window hosting the target. Headless
// browsers without a window report an error, which callers treat as
// advisory.
func (c *controller) SetBounds(r core.Rect) error {
	ctx, cancel := c.eng.callCtx()
	defer cancel()
	var win struct {
		WindowID int `json:"windowId"`
	}
	err := c.client.Call(ctx, "", "Browser.getWindowForTarget", map[string]any{"targetId": c.targetID}, &win)
	if err != nil {
		return err
	}
	return c.client.Call(ctx, "", "Browser.setWindowBounds", map[string]any{
		"windowId": win.WindowID,
		"bounds": map[string]any{
			"left":   r.Left,
			"top":    r.Top,
			"width":  r.Width(),
			"height": r.Height(),
		},
	}, nil)
}

func (c *controller) SetVisible(visible bool) error {
	if !visible {
		return nil
	}
	ctx, cancel := c.eng.callCtx()
	defer cancel()
	return c.client.Call(ctx, "", "Target.activateTarget", map[string]any{"targetId": c.targetID}, nil)
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
	ctx, cancel := c.eng.callCtx()
	defer cancel()
	err := c.client.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": c.targetID}, nil)
	c.client.DropSession(c.core.sessionID)
	return err
}

// chromeCore implements core.Core over one page session.
type chromeCore struct {
	eng       *Engine
	client    *client
	sessionID string

	mu          sync.Mutex
	closed      bool
	nextToken   uint64
	navHandlers map[core.Token]func(error)
	msgHandlers map[core.Token]func(string)
	bindingUp   bool
}

func newChromeCore(eng *Engine, cl *client, sessionID string) *chromeCore {
	return &chromeCore{
		eng:         eng,
		client:      cl,
		sessionID:   sessionID,
		navHandlers: make(map[core.Token]func(error)),
		msgHandlers: make(map[core.Token]func(string)),
	}
}

// enable turns on the Page and Runtime domains and subscribes to the
// events the core translates into engine callbacks.
func (c *chromeCore) enable(ctx context.Context) error {
	if err := c.client.Call(ctx, c.sessionID, "Page.enable", nil, nil); err != nil {
		return err
	}
	if err := c.client.Call(ctx, c.sessionID, "Runtime.enable", nil, nil); err != nil {
		return err
	}
	c.client.OnEvent(c.sessionID, "Page.loadEventFired", func(json.RawMessage) {
		c.fireNavigation(nil)
	})
	c.client.OnEvent(c.sessionID, "Runtime.bindingCalled", func(params json.RawMessage) {
		var ev struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(params, &ev); err != nil || ev.Name != "__wvPost" {
			return
		}
		c.deliverMessage(ev.Payload)
	})
	return nil
}

func (c *chromeCore) token() core.Token {
	c.nextToken++
	return core.Token(c.nextToken)
}

func (c *chromeCore) Navigate(rawURL string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	c.mu.Unlock()
	go func() {
		ctx, cancel := c.eng.callCtx()
		defer cancel()
		var res struct {
			ErrorText string `json:"errorText"`
		}
		err := c.client.Call(ctx, c.sessionID, "Page.navigate", map[string]any{"url": rawURL}, &res)
		if err == nil && res.ErrorText != "" {
			err = fmt.Errorf("navigation failed: %s", res.ErrorText)
		}
		if err != nil {
			c.fireNavigation(err)
		}
		// Success is reported by Page.loadEventFired.
	}()
	return nil
}

func (c *chromeCore) fireNavigation(err error) {
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

func (c *chromeCore) deliverMessage(raw string) {
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

func (c *chromeCore) AddNavigationCompleted(h func(err error)) (core.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("core closed")
	}
	t := c.token()
	c.navHandlers[t] = h
	return t, nil
}

func (c *chromeCore) RemoveNavigationCompleted(t core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.navHandlers, t)
	return nil
}

// AddWebMessageReceived installs the page-to-host binding on first use.
func (c *chromeCore) AddWebMessageReceived(h func(raw string)) (core.Token, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("core closed")
	}
	needBinding := !c.bindingUp
	c.bindingUp = true
	t := c.token()
	c.msgHandlers[t] = h
	c.mu.Unlock()

	if needBinding {
		ctx, cancel := c.eng.callCtx()
		defer cancel()
		if err := c.client.Call(ctx, c.sessionID, "Runtime.addBinding", map[string]any{"name": "__wvPost"}, nil); err != nil {
			c.mu.Lock()
			delete(c.msgHandlers, t)
			c.bindingUp = false
			c.mu.Unlock()
			return 0, err
		}
	}
	return t, nil
}

func (c *chromeCore) RemoveWebMessageReceived(t core.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.msgHandlers, t)
	return nil
}

func (c *chromeCore) AddScriptToExecuteOnDocumentCreated(js string, done func(id string, err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	c.mu.Unlock()
	go func() {
		ctx, cancel := c.eng.callCtx()
		defer cancel()
		var res struct {
			Identifier string `json:"identifier"`
		}
		err := c.client.Call(ctx, c.sessionID, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": js}, &res)
		done(res.Identifier, err)
	}()
	return nil
}

func (c *chromeCore) ExecuteScript(js string, done func(resultJSON string, err error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	c.mu.Unlock()
	go func() {
		ctx, cancel := c.eng.callCtx()
		defer cancel()
		var res struct {
			Result struct {
				Value json.RawMessage `json:"value"`
			} `json:"result"`
			ExceptionDetails *struct {
				Text      string `json:"text"`
				Exception *struct {
					Description string `json:"description"`
				} `json:"exception"`
			} `json:"exceptionDetails"`
		}
		err := c.client.Call(ctx, c.sessionID, "Runtime.evaluate", map[string]any{
			"expression":    js,
			"returnByValue": true,
		}, &res)
		if err != nil {
			done("", err)
			return
		}
		if ed := res.ExceptionDetails; ed != nil {
			msg := ed.Text
			if ed.Exception != nil && ed.Exception.Description != "" {
				msg = ed.Exception.Description
			}
			done("", fmt.Errorf("script threw: %s", msg))
			return
		}
		if res.Result.Value == nil {
			done("null", nil)
			return
		}
		done(string(res.Result.Value), nil)
	}()
	return nil
}

func (c *chromeCore) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.navHandlers = map[core.Token]func(error){}
	c.msgHandlers = map[core.Token]func(string){}
}
