package quickjsengine

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/webview/internal/core"
)

type stubWindow struct{}

func (stubWindow) ID() uint64            { return 1 }
func (stubWindow) ClientRect() core.Rect { return core.Rect{Right: 640, Bottom: 480} }

func newTestCore(t *testing.T) core.Core {
	t.Helper()
	eng := New(Options{})
	t.Cleanup(eng.Shutdown)

	envCh := make(chan core.Environment, 1)
	errCh := make(chan error, 1)
	if err := eng.NewEnvironment(func(env core.Environment, err error) {
		if err != nil {
			errCh <- err
			return
		}
		envCh <- env
	}); err != nil {
		t.Fatalf("new environment: %v", err)
	}
	var env core.Environment
	select {
	case env = <-envCh:
	case err := <-errCh:
		t.Fatalf("environment creation failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("environment creation timed out")
	}

	ctrlCh := make(chan core.Controller, 1)
	if err := env.CreateController(stubWindow{}, func(ctrl core.Controller, err error) {
		if err != nil {
			errCh <- err
			return
		}
		ctrlCh <- ctrl
	}); err != nil {
		t.Fatalf("create controller: %v", err)
	}
	var ctrl core.Controller
	select {
	case ctrl = <-ctrlCh:
	case err := <-errCh:
		t.Fatalf("controller creation failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller creation timed out")
	}
	t.Cleanup(func() { ctrl.Close() })

	c, err := ctrl.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	return c
}

func navigate(t *testing.T, c core.Core, html string) {
	t.Helper()
	done := make(chan error, 1)
	token, err := c.AddNavigationCompleted(func(err error) { done <- err })
	if err != nil {
		t.Fatalf("subscribe navigation: %v", err)
	}
	defer c.RemoveNavigationCompleted(token)
	if err := c.Navigate("data:text/html," + url.PathEscape(html)); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("navigation failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("navigation timed out")
	}
}

func eval(t *testing.T, c core.Core, js string) string {
	t.Helper()
	type result struct {
		json string
		err  error
	}
	done := make(chan result, 1)
	if err := c.ExecuteScript(js, func(resultJSON string, err error) {
		done <- result{resultJSON, err}
	}); err != nil {
		t.Fatalf("execute %q: %v", js, err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("script %q failed: %v", js, r.err)
		}
		return r.json
	case <-time.After(10 * time.Second):
		t.Fatalf("script %q timed out", js)
		return ""
	}
}

func TestQuickJS_DocumentScriptsAndEval(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html><script>window.__mark = "ran"; window.__n = 6 * 7;</script></html>`)

	if got := eval(t, c, "window.__mark"); got != `"ran"` {
		t.Errorf("got %s, want \"ran\"", got)
	}
	if got := eval(t, c, "window.__n"); got != "42" {
		t.Errorf("got %s, want 42", got)
	}
}

func TestQuickJS_MessageBridge(t *testing.T) {
	c := newTestCore(t)

	var mu sync.Mutex
	var got []string
	if _, err := c.AddWebMessageReceived(func(raw string) {
		mu.Lock()
		got = append(got, raw)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	navigate(t, c, `<html><script>__wvPost("ping");</script></html>`)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "ping" {
		t.Errorf("messages %v, want [ping]", got)
	}
}

func TestQuickJS_PromisesSettle(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html><script>
		Promise.resolve(21).then(function(v) { window.__v = v * 2; });
	</script></html>`)

	if got := eval(t, c, "window.__v"); got != "42" {
		t.Errorf("got %s, want 42", got)
	}
}

func TestQuickJS_Timers(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html><script>
		window.__fired = false;
		setTimeout(function() { window.__fired = true; }, 10);
		var cancelled = setTimeout(function() { window.__oops = true; }, 10);
		clearTimeout(cancelled);
	</script></html>`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if eval(t, c, "window.__fired") == "true" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := eval(t, c, "window.__fired"); got != "true" {
		t.Fatalf("timer never fired: %s", got)
	}
	if got := eval(t, c, "window.__oops === undefined"); got != "true" {
		t.Error("cleared timer fired")
	}
}

func TestQuickJS_LocalStorage(t *testing.T) {
	c := newTestCore(t)

	navigate(t, c, `<html><script>localStorage.setItem("k", "v");</script></html>`)
	navigate(t, c, `<html><script>window.__k = localStorage.getItem("k");</script></html>`)

	if got := eval(t, c, "window.__k"); got != `"v"` {
		t.Errorf("got %s, want \"v\"", got)
	}
}
