package gojaengine

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/webview/internal/core"
)

type stubWindow struct{}

func (stubWindow) ID() uint64           { return 1 }
func (stubWindow) ClientRect() core.Rect { return core.Rect{Right: 640, Bottom: 480} }

// newTestCore stands a full backend up and returns its page core.
func newTestCore(t *testing.T) core.Core {
	t.Helper()
	eng := New(Options{})
	t.Cleanup(eng.Shutdown)

	envCh := make(chan core.Environment, 1)
	errCh := make(chan error, 1)
	err := eng.NewEnvironment(func(env core.Environment, err error) {
		if err != nil {
			errCh <- err
			return
		}
		envCh <- env
	})
	if err != nil {
		t.Fatalf("new environment: %v", err)
	}
	var env core.Environment
	select {
	case env = <-envCh:
	case err := <-errCh:
		t.Fatalf("environment creation failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("environment creation timed out")
	}

	ctrlCh := make(chan core.Controller, 1)
	err = env.CreateController(stubWindow{}, func(ctrl core.Controller, err error) {
		if err != nil {
			errCh <- err
			return
		}
		ctrlCh <- ctrl
	})
	if err != nil {
		t.Fatalf("create controller: %v", err)
	}
	var ctrl core.Controller
	select {
	case ctrl = <-ctrlCh:
	case err := <-errCh:
		t.Fatalf("controller creation failed: %v", err)
	case <-time.After(3 * time.Second):
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
	case <-time.After(3 * time.Second):
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
	case <-time.After(3 * time.Second):
		t.Fatalf("script %q timed out", js)
		return ""
	}
}

func TestEngine_DocumentScriptsRun(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html><body><script>window.__mark = "ran";</script></body></html>`)

	if got := eval(t, c, "window.__mark"); got != `"ran"` {
		t.Errorf("got %s, want \"ran\"", got)
	}
}

func TestEngine_ScriptsRunInDocumentOrder(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html>
		<script>window.__order = ["a"];</script>
		<body><script>window.__order.push("b");</script></body>
	</html>`)

	if got := eval(t, c, "window.__order.join('')"); got != `"ab"` {
		t.Errorf("got %s, want \"ab\"", got)
	}
}

func TestEngine_InitScriptsRunFirst(t *testing.T) {
	c := newTestCore(t)

	done := make(chan string, 1)
	err := c.AddScriptToExecuteOnDocumentCreated("window.__init = 'early';", func(id string, err error) {
		if err != nil {
			t.Errorf("init script: %v", err)
		}
		done <- id
	})
	if err != nil {
		t.Fatalf("add init script: %v", err)
	}
	select {
	case id := <-done:
		if id == "" {
			t.Fatal("init script id must be non-empty")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("init registration timed out")
	}

	navigate(t, c, `<html><script>window.__seen = window.__init;</script></html>`)
	if got := eval(t, c, "window.__seen"); got != `"early"` {
		t.Errorf("got %s, want \"early\"", got)
	}

	// Init scripts apply to every future document.
	navigate(t, c, `<html><script>window.__seen2 = window.__init;</script></html>`)
	if got := eval(t, c, "window.__seen2"); got != `"early"` {
		t.Errorf("second document: got %s, want \"early\"", got)
	}
}

func TestEngine_MessageBridge(t *testing.T) {
	c := newTestCore(t)

	var mu sync.Mutex
	var got []string
	token, err := c.AddWebMessageReceived(func(raw string) {
		mu.Lock()
		got = append(got, raw)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe messages: %v", err)
	}
	if token == 0 {
		t.Fatal("token must be non-zero")
	}

	navigate(t, c, `<html><script>
		window.__wvPost("one");
		window.__wvPost("two");
	</script></html>`)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("messages %v, want [one two]", got)
	}
}

func TestEngine_RemoveWebMessageReceived(t *testing.T) {
	c := newTestCore(t)

	var mu sync.Mutex
	count := 0
	token, err := c.AddWebMessageReceived(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.RemoveWebMessageReceived(token); err != nil {
		t.Fatalf("remove: %v", err)
	}

	navigate(t, c, `<html><script>window.__wvPost("dropped");</script></html>`)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("removed handler fired %d times", count)
	}
}

func TestEngine_PromisesSettle(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html><script>
		Promise.resolve(21).then(function(v) { window.__v = v * 2; });
	</script></html>`)

	if got := eval(t, c, "window.__v"); got != "42" {
		t.Errorf("got %s, want 42", got)
	}
}

func TestEngine_NavigationFailureReported(t *testing.T) {
	c := newTestCore(t)

	done := make(chan error, 1)
	token, err := c.AddNavigationCompleted(func(err error) { done <- err })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.RemoveNavigationCompleted(token)

	if err := c.Navigate("file:///definitely/not/here.html"); err != nil {
		t.Fatalf("navigate should fail asynchronously, got sync error: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("navigation to a missing file must report an error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("navigation completion timed out")
	}
}

func TestEngine_ConsoleCaptured(t *testing.T) {
	c := newTestCore(t)
	navigate(t, c, `<html><script>
		console.log("hello", 42);
		console.error("bad thing");
	</script></html>`)

	wc := c.(*webCore)
	entries := wc.ConsoleEntries()
	if len(entries) != 2 {
		t.Fatalf("captured %d entries, want 2", len(entries))
	}
	if entries[0].Level != "log" || entries[0].Message != "hello 42" {
		t.Errorf("first entry %+v", entries[0])
	}
	if entries[1].Level != "error" || entries[1].Message != "bad thing" {
		t.Errorf("second entry %+v", entries[1])
	}
}

func TestEngine_LocalStoragePersistsAcrossNavigations(t *testing.T) {
	c := newTestCore(t)

	navigate(t, c, `<html><script>
		localStorage.setItem("name", "taco");
		window.__len = localStorage.length;
	</script></html>`)
	if got := eval(t, c, "window.__len"); got != "1" {
		t.Fatalf("length after set: got %s, want 1", got)
	}

	// Same origin (data URLs collapse to "null"), fresh document.
	navigate(t, c, `<html><script>
		window.__name = localStorage.getItem("name");
		window.__missing = localStorage.getItem("nope");
	</script></html>`)
	if got := eval(t, c, "window.__name"); got != `"taco"` {
		t.Errorf("got %s, want \"taco\"", got)
	}
	if got := eval(t, c, "window.__missing"); got != "null" {
		t.Errorf("missing key: got %s, want null", got)
	}

	navigate(t, c, `<html><script>
		localStorage.removeItem("name");
		window.__after = localStorage.getItem("name");
	</script></html>`)
	if got := eval(t, c, "window.__after"); got != "null" {
		t.Errorf("after remove: got %s, want null", got)
	}
}

func TestEngine_SetBoundsRecorded(t *testing.T) {
	ctrl := &controller{host: stubWindow{}}
	want := core.Rect{Left: 0, Top: 0, Right: 300, Bottom: 200}
	if err := ctrl.SetBounds(want); err != nil {
		t.Fatalf("set bounds: %v", err)
	}
	if got := ctrl.Bounds(); got != want {
		t.Errorf("bounds %+v, want %+v", got, want)
	}
}
