package webview

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/webview/internal/core"
)

func newTestView(t *testing.T) *WebView {
	t.Helper()
	w, err := Builder{Title: "test"}.Build()
	if err != nil {
		t.Fatalf("building view: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func navigateHTML(t *testing.T, w *WebView, html string) {
	t.Helper()
	if err := w.Navigate("data:text/html," + url.PathEscape(html)); err != nil {
		t.Fatalf("navigate: %v", err)
	}
}

// waitEval polls expr on the pump until it reports want. Polling keeps
// the queue serviced, so dispatched work queued by engine callbacks
// gets to run.
func waitEval(t *testing.T, w *WebView, expr, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	last := "<never evaluated>"
	for time.Now().Before(deadline) {
		got, err := w.EvalResult(expr)
		if err == nil {
			last = got
			if got == want {
				return
			}
		} else {
			last = err.Error()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("evaluating %s: got %s, want %s", expr, last, want)
}

func TestWebView_EvalResult(t *testing.T) {
	w := newTestView(t)
	navigateHTML(t, w, "<html></html>")

	got, err := w.EvalResult("1 + 2")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "3" {
		t.Errorf("got %s, want 3", got)
	}

	got, err = w.EvalResult(`({x: "y"})`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != `{"x":"y"}` {
		t.Errorf("got %s, want {\"x\":\"y\"}", got)
	}
}

func TestWebView_EvalBeforeNavigateFails(t *testing.T) {
	w := newTestView(t)
	if _, err := w.EvalResult("1"); err == nil {
		t.Fatal("eval with no document should fail")
	}
}

func TestWebView_BindRoundTrip(t *testing.T) {
	w := newTestView(t)
	if err := w.BindFunc("add", func(a, b float64) float64 {
		return a + b
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.add(2, 6).then(function(r) { window.__sum = r; });
	</script></html>`)

	waitEval(t, w, "window.__sum", "8")
}

func TestWebView_BindErrorRejectsPromise(t *testing.T) {
	w := newTestView(t)
	if err := w.Bind("fail", func([]any) (any, error) {
		return nil, errors.New("kablammo")
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.fail().then(
			function() { window.__out = "resolved"; },
			function(e) { window.__out = "rejected: " + e; }
		);
	</script></html>`)

	waitEval(t, w, "window.__out", `"rejected: kablammo"`)
}

func TestWebView_RebindLastWriteWins(t *testing.T) {
	w := newTestView(t)
	if err := w.Bind("who", func([]any) (any, error) { return "first", nil }); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := w.Bind("who", func([]any) (any, error) { return "second", nil }); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.who().then(function(r) { window.__who = r; });
	</script></html>`)

	waitEval(t, w, "window.__who", `"second"`)
}

func TestWebView_UnknownMethodRejects(t *testing.T) {
	w := newTestView(t)
	navigateHTML(t, w, `<html><script>
		window._rpc = {nextSeq: 2};
		window._rpc[1] = {
			resolve: function() { window.__out = "resolved"; },
			reject: function(e) { window.__out = "rejected: " + e; }
		};
		window.external.invoke(JSON.stringify({id: 1, method: "ghost", params: []}));
	</script></html>`)

	waitEval(t, w, "window.__out", `"rejected: unknown method \"ghost\""`)
}

func TestWebView_MalformedMessagesDropped(t *testing.T) {
	w := newTestView(t)
	if err := w.BindFunc("echo", func(s string) string { return s }); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// Garbage first; the well-formed call after it must still settle.
	navigateHTML(t, w, `<html><script>
		window.external.invoke("{this is not json");
		window.external.invoke(JSON.stringify({method: "echo", params: ["no id"]}));
		window.echo("still alive").then(function(r) { window.__echo = r; });
	</script></html>`)

	waitEval(t, w, "window.__echo", `"still alive"`)
}

func TestWebView_ChargeAcrossDispatches(t *testing.T) {
	w := newTestView(t)

	var mu sync.Mutex
	total := 0
	if err := w.BindFunc("charge", func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		total += n
		return total
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	navigateHTML(t, w, `<html><script>window.__done = 0;</script></html>`)

	// Three callers on their own goroutines, each handing the pump one
	// page call.
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			err := w.Dispatch(func(w *WebView) error {
				return w.Eval(fmt.Sprintf(
					"window.charge(%d).then(function() { window.__done++; });", i))
			})
			if err != nil {
				t.Errorf("dispatch %d: %v", i, err)
			}
		}()
	}

	waitEval(t, w, "window.__done", "3")
	mu.Lock()
	defer mu.Unlock()
	if total != 6 {
		t.Errorf("total = %d, want 6", total)
	}
}

func TestWebView_CorrelationResetsPerNavigation(t *testing.T) {
	w := newTestView(t)
	if err := w.BindFunc("add", func(a, b float64) float64 { return a + b }); err != nil {
		t.Fatalf("bind: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.add(1, 1).then(function(r) { window.__sum = r; });
	</script></html>`)
	waitEval(t, w, "window.__sum", "2")

	// A fresh document starts a fresh id space; settling must hit the
	// new page's promise, not a stale slot.
	navigateHTML(t, w, `<html><script>
		window.add(2, 2).then(function(r) { window.__sum = r; });
	</script></html>`)
	waitEval(t, w, "window.__sum", "4")
}

func TestWebView_InitRunsBeforeDocumentScripts(t *testing.T) {
	w := newTestView(t)
	if err := w.Init("window.__fromInit = 'ready';"); err != nil {
		t.Fatalf("init: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.__seen = window.__fromInit || "missing";
	</script></html>`)

	waitEval(t, w, "window.__seen", `"ready"`)
}

func TestWebView_ResizeTracksSurface(t *testing.T) {
	w := newTestView(t)
	navigateHTML(t, w, "<html></html>")

	if err := w.SetSize(321, 234); err != nil {
		t.Fatalf("set size: %v", err)
	}
	// Pump once so the size event reaches the surface listener.
	if err := w.Eval("0"); err != nil {
		t.Fatalf("eval: %v", err)
	}

	b, ok := w.ctrl.(interface{ Bounds() core.Rect })
	if !ok {
		t.Skip("backend does not expose applied bounds")
	}
	r := b.Bounds()
	if r.Left != 0 || r.Top != 0 || r.Width() != 321 || r.Height() != 234 {
		t.Errorf("surface bounds %+v, want origin (0,0) size 321x234", r)
	}
}

func TestWebView_TerminateStopsRun(t *testing.T) {
	w := newTestView(t)
	navigateHTML(t, w, "<html></html>")

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Dispatch(func(w *WebView) error {
			w.Terminate()
			return nil
		})
	}()

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Terminate")
	}
}

func TestWebView_BindFuncVariadic(t *testing.T) {
	w := newTestView(t)
	if err := w.BindFunc("concat", func(sep string, parts ...string) string {
		return strings.Join(parts, sep)
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.concat("-", "a", "b", "c").then(function(r) { window.__cat = r; });
	</script></html>`)

	waitEval(t, w, "window.__cat", `"a-b-c"`)
}

func TestWebView_BindFuncArgumentMismatchRejects(t *testing.T) {
	w := newTestView(t)
	if err := w.BindFunc("two", func(a, b int) int { return a + b }); err != nil {
		t.Fatalf("bind: %v", err)
	}

	navigateHTML(t, w, `<html><script>
		window.two(1).then(
			function() { window.__out = "resolved"; },
			function(e) { window.__out = "rejected"; }
		);
	</script></html>`)

	waitEval(t, w, "window.__out", `"rejected"`)
}
