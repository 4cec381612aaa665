// Command counter is a small host application: it opens a view on a
// local page, exposes two host functions to it, and pushes periodic
// updates back into the page from a background goroutine.
package main

import (
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/webview"
)

const pageHTML = `<!DOCTYPE html>
<html>
<head><title>Counter</title></head>
<body>
<p id="sum"></p>
<p id="total"></p>
<p id="clock"></p>
<script>
window.add(2, 6).then(function(r) {
	document.getElementById('sum').textContent = '2 + 6 = ' + r;
	window.__sum = r;
});
window.charge(5).then(function(total) {
	document.getElementById('total').textContent = 'charged, total ' + total;
	window.__total = total;
});
window.tick = function(now) {
	document.getElementById('clock').textContent = now;
};
</script>
</body>
</html>`

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	w, err := webview.Builder{
		Title:  "Counter",
		Width:  480,
		Height: 320,
		Debug:  true,
		Logger: logger,
	}.Build()
	if err != nil {
		logger.Fatal("building view", zap.Error(err))
	}
	defer w.Close()

	if err := w.BindFunc("add", func(a, b float64) float64 {
		return a + b
	}); err != nil {
		logger.Fatal("binding add", zap.Error(err))
	}

	var mu sync.Mutex
	total := 0.0
	if err := w.BindFunc("charge", func(amount float64) (float64, error) {
		if amount <= 0 {
			return 0, fmt.Errorf("amount must be positive, got %v", amount)
		}
		mu.Lock()
		defer mu.Unlock()
		total += amount
		return total, nil
	}); err != nil {
		logger.Fatal("binding charge", zap.Error(err))
	}

	if err := w.Navigate("data:text/html," + url.PathEscape(pageHTML)); err != nil {
		logger.Fatal("navigating", zap.Error(err))
	}

	// Push the time into the page once a second until the window goes
	// away.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now().Format(time.TimeOnly)
			err := w.Dispatch(func(w *webview.WebView) error {
				return w.Eval(fmt.Sprintf("window.tick(%q);", now))
			})
			if err != nil {
				return
			}
		}
	}()

	if err := w.Run(); err != nil {
		logger.Fatal("running", zap.Error(err))
	}
}
