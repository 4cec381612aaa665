//go:build !quickjs

package webview

import (
	"github.com/cryguy/webview/internal/core"
	"github.com/cryguy/webview/internal/gojaengine"
)

// newBackend returns the default headless engine (goja). Build with
// -tags quickjs for the QuickJS engine instead.
func newBackend(opts backendOptions) core.Backend {
	return gojaengine.New(gojaengine.Options{
		Debug:  opts.Debug,
		Logger: opts.Logger,
	})
}
