//go:build quickjs

package webview

import (
	"github.com/cryguy/webview/internal/core"
	"github.com/cryguy/webview/internal/quickjsengine"
)

// newBackend returns the QuickJS engine, selected with -tags quickjs.
func newBackend(opts backendOptions) core.Backend {
	return quickjsengine.New(quickjsengine.Options{
		Debug:  opts.Debug,
		Logger: opts.Logger,
	})
}
