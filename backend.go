package webview

import "go.uber.org/zap"

// backendOptions is what the build-tag backend constructors get from
// the Builder.
type backendOptions struct {
	Debug  bool
	Logger *zap.Logger
}
