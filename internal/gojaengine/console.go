package gojaengine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const maxConsoleEntries = 1000

// ConsoleEntry is one captured console call from page script.
type ConsoleEntry struct {
	Level   string
	Message string
	Time    time.Time
}

type consoleLog struct {
	mu      sync.Mutex
	entries []ConsoleEntry
}

func newConsoleLog() *consoleLog {
	return &consoleLog{}
}

func (l *consoleLog) add(e ConsoleEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > maxConsoleEntries {
		l.entries = l.entries[len(l.entries)-maxConsoleEntries:]
	}
}

func (l *consoleLog) snapshot() []ConsoleEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConsoleEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ConsoleEntries returns the captured console output across all
// documents this core has hosted, oldest first.
func (c *webCore) ConsoleEntries() []ConsoleEntry {
	return c.console.snapshot()
}

// installConsole wires console.log and friends to the capture buffer
// and the host logger. Runs on the loop goroutine.
func (c *webCore) installConsole(vm *goja.Runtime) {
	obj := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		obj.Set(level, func(call goja.FunctionCall) goja.Value {
			msg := formatConsoleArgs(call.Arguments)
			c.console.add(ConsoleEntry{Level: level, Message: msg, Time: time.Now()})
			switch level {
			case "error":
				c.log.Warn("console", zap.String("level", level), zap.String("message", msg))
			default:
				c.log.Debug("console", zap.String("level", level), zap.String("message", msg))
			}
			return goja.Undefined()
		})
	}
	vm.Set("console", obj)
}

func formatConsoleArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a.Export())
	}
	return strings.Join(parts, " ")
}
