package quickjsengine

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"modernc.org/quickjs"

	"github.com/cryguy/webview/internal/domstore"
)

// consoleJS routes console calls through the registered native. The
// methods stringify their arguments up front so the native side only
// ever sees a flat message.
const consoleJS = `
(function() {
	var mk = function(level) {
		return function() {
			var parts = [];
			for (var i = 0; i < arguments.length; i++) parts.push(String(arguments[i]));
			__wvConsole(level, parts.join(' '));
		};
	};
	window.console = {
		log: mk('log'),
		info: mk('info'),
		warn: mk('warn'),
		error: mk('error'),
		debug: mk('debug')
	};
})();
`

func (c *qjsCore) installConsole(vm *quickjs.VM) error {
	if err := registerFunc(vm, "__wvConsole", func(level, msg string) {
		switch level {
		case "error":
			c.log.Warn("console", zap.String("level", level), zap.String("message", msg))
		default:
			c.log.Debug("console", zap.String("level", level), zap.String("message", msg))
		}
	}); err != nil {
		return err
	}
	return evalDiscard(vm, consoleJS)
}

func (c *qjsCore) installStorage(vm *quickjs.VM, origin string) error {
	store := c.eng.store
	natives := map[string]any{
		"__wvStorageHas": func(key string) bool {
			_, ok, err := store.Get(origin, key)
			return err == nil && ok
		},
		"__wvStorageGet": func(key string) string {
			v, _, err := store.Get(origin, key)
			if err != nil {
				c.log.Warn("storage read failed", zap.Error(err))
			}
			return v
		},
		"__wvStorageSet": func(key, value string) {
			if err := store.Set(origin, key, value); err != nil {
				c.log.Warn("storage write failed", zap.Error(err))
			}
		},
		"__wvStorageRemove": func(key string) {
			if err := store.Remove(origin, key); err != nil {
				c.log.Warn("storage remove failed", zap.Error(err))
			}
		},
		"__wvStorageClear": func() {
			if err := store.Clear(origin); err != nil {
				c.log.Warn("storage clear failed", zap.Error(err))
			}
		},
		"__wvStorageKeys": func() string {
			keys, err := store.Keys(origin)
			if err != nil || keys == nil {
				return "[]"
			}
			raw, err := json.Marshal(keys)
			if err != nil {
				return "[]"
			}
			return string(raw)
		},
	}
	for name, fn := range natives {
		if err := registerFunc(vm, name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return evalDiscard(vm, domstore.ShimJS)
}

// timersJS keeps the callback table in JS. Intervals re-arm themselves
// through the native one-shot timer, so the Go side only ever tracks
// single firings.
const timersJS = `
(function() {
	var seq = 1;
	var cbs = {};
	window.__wvFireTimer = function(id) {
		var e = cbs[id];
		if (!e) return;
		if (e.repeat) { __wvSetTimer(id, e.delay); } else { delete cbs[id]; }
		try { e.fn.apply(null, e.args); } catch (err) { console.error(String(err)); }
	};
	var arm = function(repeat, fn, delay, extra) {
		var id = seq++;
		cbs[id] = { fn: fn, args: extra, repeat: repeat, delay: delay | 0 };
		__wvSetTimer(id, delay | 0);
		return id;
	};
	window.setTimeout = function(fn, delay) {
		return arm(false, fn, delay, Array.prototype.slice.call(arguments, 2));
	};
	window.setInterval = function(fn, delay) {
		return arm(true, fn, delay, Array.prototype.slice.call(arguments, 2));
	};
	window.clearTimeout = window.clearInterval = function(id) {
		delete cbs[id];
		__wvClearTimer(id | 0);
	};
})();
`

func (c *qjsCore) installTimers(vm *quickjs.VM, p *qjsPage) error {
	if err := registerFunc(vm, "__wvSetTimer", func(id int, delayMS int) {
		p.armTimer(int64(id), delayMS)
	}); err != nil {
		return err
	}
	if err := registerFunc(vm, "__wvClearTimer", func(id int) {
		p.cancelTimer(int64(id))
	}); err != nil {
		return err
	}
	return evalDiscard(vm, timersJS)
}
