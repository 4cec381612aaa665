package gojaengine

import (
	"encoding/json"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/cryguy/webview/internal/domstore"
)

// installStorage binds the storage natives for the page's origin and
// evaluates the localStorage facade. Runs on the loop goroutine.
func (c *webCore) installStorage(vm *goja.Runtime, origin string) error {
	store := c.eng.store
	vm.Set("__wvStorageHas", func(key string) bool {
		_, ok, err := store.Get(origin, key)
		return err == nil && ok
	})
	vm.Set("__wvStorageGet", func(key string) string {
		v, _, err := store.Get(origin, key)
		if err != nil {
			c.log.Warn("storage read failed", zap.Error(err))
		}
		return v
	})
	vm.Set("__wvStorageSet", func(key, value string) {
		if err := store.Set(origin, key, value); err != nil {
			c.log.Warn("storage write failed", zap.Error(err))
		}
	})
	vm.Set("__wvStorageRemove", func(key string) {
		if err := store.Remove(origin, key); err != nil {
			c.log.Warn("storage remove failed", zap.Error(err))
		}
	})
	vm.Set("__wvStorageClear", func() {
		if err := store.Clear(origin); err != nil {
			c.log.Warn("storage clear failed", zap.Error(err))
		}
	})
	vm.Set("__wvStorageKeys", func() string {
		keys, err := store.Keys(origin)
		if err != nil || keys == nil {
			return "[]"
		}
		raw, err := json.Marshal(keys)
		if err != nil {
			return "[]"
		}
		return string(raw)
	})
	_, err := vm.RunScript("storage", domstore.ShimJS)
	return err
}
