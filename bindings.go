package webview

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// BindingFunc is a host-side callback exposed to the page. It receives
// the call's parameters as decoded JSON values and returns a
// JSON-encodable result or an error; the error's message becomes the
// page promise's rejection value.
type BindingFunc func(params []any) (any, error)

// Bind registers fn under name and injects the promise shim so every
// future document gets window[name]. Rebinding an existing name
// replaces the callback; only the latest one runs (the shim is
// idempotent, so no second injection is attempted).
func (w *WebView) Bind(name string, fn BindingFunc) error {
	w.bmu.Lock()
	_, rebound := w.bindings[name]
	w.bindings[name] = fn
	w.bmu.Unlock()
	if rebound {
		return nil
	}
	if err := w.Init(bindScript(name)); err != nil {
		return fmt.Errorf("injecting shim for %q: %w", name, err)
	}
	return nil
}

// BindFunc registers an ordinary Go function under name. f may take any
// JSON-decodable parameters and return nothing, a value, an error, or
// (value, error); arguments are decoded positionally from the page
// call. A call with the wrong argument count rejects the page promise.
func (w *WebView) BindFunc(name string, f any) error {
	fv := reflect.ValueOf(f)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return errors.New("webview: BindFunc needs a function")
	}
	if ft.NumOut() > 2 {
		return errors.New("webview: bound functions return at most (value, error)")
	}
	if ft.NumOut() == 2 && !ft.Out(1).Implements(errType) {
		return errors.New("webview: second return value must be error")
	}
	return w.Bind(name, func(params []any) (any, error) {
		return callReflected(fv, ft, params)
	})
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func callReflected(fv reflect.Value, ft reflect.Type, params []any) (any, error) {
	numIn := ft.NumIn()
	variadic := ft.IsVariadic()
	if (!variadic && len(params) != numIn) || (variadic && len(params) < numIn-1) {
		return nil, fmt.Errorf("expected %d arguments, got %d", numIn, len(params))
	}
	args := make([]reflect.Value, len(params))
	for i, p := range params {
		var at reflect.Type
		if variadic && i >= numIn-1 {
			at = ft.In(numIn - 1).Elem()
		} else {
			at = ft.In(i)
		}
		// Round-trip through JSON to coerce the decoded value into the
		// declared parameter type.
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		av := reflect.New(at)
		if err := json.Unmarshal(raw, av.Interface()); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = av.Elem()
	}
	results := fv.Call(args)
	switch ft.NumOut() {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0).Implements(errType) {
			if e, _ := results[0].Interface().(error); e != nil {
				return nil, e
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	default:
		var err error
		if e, _ := results[1].Interface().(error); e != nil {
			err = e
		}
		return results[0].Interface(), err
	}
}

// onWebMessage handles one raw message from the page. It runs on
// whatever goroutine the engine fires its event from, so everything
// that touches host state is forwarded to the pump via Dispatch.
//
// Malformed payloads are dropped without a reply: the shim contract
// guarantees well-formed messages, so anything else did not come from a
// shim and has no promise waiting. An unknown method, by contrast, does
// have a live promise (the shim allocated the id), so it is rejected
// rather than left pending forever.
func (w *WebView) onWebMessage(raw string) {
	msg, err := decodeInvoke(raw)
	if err != nil {
		w.log.Debug("dropping malformed web message", zap.Error(err))
		return
	}
	w.bmu.Lock()
	fn, ok := w.bindings[msg.Method]
	w.bmu.Unlock()
	if !ok {
		w.log.Debug("rejecting unknown method", zap.String("method", msg.Method))
		err := w.win.Dispatch(func() error {
			return w.reject(msg.ID, fmt.Sprintf("unknown method %q", msg.Method))
		})
		if err != nil {
			w.log.Debug("window gone, dropping invoke", zap.Uint64("id", msg.ID))
		}
		return
	}
	err = w.win.Dispatch(func() error {
		result, err := fn(msg.Params)
		if err != nil {
			return w.reject(msg.ID, err.Error())
		}
		return w.resolve(msg.ID, result)
	})
	if err != nil {
		w.log.Debug("window gone, dropping invoke", zap.Uint64("id", msg.ID))
	}
}

// resolve settles the page promise for id with result.
func (w *WebView) resolve(id uint64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		// The callback produced an unencodable value; surface that to
		// the page instead of hanging the promise.
		return w.reject(id, fmt.Sprintf("encoding result: %v", err))
	}
	return w.Eval(resolveScript(id, statusOK, string(raw)))
}

// reject settles the page promise for id with the error message.
func (w *WebView) reject(id uint64, message string) error {
	raw, _ := json.Marshal(message)
	return w.Eval(resolveScript(id, statusErr, string(raw)))
}
