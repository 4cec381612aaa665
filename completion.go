package webview

import "reflect"

// settled carries the outcome of one asynchronous engine operation
// through its completion slot.
type settled[T any] struct {
	value T
	err   error
}

// awaitCompletion turns an asynchronous engine operation into a
// synchronous call. start must kick the operation off and arrange for
// complete to be invoked exactly once — on any goroutine — when the
// engine finishes. While waiting, the window's queue keeps being
// pumped, so engine callbacks that themselves need the pump (nested
// evaluation, message delivery) are not starved.
//
// A synchronous error from start short-circuits before any wait. An
// engine-reported failure, a nil payload, and a completion handler that
// fires more than once all map to definite errors; extra completions
// are dropped rather than blocking the engine's callback goroutine.
//
// Must be called on the goroutine that owns the window: either before
// Run starts, or from within dispatched work (in which case this nests
// a modal pump, preserving FIFO delivery).
func awaitCompletion[T any](w *Window, op string, start func(complete func(T, error)) error) (T, error) {
	var zero T
	slot := make(chan settled[T], 1)
	complete := func(v T, err error) {
		select {
		case slot <- settled[T]{value: v, err: err}:
		default:
			// Second completion for a one-shot slot; engine bug.
		}
	}

	if err := start(complete); err != nil {
		return zero, engineErr(op, err)
	}

	pumping := true
	for {
		if pumping {
			if env, ok := w.q.tryNext(); ok {
				if env.work == nil && env.ev.Code == eventQuit {
					// Teardown requested mid-wait: put the marker back
					// for the outer loop and stop servicing the queue.
					w.q.push(env)
					pumping = false
					continue
				}
				w.deliver(env)
				continue
			}
			select {
			case s := <-slot:
				return finish(op, s)
			case <-w.q.wake:
			}
			continue
		}
		s := <-slot
		return finish(op, s)
	}
}

func finish[T any](op string, s settled[T]) (T, error) {
	var zero T
	if s.err != nil {
		return zero, engineErr(op, s.err)
	}
	if isNil(s.value) {
		return zero, ErrNoResult
	}
	return s.value, nil
}

// isNil reports whether v is a nil interface, pointer, map, func, slice
// or channel. Non-nilable kinds (strings, structs, ints) always count
// as present.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Func, reflect.Slice, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
