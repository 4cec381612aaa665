package webview

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// externalJS adapts the engine's native post primitive to the stable
// page-facing surface. Every backend guarantees window.__wvPost; pages
// only ever see window.external.invoke.
const externalJS = `window.external = { invoke: function(s) { window.__wvPost(s); } };`

// rpcShimTemplate is the per-binding script injected on every future
// document. It installs window[name] as a thin stub that allocates a
// page-local correlation id, records the pending promise under it and
// forwards the call to the host. The id counter lives on window._rpc
// and therefore resets with each page load.
const rpcShimTemplate = `(function() {
	var name = %s;
	var RPC = window._rpc = (window._rpc || {nextSeq: 1});
	window[name] = function() {
		var seq = RPC.nextSeq++;
		var promise = new Promise(function(resolve, reject) {
			RPC[seq] = {
				resolve: resolve,
				reject: reject,
			};
		});
		window.external.invoke(JSON.stringify({
			id: seq,
			method: name,
			params: Array.prototype.slice.call(arguments),
		}));
		return promise;
	};
})()`

// bindScript renders the RPC shim for one bound name.
func bindScript(name string) string {
	return fmt.Sprintf(rpcShimTemplate, strconv.Quote(name))
}

// invokeMessage is a decoded page-to-host call: a correlation id, the
// bound method name and the raw parameter list. Constructed from the
// raw message the moment it arrives, handed to the registry, discarded.
type invokeMessage struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// decodeInvoke parses raw as an invoke message. All three fields must
// be present; anything else is malformed and the caller drops it.
func decodeInvoke(raw string) (invokeMessage, error) {
	var probe struct {
		ID     *uint64 `json:"id"`
		Method *string `json:"method"`
		Params []any   `json:"params"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return invokeMessage{}, fmt.Errorf("decoding invoke message: %w", err)
	}
	if probe.ID == nil {
		return invokeMessage{}, fmt.Errorf("invoke message missing id")
	}
	if probe.Method == nil {
		return invokeMessage{}, fmt.Errorf("invoke message missing method")
	}
	return invokeMessage{ID: *probe.ID, Method: *probe.Method, Params: probe.Params}, nil
}

const (
	statusOK  = 0
	statusErr = 1
)

// resolveScript renders the statement that settles the page promise for
// id and releases its slot. resultJSON must already be valid JSON.
func resolveScript(id uint64, status int, resultJSON string) string {
	method := "resolve"
	if status != statusOK {
		method = "reject"
	}
	return fmt.Sprintf("window._rpc[%d].%s(%s);\nwindow._rpc[%d] = undefined;",
		id, method, resultJSON, id)
}
