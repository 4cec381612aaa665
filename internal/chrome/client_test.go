package chrome

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// fakeDevtools is a websocket endpoint that answers protocol commands
// through handle and can push events.
type fakeDevtools struct {
	srv    *httptest.Server
	handle func(msg protoMessage) []protoMessage
	conn   chan *websocket.Conn
}

func newFakeDevtools(t *testing.T, handle func(msg protoMessage) []protoMessage) *fakeDevtools {
	t.Helper()
	f := &fakeDevtools{handle: handle, conn: make(chan *websocket.Conn, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		f.conn <- conn
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg protoMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("server decode: %v", err)
				continue
			}
			for _, reply := range f.handle(msg) {
				raw, _ := json.Marshal(reply)
				if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDevtools) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func dialTest(t *testing.T, f *fakeDevtools) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := dial(ctx, f.wsURL(), zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_CallCorrelation(t *testing.T) {
	f := newFakeDevtools(t, func(msg protoMessage) []protoMessage {
		var params struct {
			N int `json:"n"`
		}
		json.Unmarshal(msg.Params, &params)
		result, _ := json.Marshal(map[string]int{"doubled": params.N * 2})
		return []protoMessage{{ID: msg.ID, Result: result}}
	})
	c := dialTest(t, f)

	ctx := context.Background()
	var out struct {
		Doubled int `json:"doubled"`
	}
	if err := c.Call(ctx, "", "Test.double", map[string]int{"n": 21}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Doubled != 42 {
		t.Errorf("doubled = %d, want 42", out.Doubled)
	}
}

func TestClient_ProtocolError(t *testing.T) {
	f := newFakeDevtools(t, func(msg protoMessage) []protoMessage {
		return []protoMessage{{ID: msg.ID, Error: &protoError{Code: -32601, Message: "method not found"}}}
	})
	c := dialTest(t, f)

	err := c.Call(context.Background(), "", "No.suchMethod", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("got %v, want protocol error", err)
	}
}

func TestClient_EventDispatchBySession(t *testing.T) {
	eventParams, _ := json.Marshal(map[string]string{"name": "__wvPost", "payload": "hello"})
	f := newFakeDevtools(t, func(msg protoMessage) []protoMessage {
		// Answer the command and follow with events on two sessions.
		return []protoMessage{
			{Method: "Runtime.bindingCalled", SessionID: "other", Params: eventParams},
			{Method: "Runtime.bindingCalled", SessionID: "mine", Params: eventParams},
			{ID: msg.ID},
		}
	})
	c := dialTest(t, f)

	got := make(chan string, 2)
	c.OnEvent("mine", "Runtime.bindingCalled", func(params json.RawMessage) {
		var ev struct {
			Payload string `json:"payload"`
		}
		json.Unmarshal(params, &ev)
		got <- ev.Payload
	})

	if err := c.Call(context.Background(), "mine", "Runtime.enable", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case payload := <-got:
		if payload != "hello" {
			t.Errorf("payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
	select {
	case extra := <-got:
		t.Errorf("event for another session leaked through: %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_CallAfterClose(t *testing.T) {
	f := newFakeDevtools(t, func(msg protoMessage) []protoMessage {
		return []protoMessage{{ID: msg.ID}}
	})
	c := dialTest(t, f)
	c.Close()

	if err := c.Call(context.Background(), "", "Page.enable", nil, nil); err == nil {
		t.Fatal("call on a closed client must fail")
	}
}

func TestClient_PendingCallsFailOnDisconnect(t *testing.T) {
	f := newFakeDevtools(t, func(msg protoMessage) []protoMessage {
		return nil // never answer
	})
	c := dialTest(t, f)

	serverConn := <-f.conn
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "", "Page.enable", nil, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	serverConn.Close(websocket.StatusGoingAway, "bye")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("pending call must fail when the connection drops")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after disconnect")
	}
}
