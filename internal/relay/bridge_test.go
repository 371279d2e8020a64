package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/gatelink/internal/auth"
	"github.com/ehrlich-b/gatelink/internal/chat"
	"github.com/ehrlich-b/gatelink/internal/gateway"
	"github.com/ehrlich-b/gatelink/internal/protocol"
)

type frame map[string]any

func (f frame) str(k string) string {
	s, _ := f[k].(string)
	return s
}

// fakeRelay accepts bridges, acknowledges auth and records every frame.
type fakeRelay struct {
	t      *testing.T
	mu     sync.Mutex
	conns  []*websocket.Conn
	query  url.Values
	auths  chan frame
	frames chan frame
}

func newFakeRelay(t *testing.T) (*fakeRelay, *httptest.Server) {
	r := &fakeRelay{t: t, auths: make(chan frame, 8), frames: make(chan frame, 64)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.query = req.URL.Query()
		r.mu.Unlock()

		ctx := req.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var hello frame
		json.Unmarshal(data, &hello)
		r.auths <- hello
		r.write(conn, frame{"type": protocol.RelayConnected})
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				r.frames <- f
			}
		}
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *fakeRelay) write(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	conn.Write(context.Background(), websocket.MessageText, data)
}

func (r *fakeRelay) send(v any) {
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	r.write(conn, v)
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (r *fakeRelay) next(t *testing.T, typ string) frame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-r.frames:
			if f.str("type") == typ {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame", typ)
		}
	}
}

func (r *fakeRelay) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Errorf("unexpected frame %v", f)
	case <-time.After(d):
	}
}

type bridgeEnv struct {
	bridge *Bridge
	relay  *fakeRelay
	states chan bool
}

func startBridge(t *testing.T, h Handlers, tweak func(*Bridge)) *bridgeEnv {
	t.Helper()
	relay, srv := newFakeRelay(t)
	env := &bridgeEnv{relay: relay, states: make(chan bool, 16)}
	env.bridge = &Bridge{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/device",
		APIKey:         "key-1",
		NodeID:         "node-7",
		ReconnectDelay: 20 * time.Millisecond,
		Handlers:       h,
		OnStateChange:  func(c bool) { env.states <- c },
	}
	if tweak != nil {
		tweak(env.bridge)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.bridge.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		env.bridge.Close()
		cancel()
		<-done
	})
	env.waitConnected(t)
	return env
}

func (e *bridgeEnv) waitConnected(t *testing.T) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-e.states:
			if c {
				return
			}
		case <-timeout:
			t.Fatal("bridge never connected")
		}
	}
}

func TestBridgeAuth(t *testing.T) {
	env := startBridge(t, Handlers{}, nil)
	hello := <-env.relay.auths
	if hello.str("type") != "auth" || hello.str("key") != "key-1" || hello.str("nodeId") != "node-7" {
		t.Errorf("auth frame = %v", hello)
	}
	env.relay.mu.Lock()
	q := env.relay.query
	env.relay.mu.Unlock()
	if q.Get("key") != "key-1" || q.Get("nodeId") != "node-7" {
		t.Errorf("query = %v", q)
	}
}

func TestBridgeForwardsIntents(t *testing.T) {
	sent := make(chan string, 1)
	aborted := make(chan struct{}, 1)
	env := startBridge(t, Handlers{
		Send:  func(ctx context.Context, text string) error { sent <- text; return nil },
		Abort: func(ctx context.Context) error { aborted <- struct{}{}; return nil },
		Ready: func() bool { return true },
	}, nil)

	env.relay.send(frame{"type": protocol.RelaySend, "text": "hello", "id": "m1"})
	select {
	case text := <-sent:
		if text != "hello" {
			t.Errorf("sent %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send intent not forwarded")
	}

	env.relay.send(frame{"type": protocol.RelayAbort})
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("abort intent not forwarded")
	}
}

func TestBridgeDropsIntentsWhileSessionDown(t *testing.T) {
	called := make(chan string, 4)
	env := startBridge(t, Handlers{
		Send:    func(ctx context.Context, text string) error { called <- "send"; return nil },
		Abort:   func(ctx context.Context) error { called <- "abort"; return nil },
		History: func(ctx context.Context, limit int) ([]chat.Message, error) { called <- "history"; return nil, nil },
		Ready:   func() bool { return false },
	}, nil)

	env.relay.send(frame{"type": protocol.RelaySend, "text": "hello"})
	env.relay.send(frame{"type": protocol.RelayAbort})
	env.relay.send(frame{"type": protocol.RelayHistoryRequest, "id": "h1"})
	select {
	case what := <-called:
		t.Errorf("%s forwarded while session down", what)
	case <-time.After(150 * time.Millisecond):
	}
	env.relay.quiet(t, 50*time.Millisecond)
}

func TestBridgeOutputVocabulary(t *testing.T) {
	env := startBridge(t, Handlers{}, nil)
	var l chat.Listener = env.bridge
	l.OnStatus(protocol.StatusStreaming)
	l.OnDelta("H")
	l.OnFinal("Hi there")
	l.OnError("boom")

	checks := []struct{ typ, field, want string }{
		{protocol.RelayStatus, "status", "streaming"},
		{protocol.RelayChatDelta, "text", "H"},
		{protocol.RelayChatFinal, "text", "Hi there"},
		{protocol.RelayChatError, "message", "boom"},
	}
	for _, c := range checks {
		f := env.relay.next(t, c.typ)
		if f.str(c.field) != c.want {
			t.Errorf("%s %s = %q, want %q", c.typ, c.field, f.str(c.field), c.want)
		}
		if f.str("sourceNodeId") != "node-7" {
			t.Errorf("%s missing sourceNodeId: %v", c.typ, f)
		}
	}
}

func TestBridgeHistoryRequest(t *testing.T) {
	env := startBridge(t, Handlers{
		History: func(ctx context.Context, limit int) ([]chat.Message, error) {
			return []chat.Message{
				{Role: "user", Content: "q", Timestamp: time.UnixMilli(1000)},
				{Role: "assistant", Content: "a"},
			}, nil
		},
	}, nil)
	env.relay.send(frame{"type": protocol.RelayHistoryRequest, "id": "h1"})
	f := env.relay.next(t, protocol.RelayHistory)
	if f.str("id") != "h1" {
		t.Errorf("history id = %q", f.str("id"))
	}
	msgs, _ := f["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", f["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["content"] != "q" || first["timestamp"] != float64(1000) {
		t.Errorf("first = %v", first)
	}
}

func TestBridgeDiscardsMalformedHistoryRequest(t *testing.T) {
	called := make(chan struct{}, 2)
	env := startBridge(t, Handlers{
		History: func(ctx context.Context, limit int) ([]chat.Message, error) {
			called <- struct{}{}
			return nil, nil
		},
	}, nil)
	env.relay.send(frame{"type": protocol.RelayHistoryRequest, "id": 42})
	select {
	case <-called:
		t.Error("history fetched for a malformed request")
	case <-time.After(150 * time.Millisecond):
	}
	env.relay.quiet(t, 50*time.Millisecond)

	env.relay.send(frame{"type": protocol.RelayHistoryRequest, "id": "h2"})
	if f := env.relay.next(t, protocol.RelayHistory); f.str("id") != "h2" {
		t.Errorf("history id = %q", f.str("id"))
	}
}

type echoCaller struct{}

func (echoCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "cron.list" {
		return json.RawMessage(`{"jobs":[]}`), nil
	}
	return nil, &gateway.RemoteError{Method: method, Message: "unknown method"}
}

func TestBridgeRPCForwarding(t *testing.T) {
	var mu sync.Mutex
	var caller gateway.Caller
	env := startBridge(t, Handlers{
		Caller: func() gateway.Caller {
			mu.Lock()
			defer mu.Unlock()
			return caller
		},
	}, nil)

	env.relay.send(frame{"type": protocol.RelayRPCRequest, "rpcId": "r1", "method": "cron.list"})
	f := env.relay.next(t, protocol.RelayRPCResponse)
	if f.str("rpcId") != "r1" || f.str("error") != "Gateway not connected" {
		t.Errorf("response = %v", f)
	}

	mu.Lock()
	caller = echoCaller{}
	mu.Unlock()
	env.relay.send(frame{"type": protocol.RelayRPCRequest, "rpcId": "r2", "method": "cron.list", "params": map[string]any{}})
	f = env.relay.next(t, protocol.RelayRPCResponse)
	result, _ := f["result"].(map[string]any)
	if f.str("rpcId") != "r2" || result == nil || f.str("error") != "" {
		t.Errorf("response = %v", f)
	}

	env.relay.send(frame{"type": protocol.RelayRPCRequest, "rpcId": "r3", "method": "nope"})
	f = env.relay.next(t, protocol.RelayRPCResponse)
	if f.str("error") != "unknown method" {
		t.Errorf("response = %v", f)
	}
}

func TestBridgeRateLimitsSends(t *testing.T) {
	var mu sync.Mutex
	count := 0
	env := startBridge(t, Handlers{
		Send: func(ctx context.Context, text string) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		},
	}, func(b *Bridge) {
		b.SendRate = 0.001
		b.SendBurst = 1
	})

	env.relay.send(frame{"type": protocol.RelaySend, "text": "one"})
	env.relay.send(frame{"type": protocol.RelaySend, "text": "two"})
	f := env.relay.next(t, protocol.RelayError)
	if f.str("message") != "rate limited" {
		t.Errorf("error = %v", f)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("send handler called %d times, want 1", count)
	}
}

func TestBridgeDroppedSendKeepsRateBudget(t *testing.T) {
	var mu sync.Mutex
	up := false
	sent := make(chan string, 4)
	env := startBridge(t, Handlers{
		Send: func(ctx context.Context, text string) error { sent <- text; return nil },
		Ready: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return up
		},
	}, func(b *Bridge) {
		b.SendRate = 0.001
		b.SendBurst = 1
	})

	env.relay.send(frame{"type": protocol.RelaySend, "text": "while down"})
	env.relay.quiet(t, 100*time.Millisecond)

	mu.Lock()
	up = true
	mu.Unlock()
	env.relay.send(frame{"type": protocol.RelaySend, "text": "after reconnect"})
	select {
	case text := <-sent:
		if text != "after reconnect" {
			t.Errorf("sent %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send after reconnect was rate limited")
	}
}

func TestBridgeTurnInProgress(t *testing.T) {
	env := startBridge(t, Handlers{
		Send: func(ctx context.Context, text string) error { return chat.ErrTurnInProgress },
	}, nil)
	env.relay.send(frame{"type": protocol.RelaySend, "text": "again"})
	f := env.relay.next(t, protocol.RelayError)
	if !strings.Contains(f.str("message"), "in progress") {
		t.Errorf("error = %v", f)
	}
}

func TestBridgeSealedSession(t *testing.T) {
	sent := make(chan string, 1)
	env := startBridge(t, Handlers{
		Send: func(ctx context.Context, text string) error { sent <- text; return nil },
	}, nil)

	peerPriv, peerPub, err := auth.GenerateRelayKey()
	if err != nil {
		t.Fatal(err)
	}
	env.relay.send(frame{"type": protocol.RelayKey, "publicKey": peerPub})
	reply := env.relay.next(t, protocol.RelayKey)
	aead, err := auth.DeriveRelayKey(peerPriv, reply.str("publicKey"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !env.bridge.Sealed() {
		t.Fatal("bridge not sealed after key exchange")
	}

	env.bridge.OnFinal("secret answer")
	sealed := env.relay.next(t, protocol.RelaySealed)
	plain, err := auth.OpenPayload(aead, sealed.str("payload"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	var inner frame
	json.Unmarshal(plain, &inner)
	if inner.str("type") != protocol.RelayChatFinal || inner.str("text") != "secret answer" {
		t.Errorf("inner = %v", inner)
	}

	data, _ := json.Marshal(frame{"type": protocol.RelaySend, "text": "sealed hello"})
	payload, _ := auth.SealPayload(aead, data)
	env.relay.send(frame{"type": protocol.RelaySealed, "payload": payload})
	select {
	case text := <-sent:
		if text != "sealed hello" {
			t.Errorf("sent %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sealed send not forwarded")
	}
}

func TestBridgeRejectsBadKey(t *testing.T) {
	env := startBridge(t, Handlers{}, nil)
	env.relay.send(frame{"type": protocol.RelayKey, "publicKey": "short"})
	f := env.relay.next(t, protocol.RelayError)
	if f.str("message") != "invalid relay key" {
		t.Errorf("error = %v", f)
	}
	if env.bridge.Sealed() {
		t.Error("bad key enabled sealing")
	}
}

func TestBridgeReconnects(t *testing.T) {
	env := startBridge(t, Handlers{}, nil)
	<-env.relay.auths
	env.relay.dropAll()

	select {
	case <-env.relay.auths:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not reconnect")
	}
	env.waitConnected(t)
	env.bridge.OnStatus(protocol.StatusIdle)
	if f := env.relay.next(t, protocol.RelayStatus); f.str("status") != "idle" {
		t.Errorf("status = %v", f)
	}
}

func TestBridgeOutputDroppedWhenOffline(t *testing.T) {
	b := &Bridge{URL: "ws://127.0.0.1:0"}
	b.OnDelta("nobody listening")
	if n := len(b.outbox); n != 0 {
		t.Errorf("outbox = %d, want 0", n)
	}
}
