// Package relay lets a remote peer drive the local conversation through a
// relay server. The bridge forwards the peer's intents to local handlers and
// streams the conversation's output back; it never sees the device identity
// or gateway credentials.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/gatelink/internal/chat"
	"github.com/ehrlich-b/gatelink/internal/gateway"
	"github.com/ehrlich-b/gatelink/internal/protocol"
	"github.com/ehrlich-b/gatelink/internal/webrtc"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
	outboxSize   = 256

	DefaultReconnectDelay = 5 * time.Second
	DefaultNodeID         = "node-1"
	DefaultSendRate       = 1.0
	DefaultSendBurst      = 3
	relayHistoryLimit     = 200
)

var errNotConnected = errors.New("relay not connected")

// Handlers are the local-session capabilities the bridge may invoke. Each is
// optional; a nil handler drops the matching intent.
type Handlers struct {
	Send    func(ctx context.Context, text string) error
	Abort   func(ctx context.Context) error
	History func(ctx context.Context, limit int) ([]chat.Message, error)
	// Caller returns the gateway RPC capability, or nil while disconnected.
	Caller func() gateway.Caller
	// Ready reports whether the local session is connected.
	Ready func() bool
}

// Bridge is an outbound relay client. It implements chat.Listener so it can
// be subscribed to a conversation.
type Bridge struct {
	URL            string // e.g. "wss://relay.example.com/ws/device"
	APIKey         string
	NodeID         string
	ReconnectDelay time.Duration
	SendRate       float64 // relay.send intents per second
	SendBurst      int
	ICEServers     []string
	Handlers       Handlers
	Logger         *slog.Logger

	// OnStateChange is called when the relay accepts or loses the bridge.
	OnStateChange func(connected bool)

	initOnce sync.Once
	limiter  *rate.Limiter
	writer   *webrtc.SwappableWriter
	peers    *webrtc.PeerManager
	outbox   chan any
	done     chan struct{}
	sealer   *sealer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	runCtx    context.Context
}

func (b *Bridge) init() {
	b.initOnce.Do(func() {
		if b.Logger == nil {
			b.Logger = slog.Default()
		}
		if b.NodeID == "" {
			b.NodeID = DefaultNodeID
		}
		if b.ReconnectDelay <= 0 {
			b.ReconnectDelay = DefaultReconnectDelay
		}
		if b.SendRate <= 0 {
			b.SendRate = DefaultSendRate
		}
		if b.SendBurst <= 0 {
			b.SendBurst = DefaultSendBurst
		}
		b.limiter = rate.NewLimiter(rate.Limit(b.SendRate), b.SendBurst)
		b.writer = webrtc.NewSwappableWriter(b.writeWS)
		b.peers = webrtc.NewPeerManager(b.ICEServers, b.Logger)
		b.peers.OnDC(b.onDataChannel)
		b.peers.OnDown(b.onPeerDown)
		b.outbox = make(chan any, outboxSize)
		b.done = make(chan struct{})
		b.sealer = &sealer{}
		b.runCtx = context.Background()
	})
}

// Connected reports whether the relay has accepted the bridge.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Run connects to the relay and serves until ctx is cancelled or Close is
// called, reconnecting after a fixed delay.
func (b *Bridge) Run(ctx context.Context) error {
	b.init()
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go b.pump(pumpCtx)

	backoff := gateway.NewBackoff(b.ReconnectDelay, b.ReconnectDelay)
	for {
		err := b.connectAndServe(ctx)
		if b.setConnected(false) {
			backoff.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.isClosed() {
			return nil
		}
		delay := backoff.Next()
		b.Logger.Warn("relay disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case <-time.After(delay):
		}
	}
}

// Close stops the bridge: the connection and peer links are closed and no
// reconnect is attempted.
func (b *Bridge) Close() error {
	b.init()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bridge closing")
	}
	close(b.done)
	b.peers.Close()
	return nil
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// setConnected records the relay link state and returns the previous one.
func (b *Bridge) setConnected(v bool) bool {
	b.mu.Lock()
	was := b.connected
	b.connected = v
	b.mu.Unlock()
	if was != v && b.OnStateChange != nil {
		b.OnStateChange(v)
	}
	return was
}

func (b *Bridge) dialURL() (string, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("key", b.APIKey)
	q.Set("nodeId", b.NodeID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	target, err := b.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	defer conn.CloseNow()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.conn = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		// A new session starts unsealed and on the relay path.
		b.sealer.reset()
		b.writer.FallbackToRelay(nil)
	}()

	auth := protocol.RelayAuthMsg{Type: protocol.RelayAuth, Key: b.APIKey, NodeID: b.NodeID}
	if err := writeJSON(ctx, conn, auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		b.dispatch(ctx, data, true)
	}
}

// dispatch routes one inbound relay frame. allowSealed is false for frames
// unwrapped from relay.sealed, which may not nest.
func (b *Bridge) dispatch(ctx context.Context, data []byte, allowSealed bool) {
	var env protocol.RelayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.Logger.Debug("discarding malformed relay frame", "error", err)
		return
	}

	switch env.Type {
	case protocol.RelayConnected:
		b.Logger.Info("relay connected", "node_id", b.NodeID)
		b.setConnected(true)

	case protocol.RelayError:
		var msg protocol.RelayErrorMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			b.Logger.Debug("bad relay.error", "error", err)
			return
		}
		b.Logger.Error("relay error", "message", msg.Message)

	case protocol.RelaySend:
		var msg protocol.RelaySendMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			b.Logger.Debug("bad relay.send", "error", err)
			return
		}
		b.handleSend(ctx, msg)

	case protocol.RelayAbort:
		if !b.localReady() || b.Handlers.Abort == nil {
			b.Logger.Info("dropping relay.abort, session not connected")
			return
		}
		go func() {
			if err := b.Handlers.Abort(ctx); err != nil {
				b.Logger.Warn("relay abort", "error", err)
			}
		}()

	case protocol.RelayHistoryRequest:
		var msg protocol.RelayHistoryRequestMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			b.Logger.Debug("bad relay.history_request", "error", err)
			return
		}
		if !b.localReady() || b.Handlers.History == nil {
			b.Logger.Info("dropping relay.history_request, session not connected")
			return
		}
		go b.answerHistory(ctx, msg.ID)

	case protocol.RelayRPCRequest:
		var msg protocol.RelayRPCRequestMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.RPCID == "" || msg.Method == "" {
			b.Logger.Debug("bad relay.rpc_request", "error", err)
			return
		}
		go b.forwardRPC(ctx, msg)

	case protocol.RelayKey:
		var msg protocol.RelayKeyMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			b.Logger.Debug("bad relay.key", "error", err)
			return
		}
		b.handleKey(ctx, msg)

	case protocol.RelaySealed:
		if !allowSealed {
			b.Logger.Debug("discarding nested sealed frame")
			return
		}
		var msg protocol.RelaySealedMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			b.Logger.Debug("bad relay.sealed", "error", err)
			return
		}
		inner, err := b.sealer.open(msg.Payload)
		if err != nil {
			b.Logger.Warn("cannot open sealed relay frame", "error", err)
			return
		}
		b.dispatch(ctx, inner, false)

	case protocol.RelayRTCOffer:
		var msg protocol.RelaySDPMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.SDP == "" {
			b.Logger.Debug("bad relay.rtc_offer", "error", err)
			return
		}
		go b.answerOffer(ctx, msg)

	default:
		b.Logger.Debug("ignoring relay frame", "type", env.Type)
	}
}

func (b *Bridge) localReady() bool {
	if b.Handlers.Ready == nil {
		return true
	}
	return b.Handlers.Ready()
}

func (b *Bridge) handleSend(ctx context.Context, msg protocol.RelaySendMsg) {
	if msg.Text == "" {
		return
	}
	if !b.localReady() || b.Handlers.Send == nil {
		b.Logger.Info("dropping relay.send, session not connected", "id", msg.ID)
		return
	}
	if !b.limiter.Allow() {
		b.Logger.Warn("relay.send rate limited", "id", msg.ID)
		b.emitDirect(protocol.RelayErrorMsg{Type: protocol.RelayError, Message: "rate limited", SourceNodeID: b.NodeID})
		return
	}
	go func() {
		err := b.Handlers.Send(ctx, msg.Text)
		if errors.Is(err, chat.ErrTurnInProgress) {
			b.emit(protocol.RelayErrorMsg{Type: protocol.RelayError, Message: err.Error(), SourceNodeID: b.NodeID})
			return
		}
		if err != nil {
			// The conversation already reported the failure to listeners.
			b.Logger.Warn("relay send", "error", err)
		}
	}()
}

func (b *Bridge) answerHistory(ctx context.Context, id string) {
	msgs, err := b.Handlers.History(ctx, relayHistoryLimit)
	if err != nil {
		b.Logger.Warn("relay history", "error", err)
		return
	}
	entries := make([]protocol.RelayHistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		e := protocol.RelayHistoryEntry{Role: m.Role, Content: m.Content}
		if !m.Timestamp.IsZero() {
			e.Timestamp = m.Timestamp.UnixMilli()
		}
		entries = append(entries, e)
	}
	b.emit(protocol.RelayHistoryMsg{Type: protocol.RelayHistory, ID: id, Messages: entries, SourceNodeID: b.NodeID})
}

func (b *Bridge) forwardRPC(ctx context.Context, msg protocol.RelayRPCRequestMsg) {
	resp := protocol.RelayRPCResponseMsg{Type: protocol.RelayRPCResponse, RPCID: msg.RPCID, SourceNodeID: b.NodeID}
	var caller gateway.Caller
	if b.Handlers.Caller != nil {
		caller = b.Handlers.Caller()
	}
	if caller == nil {
		resp.Error = "Gateway not connected"
		b.emit(resp)
		return
	}
	params := msg.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := caller.Call(ctx, msg.Method, params)
	if err != nil {
		var rerr *gateway.RemoteError
		if errors.As(err, &rerr) {
			resp.Error = rerr.Message
		} else {
			resp.Error = err.Error()
		}
		b.emit(resp)
		return
	}
	if len(raw) > 0 {
		resp.Result = raw
	}
	b.emit(resp)
}

// OnDelta implements chat.Listener.
func (b *Bridge) OnDelta(text string) {
	b.emit(protocol.RelayTextMsg{Type: protocol.RelayChatDelta, Text: text, SourceNodeID: b.NodeID})
}

// OnFinal implements chat.Listener.
func (b *Bridge) OnFinal(text string) {
	b.emit(protocol.RelayTextMsg{Type: protocol.RelayChatFinal, Text: text, SourceNodeID: b.NodeID})
}

// OnError implements chat.Listener.
func (b *Bridge) OnError(message string) {
	b.emit(protocol.RelayChatErrorMsg{Type: protocol.RelayChatError, Message: message, SourceNodeID: b.NodeID})
}

// OnStatus implements chat.Listener.
func (b *Bridge) OnStatus(status string) {
	b.emit(protocol.RelayStatusMsg{Type: protocol.RelayStatus, Status: status, SourceNodeID: b.NodeID})
}

// emit queues conversation output, sealed when a peer key is established.
// It never blocks; output is dropped while the relay is down or the queue
// is full.
func (b *Bridge) emit(v any) {
	b.init()
	if !b.Connected() {
		b.Logger.Debug("relay not connected, dropping output")
		return
	}
	sealed, err := b.sealer.seal(v, b.NodeID)
	if err != nil {
		b.Logger.Error("seal relay frame", "error", err)
		return
	}
	b.enqueue(sealed)
}

// emitDirect queues a control frame that is never sealed.
func (b *Bridge) emitDirect(v any) {
	b.init()
	b.enqueue(v)
}

func (b *Bridge) enqueue(v any) {
	select {
	case b.outbox <- v:
	default:
		b.Logger.Warn("relay outbox full, dropping frame")
	}
}

func (b *Bridge) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case v := <-b.outbox:
			if err := b.writer.Write(v); err != nil {
				b.Logger.Debug("relay write", "error", err)
			}
		}
	}
}

func (b *Bridge) writeWS(v any) error {
	b.mu.Lock()
	conn := b.conn
	ctx := b.runCtx
	b.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return writeJSON(ctx, conn, v)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
