package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/gatelink/internal/auth"
	"github.com/ehrlich-b/gatelink/internal/device"
	"github.com/ehrlich-b/gatelink/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 4 << 20

	DefaultChallengeWait  = 2 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultCallTimeout    = 60 * time.Second
	DefaultRole           = "operator"
	DefaultClientID       = "gatelink-cli"
	DefaultClientMode     = "webchat"
)

// DefaultScopes are requested when Client.Scopes is empty.
var DefaultScopes = []string{"operator.admin", "operator.approvals", "operator.pairing"}

// State is the connection state reported through OnStateChange.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Client owns one gateway connection at a time: it dials, proves the device
// identity, correlates calls, hands push events to OnEvent and reconnects
// after a fixed delay until Close or ctx cancellation.
type Client struct {
	URL        string
	Token      string // base credential, used when no device token is cached
	Role       string
	Scopes     []string
	ClientID   string
	ClientMode string
	Version    string
	Platform   string
	Locale     string
	UserAgent  string

	Identity *device.Manager
	Tokens   *auth.TokenCache // optional
	Logger   *slog.Logger

	ChallengeWait  time.Duration
	ReconnectDelay time.Duration
	CallTimeout    time.Duration

	// OnStateChange runs on the connection goroutine; it must not block.
	OnStateChange func(state State, reason string)
	// OnEvent receives every push event except connect.challenge, in arrival
	// order, on the connection goroutine.
	OnEvent func(ev protocol.Event)
	// OnReady is called in its own goroutine each time a session is
	// established.
	OnReady func(ctx context.Context, caller Caller)

	initOnce   sync.Once
	rpc        *Correlator
	done       chan struct{}
	instanceID string

	mu        sync.Mutex
	live      *websocket.Conn // set only while connected
	state     State
	reason    string
	closed    bool
	baseToken string
}

func (c *Client) init() {
	c.initOnce.Do(func() {
		if c.Logger == nil {
			c.Logger = slog.Default()
		}
		if c.Role == "" {
			c.Role = DefaultRole
		}
		if len(c.Scopes) == 0 {
			c.Scopes = DefaultScopes
		}
		if c.ClientID == "" {
			c.ClientID = DefaultClientID
		}
		if c.ClientMode == "" {
			c.ClientMode = DefaultClientMode
		}
		if c.Platform == "" {
			c.Platform = runtime.GOOS
		}
		if c.Version == "" {
			c.Version = "dev"
		}
		if c.ChallengeWait <= 0 {
			c.ChallengeWait = DefaultChallengeWait
		}
		if c.ReconnectDelay <= 0 {
			c.ReconnectDelay = DefaultReconnectDelay
		}
		if c.CallTimeout <= 0 {
			c.CallTimeout = DefaultCallTimeout
		}
		c.rpc = NewCorrelator(c.CallTimeout, c.Logger)
		c.done = make(chan struct{})
		c.instanceID = uuid.NewString()
		c.mu.Lock()
		c.baseToken = c.Token
		c.mu.Unlock()
	})
}

// SetBaseToken replaces the base credential for subsequent handshakes.
func (c *Client) SetBaseToken(token string) {
	c.init()
	c.mu.Lock()
	c.baseToken = token
	c.mu.Unlock()
}

// State returns the current connection state and its reason.
func (c *Client) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.init()
	return c.rpc.Len()
}

func (c *Client) setState(s State, reason string) {
	c.mu.Lock()
	if c.state == s && c.reason == reason {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.reason = reason
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(s, reason)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Run connects and serves until ctx is cancelled or Close is called, which
// return nil or ctx.Err(). It returns an error matching ErrAuthRejected when
// the gateway refuses the handshake for good.
func (c *Client) Run(ctx context.Context) error {
	c.init()
	backoff := NewBackoff(c.ReconnectDelay, c.ReconnectDelay)
	useCache := true
	for {
		if c.isClosed() {
			return nil
		}
		c.setState(StateConnecting, "")
		stale, err := c.connectAndServe(ctx, useCache)
		if state, _ := c.State(); state == StateConnected {
			backoff.Reset()
		}
		if c.isClosed() {
			c.setState(StateDisconnected, "")
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return ctx.Err()
		}
		if stale {
			// One retry with the base credential; its failure is final.
			c.Logger.Info("cached device token rejected, retrying with base credential", "error", err)
			useCache = false
			continue
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.Logger.Error("gateway handshake rejected", "reason", authErr.Reason)
			c.setState(StateError, authErr.Reason)
			return err
		}
		useCache = true

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		c.setState(StateDisconnected, reason)
		delay := backoff.Next()
		c.Logger.Warn("gateway disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, "")
			return ctx.Err()
		case <-c.done:
			c.setState(StateDisconnected, "")
			return nil
		case <-time.After(delay):
		}
	}
}

// Close tears the client down: the connection is closed, the reconnect wait
// is cancelled and pending calls are rejected, in that order. Run returns
// afterwards.
func (c *Client) Close() error {
	c.init()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.live
	c.live = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	close(c.done)
	c.rpc.RejectAll(ErrConnectionClosed)
	return nil
}

// Call issues method with params on the live session and waits for the
// response. It fails fast with ErrNotConnected outside the connected state.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.init()
	c.mu.Lock()
	conn := c.live
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, ch := c.rpc.register(method)
	c.mu.Unlock()
	return c.send(ctx, conn, id, ch, method, params)
}

// call bypasses the connected gate; used for the handshake itself.
func (c *Client) call(ctx context.Context, conn *websocket.Conn, method string, params any) (json.RawMessage, error) {
	id, ch := c.rpc.register(method)
	return c.send(ctx, conn, id, ch, method, params)
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, id string, ch <-chan callResult, method string, params any) (json.RawMessage, error) {
	if err := writeJSON(ctx, conn, protocol.NewRequest(id, method, params)); err != nil {
		if c.rpc.Reject(id, fmt.Errorf("send %s: %w", method, err)) {
			return nil, fmt.Errorf("send %s: %w", method, err)
		}
	}
	return c.rpc.wait(ctx, id, ch)
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

type handshakeResult struct {
	hello *protocol.HelloPayload
	stale bool
	err   error
}

// connectAndServe runs one connection. stale reports that the gateway refused
// a cached device token, which has been deleted.
func (c *Client) connectAndServe(ctx context.Context, useCache bool) (stale bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		if c.live == conn {
			c.live = nil
		}
		c.mu.Unlock()
		conn.CloseNow()
		c.rpc.RejectAll(ErrConnectionClosed)
	}()

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-connCtx.Done():
				return
			}
		}
	}()

	challenge := time.NewTimer(c.ChallengeWait)
	defer challenge.Stop()
	var handshake chan handshakeResult
	sent := false
	begin := func(nonce string) {
		sent = true
		challenge.Stop()
		handshake = make(chan handshakeResult, 1)
		go func(out chan<- handshakeResult) {
			out <- c.handshake(connCtx, conn, nonce, useCache)
		}(handshake)
	}

	process := func(data []byte) {
		var f protocol.InboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.Logger.Debug("discarding malformed frame", "error", err)
			return
		}
		switch f.Type {
		case protocol.TypeResponse:
			c.rpc.Resolve(f)
		case protocol.TypeEvent:
			if f.Event == protocol.EventConnectChallenge {
				if sent {
					c.Logger.Debug("ignoring connect challenge after handshake")
					return
				}
				var ch protocol.ChallengePayload
				if err := json.Unmarshal(f.Payload, &ch); err != nil {
					c.Logger.Debug("discarding malformed challenge", "error", err)
					return
				}
				begin(ch.Nonce)
				return
			}
			if c.OnEvent != nil {
				c.OnEvent(protocol.Event{Name: f.Event, Payload: f.Payload})
			}
		default:
			c.Logger.Debug("discarding frame", "type", f.Type)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.done:
			return false, ErrConnectionClosed

		case err := <-readErr:
			// Frames read before the error are already buffered; a gateway
			// that rejects connect and hangs up must still yield the rejection.
			for drained := false; !drained; {
				select {
				case data := <-frames:
					process(data)
				default:
					drained = true
				}
			}
			if handshake != nil {
				c.rpc.RejectAll(ErrConnectionClosed)
				if res := <-handshake; res.stale || isAuthError(res.err) {
					return res.stale, res.err
				}
			}
			return false, fmt.Errorf("read: %w", err)

		case <-challenge.C:
			if !sent {
				c.Logger.Debug("no connect challenge, sending handshake without nonce")
				begin("")
			}

		case res := <-handshake:
			handshake = nil
			if res.err != nil {
				return res.stale, res.err
			}
			c.established(connCtx, conn, res.hello)

		case data := <-frames:
			process(data)
		}
	}
}

func isAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func (c *Client) established(ctx context.Context, conn *websocket.Conn, hello *protocol.HelloPayload) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.live = conn
	c.mu.Unlock()
	c.Logger.Info("gateway connected", "url", c.URL, "role", c.Role, "protocol", hello.Protocol)
	c.setState(StateConnected, "")
	if c.OnReady != nil {
		go c.OnReady(ctx, c)
	}
}

// handshake signs and sends the single connect request for this connection.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, nonce string, useCache bool) handshakeResult {
	if c.Identity == nil {
		return handshakeResult{err: &AuthError{Reason: "no device identity configured"}}
	}
	id, err := c.Identity.GetOrCreate()
	if err != nil {
		return handshakeResult{err: &AuthError{Reason: "device identity unavailable", Err: err}}
	}

	c.mu.Lock()
	token := c.baseToken
	c.mu.Unlock()
	usedCached := false
	if useCache && c.Tokens != nil {
		cached, err := c.Tokens.Load(id.DeviceID, c.Role)
		if err != nil {
			c.Logger.Warn("read cached device token", "error", err)
		} else if cached != nil {
			token = cached.Token
			usedCached = true
		}
	}

	signedAt := time.Now().UnixMilli()
	payload := device.AuthPayload{
		DeviceID:   id.DeviceID,
		ClientID:   c.ClientID,
		ClientMode: c.ClientMode,
		Role:       c.Role,
		Scopes:     c.Scopes,
		SignedAtMs: signedAt,
		Token:      token,
		Nonce:      nonce,
	}
	sig, err := c.Identity.Sign(payload.String())
	if err != nil {
		return handshakeResult{err: &AuthError{Reason: "device signing failed", Err: err}}
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client: protocol.ClientInfo{
			ID:         c.ClientID,
			Version:    c.Version,
			Platform:   c.Platform,
			Mode:       c.ClientMode,
			InstanceID: c.instanceID,
		},
		Role:   c.Role,
		Scopes: c.Scopes,
		Caps:   []string{},
		Device: protocol.DeviceProof{
			ID:        id.DeviceID,
			PublicKey: id.PublicKeyString(),
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
		Auth:      protocol.ConnectAuth{Token: token},
		UserAgent: c.UserAgent,
		Locale:    c.Locale,
	}

	raw, err := c.call(ctx, conn, protocol.MethodConnect, params)
	if err != nil {
		var rerr *RemoteError
		if !errors.As(err, &rerr) {
			return handshakeResult{err: fmt.Errorf("connect: %w", err)}
		}
		if usedCached {
			if derr := c.Tokens.Delete(id.DeviceID, c.Role); derr != nil {
				c.Logger.Warn("delete rejected device token", "error", derr)
			}
			return handshakeResult{stale: true, err: rerr}
		}
		return handshakeResult{err: &AuthError{Reason: rerr.Message, Err: rerr}}
	}

	var hello protocol.HelloPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hello); err != nil {
			c.Logger.Debug("unreadable hello payload", "error", err)
		}
	}
	if hello.Auth != nil && hello.Auth.DeviceToken != "" && c.Tokens != nil {
		role := hello.Auth.Role
		if role == "" {
			role = c.Role
		}
		if err := c.Tokens.Save(id.DeviceID, role, hello.Auth.DeviceToken, hello.Auth.Scopes); err != nil {
			c.Logger.Warn("persist device token", "error", err)
		}
	}
	return handshakeResult{hello: &hello}
}
