package protocol

import "encoding/json"

// Frame types on the gateway WebSocket.
const (
	TypeRequest  = "req"   // client → gateway
	TypeResponse = "res"   // gateway → client
	TypeEvent    = "event" // gateway → client
)

// Gateway event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventAgent            = "agent"
	EventChat             = "chat"
)

// Gateway RPC methods used by the client.
const (
	MethodConnect     = "connect"
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"
)

// Protocol version bounds advertised in connect.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Chat states carried by chat events.
const (
	ChatDelta   = "delta"
	ChatFinal   = "final"
	ChatAborted = "aborted"
	ChatError   = "error"
)

// Agent streams and lifecycle phases.
const (
	StreamLifecycle = "lifecycle"
	PhaseStart      = "start"
	PhaseEnd        = "end"
)

// Frame is the single wire shape for every gateway message. Which fields are
// set depends on Type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// InboundFrame is Frame as decoded from the gateway; params are never read.
type InboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewRequest builds a req frame.
func NewRequest(id, method string, params any) Frame {
	return Frame{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ConnectParams is sent as the params of the connect request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	Device      DeviceProof `json:"device"`
	Auth        ConnectAuth `json:"auth"`
	UserAgent   string      `json:"userAgent,omitempty"`
	Locale      string      `json:"locale,omitempty"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// DeviceProof carries the signed device identity block.
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64url raw Ed25519 key
	Signature string `json:"signature"` // base64url detached signature
	SignedAt  int64  `json:"signedAt"`  // ms since epoch
	Nonce     string `json:"nonce,omitempty"`
}

// ConnectAuth is the credential block of connect.
type ConnectAuth struct {
	Token string `json:"token"`
}

// HelloPayload is the successful connect response.
type HelloPayload struct {
	Protocol int        `json:"protocol,omitempty"`
	Auth     *HelloAuth `json:"auth,omitempty"`
}

// HelloAuth carries a freshly issued per-role device token.
type HelloAuth struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ChatSendParams are the params of chat.send.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatAbortParams are the params of chat.abort.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

// ChatHistoryParams are the params of chat.history.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// ChatHistoryResult is the chat.history response payload.
type ChatHistoryResult struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is one raw message of chat.history. Content is either a
// string or a list of typed parts.
type HistoryMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ChatEvent is the payload of a chat event.
type ChatEvent struct {
	SessionKey   string          `json:"sessionKey"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RunID        string          `json:"runId,omitempty"`
}

// AgentEvent is the payload of an agent event. Data is kept loose because
// non-lifecycle streams carry arbitrary shapes.
type AgentEvent struct {
	Stream string         `json:"stream"`
	Data   map[string]any `json:"data"`
}

// Phase returns data.phase for lifecycle events.
func (e AgentEvent) Phase() string {
	s, _ := e.Data["phase"].(string)
	return s
}

// Detail returns the first present informational field among text, message,
// status and name, rendered as a string.
func (e AgentEvent) Detail() string {
	for _, k := range []string{"text", "message", "status", "name"} {
		v, ok := e.Data[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		default:
			b, err := json.Marshal(t)
			if err == nil {
				return string(b)
			}
		}
	}
	return ""
}

// Event is a decoded push event handed to event consumers.
type Event struct {
	Name    string
	Payload json.RawMessage
}
