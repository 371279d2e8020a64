package protocol

// Relay message types (bridge ↔ relay server ↔ remote peer).
const (
	// Bridge → Relay
	RelayAuth = "auth"

	// Relay → Bridge (control)
	RelayConnected = "relay.connected"
	RelayError     = "relay.error"

	// Remote peer intents (relay → bridge)
	RelaySend           = "relay.send"
	RelayAbort          = "relay.abort"
	RelayHistoryRequest = "relay.history_request"
	RelayRPCRequest     = "relay.rpc_request"

	// Local session output (bridge → relay → remote peer)
	RelayChatDelta   = "relay.chat_delta"
	RelayChatFinal   = "relay.chat_final"
	RelayChatError   = "relay.chat_error"
	RelayHistory     = "relay.history"
	RelayStatus      = "relay.status"
	RelayRPCResponse = "relay.rpc_response"

	// End-to-end sealing (bidirectional, relay is an opaque forwarder)
	RelayKey    = "relay.key"
	RelaySealed = "relay.sealed"

	// WebRTC signaling (peer → bridge offer, bridge → peer answer)
	RelayRTCOffer  = "relay.rtc_offer"
	RelayRTCAnswer = "relay.rtc_answer"

	// Transport switch notices (bridge → peer, last frame on the old path)
	RelayRTCMigrated = "relay.rtc_migrated"
	RelayRTCFallback = "relay.rtc_fallback"
)

// Relay turn statuses.
const (
	StatusStreaming = "streaming"
	StatusIdle      = "idle"
)

// RelayEnvelope routes every relay message by type.
type RelayEnvelope struct {
	Type string `json:"type"`
}

// RelayAuthMsg is the first frame the bridge sends.
type RelayAuthMsg struct {
	Type   string `json:"type"`
	Key    string `json:"key"`
	NodeID string `json:"nodeId"`
}

// RelayErrorMsg reports a relay-side or bridge-side problem.
type RelayErrorMsg struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelaySendMsg asks the local session to send text.
type RelaySendMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// RelayHistoryRequestMsg asks for the conversation history.
type RelayHistoryRequestMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RelayRPCRequestMsg forwards a gateway RPC from the remote peer.
type RelayRPCRequestMsg struct {
	Type   string         `json:"type"`
	RPCID  string         `json:"rpcId"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// RelayRPCResponseMsg answers a RelayRPCRequestMsg.
type RelayRPCResponseMsg struct {
	Type         string `json:"type"`
	RPCID        string `json:"rpcId"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelayTextMsg carries delta/final text.
type RelayTextMsg struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelayChatErrorMsg carries a turn error.
type RelayChatErrorMsg struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelayStatusMsg carries the turn status.
type RelayStatusMsg struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelayHistoryEntry is one message of relay.history.
type RelayHistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RelayHistoryMsg answers a history request.
type RelayHistoryMsg struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	Messages     []RelayHistoryEntry `json:"messages"`
	SourceNodeID string              `json:"sourceNodeId,omitempty"`
}

// RelayKeyMsg publishes an X25519 public key (base64) for sealing.
type RelayKeyMsg struct {
	Type         string `json:"type"`
	PublicKey    string `json:"publicKey"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelaySealedMsg wraps an AES-GCM sealed relay frame (base64 iv||ct||tag).
type RelaySealedMsg struct {
	Type         string `json:"type"`
	Payload      string `json:"payload"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// RelaySDPMsg carries a WebRTC offer or answer.
type RelaySDPMsg struct {
	Type         string `json:"type"`
	SDP          string `json:"sdp"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}
