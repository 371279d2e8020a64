package relay

import (
	"context"

	pion "github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/gatelink/internal/protocol"
)

// notice tells the peer which path the following frames take.
type notice struct {
	Type         string `json:"type"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

func (b *Bridge) answerOffer(ctx context.Context, msg protocol.RelaySDPMsg) {
	peerID := msg.SourceNodeID
	if peerID == "" {
		peerID = "peer"
	}
	sdp, err := b.peers.HandleOffer(peerID, msg.SDP)
	if err != nil {
		b.Logger.Warn("relay webrtc offer", "peer", peerID, "error", err)
		b.emitDirect(protocol.RelayErrorMsg{Type: protocol.RelayError, Message: "webrtc offer rejected", SourceNodeID: b.NodeID})
		return
	}
	b.emitDirect(protocol.RelaySDPMsg{Type: protocol.RelayRTCAnswer, SDP: sdp, SourceNodeID: b.NodeID})
}

// onDataChannel moves output to the DataChannel and accepts relay frames
// from it.
func (b *Bridge) onDataChannel(peerID string, dc *pion.DataChannel) {
	dc.OnMessage(func(m pion.DataChannelMessage) {
		b.mu.Lock()
		ctx := b.runCtx
		b.mu.Unlock()
		b.dispatch(ctx, m.Data, true)
	})
	dc.OnClose(func() { b.onPeerDown(peerID) })
	if err := b.writer.MigrateToDC(notice{Type: protocol.RelayRTCMigrated, SourceNodeID: b.NodeID}, dc); err != nil {
		b.Logger.Warn("migrate relay output to data channel", "peer", peerID, "error", err)
		return
	}
	b.Logger.Info("relay output moved to data channel", "peer", peerID)
}

func (b *Bridge) onPeerDown(peerID string) {
	if err := b.writer.FallbackToRelay(notice{Type: protocol.RelayRTCFallback, SourceNodeID: b.NodeID}); err != nil {
		b.Logger.Debug("relay fallback notice", "error", err)
	}
	b.Logger.Info("relay output back on websocket", "peer", peerID)
}
