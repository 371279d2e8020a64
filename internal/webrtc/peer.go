// Package webrtc carries relay traffic over a direct DataChannel once a
// remote peer has negotiated one through relay signaling.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DCHandler is called when a peer's DataChannel opens.
type DCHandler func(peerID string, dc *webrtc.DataChannel)

// PeerManager keeps one PeerConnection per remote peer.
type PeerManager struct {
	mu          sync.Mutex
	peers       map[string]*webrtc.PeerConnection
	iceServers  []webrtc.ICEServer
	dcHandler   DCHandler
	downHandler func(peerID string)
	logger      *slog.Logger
}

// NewPeerManager creates a PeerManager with the given ICE server URLs.
// Pass nil for host-only ICE (same-LAN only).
func NewPeerManager(iceURLs []string, logger *slog.Logger) *PeerManager {
	if logger == nil {
		logger = slog.Default()
	}
	var servers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &PeerManager{
		peers:      make(map[string]*webrtc.PeerConnection),
		iceServers: servers,
		logger:     logger,
	}
}

// OnDC registers a callback for opened DataChannels.
func (pm *PeerManager) OnDC(handler DCHandler) {
	pm.mu.Lock()
	pm.dcHandler = handler
	pm.mu.Unlock()
}

// OnDown registers a callback for peers whose connection failed or closed.
func (pm *PeerManager) OnDown(handler func(peerID string)) {
	pm.mu.Lock()
	pm.downHandler = handler
	pm.mu.Unlock()
}

// HandleOffer answers a remote peer's offer, replacing any previous
// connection for the same peer. The answer SDP embeds all ICE candidates.
func (pm *PeerManager) HandleOffer(peerID, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: pm.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	pm.mu.Lock()
	if old, ok := pm.peers[peerID]; ok {
		old.Close()
	}
	pm.peers[peerID] = pc
	pm.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			pm.logger.Info("data channel opened", "peer", peerID, "label", dc.Label())
			pm.mu.Lock()
			handler := pm.dcHandler
			pm.mu.Unlock()
			if handler != nil {
				handler(peerID, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pm.logger.Debug("peer connection state", "peer", peerID, "state", state.String())
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		pm.mu.Lock()
		current := pm.peers[peerID] == pc
		if current {
			delete(pm.peers, peerID)
		}
		handler := pm.downHandler
		pm.mu.Unlock()
		if current && handler != nil {
			handler(peerID)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pm.drop(peerID, pc)
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pm.drop(peerID, pc)
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pm.drop(peerID, pc)
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	localDesc := pc.LocalDescription()
	if localDesc == nil {
		pm.drop(peerID, pc)
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return localDesc.SDP, nil
}

func (pm *PeerManager) drop(peerID string, pc *webrtc.PeerConnection) {
	pm.mu.Lock()
	if pm.peers[peerID] == pc {
		delete(pm.peers, peerID)
	}
	pm.mu.Unlock()
	pc.Close()
}

// Len returns the number of live peer connections.
func (pm *PeerManager) Len() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.peers)
}

// Close shuts down all peer connections.
func (pm *PeerManager) Close() {
	pm.mu.Lock()
	peers := pm.peers
	pm.peers = make(map[string]*webrtc.PeerConnection)
	pm.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
