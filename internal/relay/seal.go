package relay

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/gatelink/internal/auth"
	"github.com/ehrlich-b/gatelink/internal/protocol"
)

var errNotSealed = errors.New("no sealing key established")

// sealer holds the per-session AES-GCM key agreed with the remote peer.
type sealer struct {
	mu   sync.Mutex
	aead cipher.AEAD
}

// establish derives a fresh shared key from peerPub and calls announce with
// the bridge's public key while holding the lock, so no sealed frame can be
// queued ahead of the announcement.
func (s *sealer) establish(peerPub string, announce func(ownPub string)) error {
	priv, pub, err := auth.GenerateRelayKey()
	if err != nil {
		return err
	}
	aead, err := auth.DeriveRelayKey(priv, peerPub)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aead = aead
	announce(pub)
	return nil
}

func (s *sealer) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aead != nil
}

func (s *sealer) reset() {
	s.mu.Lock()
	s.aead = nil
	s.mu.Unlock()
}

// seal wraps v in relay.sealed when a key is established and returns v
// unchanged otherwise.
func (s *sealer) seal(v any, nodeID string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead == nil {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	payload, err := auth.SealPayload(s.aead, data)
	if err != nil {
		return nil, err
	}
	return protocol.RelaySealedMsg{Type: protocol.RelaySealed, Payload: payload, SourceNodeID: nodeID}, nil
}

func (s *sealer) open(payload string) ([]byte, error) {
	s.mu.Lock()
	aead := s.aead
	s.mu.Unlock()
	if aead == nil {
		return nil, errNotSealed
	}
	return auth.OpenPayload(aead, payload)
}

func (b *Bridge) handleKey(ctx context.Context, msg protocol.RelayKeyMsg) {
	err := b.sealer.establish(msg.PublicKey, func(ownPub string) {
		b.emitDirect(protocol.RelayKeyMsg{Type: protocol.RelayKey, PublicKey: ownPub, SourceNodeID: b.NodeID})
	})
	if err != nil {
		b.Logger.Warn("relay key exchange failed", "error", err)
		b.emitDirect(protocol.RelayErrorMsg{Type: protocol.RelayError, Message: "invalid relay key", SourceNodeID: b.NodeID})
		return
	}
	b.Logger.Info("relay output sealed for remote peer")
}

// Sealed reports whether output is currently end-to-end sealed.
func (b *Bridge) Sealed() bool {
	b.init()
	return b.sealer.active()
}
