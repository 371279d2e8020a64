package webrtc

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	ModeRelay = "relay"
	ModeP2P   = "p2p"
)

// WriteFn sends a message over a transport (relay WS or DataChannel).
type WriteFn func(v any) error

// SwappableWriter switches outbound relay frames between the relay WS and a
// DataChannel. The lock is held through each write so a switch never splits
// the stream out of order.
type SwappableWriter struct {
	mu         sync.Mutex
	relayWrite WriteFn
	dcWrite    WriteFn
	mode       string
}

func NewSwappableWriter(relayWrite WriteFn) *SwappableWriter {
	return &SwappableWriter{relayWrite: relayWrite, mode: ModeRelay}
}

// Write sends v via the active transport.
func (sw *SwappableWriter) Write(v any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w := sw.dcWrite
	if w == nil {
		w = sw.relayWrite
	}
	return w(v)
}

// Migrate sends notice over the relay as its last frame and switches output
// to w.
func (sw *SwappableWriter) Migrate(notice any, w WriteFn) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.mode == ModeP2P {
		return errors.New("already on data channel")
	}
	if notice != nil {
		if err := sw.relayWrite(notice); err != nil {
			return err
		}
	}
	sw.dcWrite = w
	sw.mode = ModeP2P
	return nil
}

// MigrateToDC switches output to dc.
func (sw *SwappableWriter) MigrateToDC(notice any, dc *webrtc.DataChannel) error {
	return sw.Migrate(notice, func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return dc.SendText(string(data))
	})
}

// FallbackToRelay switches output back to the relay WS and sends notice
// there.
func (sw *SwappableWriter) FallbackToRelay(notice any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.mode == ModeRelay {
		return nil
	}
	sw.dcWrite = nil
	sw.mode = ModeRelay
	if notice != nil {
		return sw.relayWrite(notice)
	}
	return nil
}

// Mode returns ModeRelay or ModeP2P.
func (sw *SwappableWriter) Mode() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.mode
}
