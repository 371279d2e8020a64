package webrtc

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestLoopbackDataChannel(t *testing.T) {
	pm := NewPeerManager(nil, nil)
	defer pm.Close()

	received := make(chan []byte, 1)
	opened := make(chan string, 1)
	pm.OnDC(func(peerID string, dc *webrtc.DataChannel) {
		opened <- peerID
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			received <- msg.Data
		})
	})

	// Remote side: create a PeerConnection and a DataChannel
	remotePC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote PC: %v", err)
	}
	defer remotePC.Close()

	dc, err := remotePC.CreateDataChannel("relay", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })

	offer, err := remotePC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(remotePC)
	if err := remotePC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local desc: %v", err)
	}
	<-gatherDone

	answerSDP, err := pm.HandleOffer("web-1", remotePC.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if pm.Len() != 1 {
		t.Errorf("peers = %d, want 1", pm.Len())
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := remotePC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote desc: %v", err)
	}

	select {
	case <-dcReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for DC to open")
	}
	select {
	case id := <-opened:
		if id != "web-1" {
			t.Errorf("peer id = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DC handler never called")
	}

	msg := []byte(`{"type":"relay.send","text":"hello"}`)
	if err := dc.Send(msg); err != nil {
		t.Fatalf("dc send: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != string(msg) {
			t.Errorf("received %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	pm := NewPeerManager(nil, nil)
	defer pm.Close()
	if _, err := pm.HandleOffer("web-1", "not an sdp"); err == nil {
		t.Fatal("garbage offer accepted")
	}
	if pm.Len() != 0 {
		t.Errorf("failed offer left %d peers", pm.Len())
	}
}

func TestSwappableWriterOrdering(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	record := func(prefix string) WriteFn {
		return func(v any) error {
			data, _ := json.Marshal(v)
			mu.Lock()
			messages = append(messages, prefix+string(data))
			mu.Unlock()
			return nil
		}
	}

	sw := NewSwappableWriter(record("relay:"))
	sw.Write(map[string]string{"msg": "1"})
	if sw.Mode() != ModeRelay {
		t.Errorf("mode = %s, want relay", sw.Mode())
	}

	if err := sw.Migrate(map[string]string{"type": "relay.rtc_migrated"}, record("dc:")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := sw.Migrate(nil, record("dc:")); err == nil {
		t.Error("second migrate succeeded")
	}
	sw.Write(map[string]string{"msg": "2"})
	if sw.Mode() != ModeP2P {
		t.Errorf("mode = %s, want p2p", sw.Mode())
	}

	sw.FallbackToRelay(map[string]string{"type": "relay.rtc_fallback"})
	sw.FallbackToRelay(map[string]string{"type": "relay.rtc_fallback"}) // no-op
	sw.Write(map[string]string{"msg": "3"})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"relay:", "relay:", "dc:", "relay:", "relay:"}
	if len(messages) != len(want) {
		t.Fatalf("got %d messages: %v", len(messages), messages)
	}
	for i, prefix := range want {
		if !strings.HasPrefix(messages[i], prefix) {
			t.Errorf("msg %d = %s, want prefix %s", i, messages[i], prefix)
		}
	}
}
