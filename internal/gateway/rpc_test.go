package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ehrlich-b/gatelink/internal/protocol"
)

func TestCorrelatorResolve(t *testing.T) {
	r := NewCorrelator(time.Minute, nil)
	id, ch := r.register("chat.history")
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	if !r.Resolve(protocol.InboundFrame{Type: "res", ID: id, OK: true, Payload: json.RawMessage(`{"messages":[]}`)}) {
		t.Fatal("resolve reported unknown id")
	}
	res := <-ch
	if res.err != nil || string(res.payload) != `{"messages":[]}` {
		t.Errorf("result = %s, %v", res.payload, res.err)
	}
	if r.Len() != 0 {
		t.Errorf("len = %d after resolve", r.Len())
	}
}

func TestCorrelatorDuplicateResponseDiscarded(t *testing.T) {
	r := NewCorrelator(time.Minute, nil)
	id, ch := r.register("chat.send")
	r.Resolve(protocol.InboundFrame{ID: id, OK: true})
	if r.Resolve(protocol.InboundFrame{ID: id, OK: false, Error: &protocol.ErrorShape{Message: "late"}}) {
		t.Error("second response for the same id was accepted")
	}
	if res := <-ch; res.err != nil {
		t.Errorf("first result = %v", res.err)
	}
	select {
	case res := <-ch:
		t.Errorf("call settled twice: %+v", res)
	default:
	}
}

func TestCorrelatorRemoteError(t *testing.T) {
	r := NewCorrelator(time.Minute, nil)
	id, ch := r.register("chat.abort")
	r.Resolve(protocol.InboundFrame{ID: id, Error: &protocol.ErrorShape{Code: "NOT_FOUND", Message: "no run"}})
	res := <-ch
	var rerr *RemoteError
	if !errors.As(res.err, &rerr) {
		t.Fatalf("err = %v, want RemoteError", res.err)
	}
	if rerr.Code != "NOT_FOUND" || rerr.Message != "no run" || rerr.Method != "chat.abort" {
		t.Errorf("remote error = %+v", rerr)
	}
}

func TestCorrelatorTimeoutThenLateResponse(t *testing.T) {
	r := NewCorrelator(20*time.Millisecond, nil)
	id, ch := r.register("chat.send")
	_, err := r.wait(context.Background(), id, ch)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("wait = %v, want ErrRequestTimeout", err)
	}
	if r.Resolve(protocol.InboundFrame{ID: id, OK: true}) {
		t.Error("late response resolved a timed-out call")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestCorrelatorRejectAll(t *testing.T) {
	r := NewCorrelator(time.Minute, nil)
	var chans []<-chan callResult
	for i := 0; i < 5; i++ {
		_, ch := r.register("x")
		chans = append(chans, ch)
	}
	r.RejectAll(ErrConnectionClosed)
	for i, ch := range chans {
		if res := <-ch; !errors.Is(res.err, ErrConnectionClosed) {
			t.Errorf("call %d: %v", i, res.err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestCorrelatorCancelledWait(t *testing.T) {
	r := NewCorrelator(time.Minute, nil)
	id, ch := r.register("x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.wait(ctx, id, ch); !errors.Is(err, context.Canceled) {
		t.Errorf("wait = %v, want context.Canceled", err)
	}
	if r.Len() != 0 {
		t.Errorf("cancelled call left in table")
	}
}

func TestCorrelatorUniqueIDs(t *testing.T) {
	r := NewCorrelator(time.Minute, nil)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, _ := r.register("x")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	r.RejectAll(ErrConnectionClosed)
}
