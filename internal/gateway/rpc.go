package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/gatelink/internal/protocol"
)

// Caller is the RPC capability a connected session publishes.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

// Correlator matches responses to outstanding requests. An entry leaves the
// table before its result is delivered, so each call settles exactly once.
type Correlator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func NewCorrelator(timeout time.Duration, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingCall),
	}
}

// register adds a pending call under a fresh random id and arms its timeout.
func (r *Correlator) register(method string) (string, <-chan callResult) {
	id := uuid.NewString()
	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}
	r.mu.Lock()
	r.pending[id] = pc
	pc.timer = time.AfterFunc(r.timeout, func() {
		r.settle(id, callResult{err: ErrRequestTimeout})
	})
	r.mu.Unlock()
	return id, pc.ch
}

func (r *Correlator) take(id string) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

func (r *Correlator) settle(id string, res callResult) bool {
	pc := r.take(id)
	if pc == nil {
		return false
	}
	pc.ch <- res
	return true
}

// Resolve settles the call matching a res frame. Unknown ids (late or
// duplicate responses) are discarded and reported false.
func (r *Correlator) Resolve(f protocol.InboundFrame) bool {
	pc := r.take(f.ID)
	if pc == nil {
		r.logger.Debug("discarding response for unknown request", "id", f.ID)
		return false
	}
	if f.OK {
		pc.ch <- callResult{payload: f.Payload}
		return true
	}
	rerr := &RemoteError{Method: pc.method, Message: "request failed"}
	if f.Error != nil {
		rerr.Code = f.Error.Code
		if f.Error.Message != "" {
			rerr.Message = f.Error.Message
		}
	}
	pc.ch <- callResult{err: rerr}
	return true
}

// Reject settles one pending call with err.
func (r *Correlator) Reject(id string, err error) bool {
	return r.settle(id, callResult{err: err})
}

// RejectAll settles every pending call with err and empties the table.
func (r *Correlator) RejectAll(err error) {
	r.mu.Lock()
	calls := r.pending
	r.pending = make(map[string]*pendingCall)
	r.mu.Unlock()
	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- callResult{err: err}
	}
}

// Len returns the number of pending calls.
func (r *Correlator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// wait blocks until the call settles or ctx ends; a cancelled wait removes
// the entry so a late response is discarded.
func (r *Correlator) wait(ctx context.Context, id string, ch <-chan callResult) (json.RawMessage, error) {
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		if r.Reject(id, ctx.Err()) {
			return nil, ctx.Err()
		}
		res := <-ch
		return res.payload, res.err
	}
}
