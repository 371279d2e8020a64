// Package chat interprets the gateway's push events for one session key and
// drives the conversation through chat.send, chat.abort and chat.history.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/gatelink/internal/gateway"
	"github.com/ehrlich-b/gatelink/internal/protocol"
)

const (
	DefaultSessionKey   = "main"
	DefaultHistoryLimit = 200

	// namespacedPrefix is prepended by gateways that scope sessions per agent.
	namespacedPrefix = "agent:main:"
)

var (
	// ErrTurnInProgress rejects a send while a turn is streaming.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrNoActiveTurn is returned by Resend when there is nothing to retry.
	ErrNoActiveTurn = errors.New("no active turn")
	// ErrEmptyMessage rejects a send with neither text nor attachments.
	ErrEmptyMessage = errors.New("empty message")
)

// Listener receives the turn vocabulary: streamed text, the completed text,
// turn errors and streaming/idle status. Calls arrive in event order and must
// not block.
type Listener interface {
	OnDelta(text string)
	OnFinal(text string)
	OnError(message string)
	OnStatus(status string)
}

// Stager stores an uploaded file where the agent can read it and returns
// its path.
type Stager interface {
	Save(name string, data []byte) (string, error)
}

// Upload is a file the user attaches to a message.
type Upload struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Phase is the turn lifecycle position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
)

func (p Phase) String() string {
	if p == PhaseStreaming {
		return protocol.StatusStreaming
	}
	return protocol.StatusIdle
}

// TurnState describes the single active turn of the session.
type TurnState struct {
	Phase          Phase
	IdempotencyKey string // empty for turns started elsewhere
	GotFinal       bool
	LastError      string
}

// Snapshot is a consistent copy of the conversation for rendering.
type Snapshot struct {
	Turn     TurnState
	Messages []Message
	Stream   string // in-progress text of the current turn
	Thought  string // informational agent stream output
}

type Options struct {
	SessionKey    string
	MessagePrefix string
	HistoryLimit  int
	Stager        Stager
	Logger        *slog.Logger
}

// Conversation is the chat event interpreter for one session key. Dispatch is
// its only entry point for gateway events; the remaining methods are caller
// initiated.
type Conversation struct {
	caller gateway.Caller
	opts   Options
	logger *slog.Logger

	// transition serializes turn boundaries with their status
	// notifications. Taken before mu.
	transition sync.Mutex

	mu          sync.Mutex
	turn        TurnState
	gen         uint64 // bumped each time a turn starts
	outgoing    string // wire text of the active turn, kept for Resend
	stream      string
	thought     string
	messages    []Message
	attachments map[string][]Attachment // user content -> staged files
	listeners   map[int]Listener
	nextID      int
}

func New(caller gateway.Caller, opts Options) *Conversation {
	if opts.SessionKey == "" {
		opts.SessionKey = DefaultSessionKey
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		caller:      caller,
		opts:        opts,
		logger:      logger.With("session", opts.SessionKey),
		attachments: make(map[string][]Attachment),
		listeners:   make(map[int]Listener),
	}
}

// SessionKey returns the session this conversation follows.
func (c *Conversation) SessionKey() string { return c.opts.SessionKey }

// Subscribe registers l and returns a function removing it.
func (c *Conversation) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Conversation) each(fn func(Listener)) {
	c.mu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if l, ok := c.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	c.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// Snapshot returns a copy of the current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Turn:     c.turn,
		Messages: append([]Message(nil), c.messages...),
		Stream:   c.stream,
		Thought:  c.thought,
	}
}

func (c *Conversation) matches(sessionKey string) bool {
	return sessionKey == c.opts.SessionKey || sessionKey == namespacedPrefix+c.opts.SessionKey
}

// Dispatch interprets one gateway push event.
func (c *Conversation) Dispatch(ev protocol.Event) {
	switch ev.Name {
	case protocol.EventAgent:
		var p protocol.AgentEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.logger.Debug("discarding malformed agent event", "error", err)
			return
		}
		c.onAgent(p)
	case protocol.EventChat:
		var p protocol.ChatEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.logger.Debug("discarding malformed chat event", "error", err)
			return
		}
		if !c.matches(p.SessionKey) {
			return
		}
		c.onChat(p)
	default:
		c.logger.Debug("ignoring event", "event", ev.Name)
	}
}

func (c *Conversation) onAgent(p protocol.AgentEvent) {
	if p.Stream != protocol.StreamLifecycle {
		detail := p.Detail()
		if detail == "" || p.Stream == "" {
			return
		}
		c.mu.Lock()
		if c.thought != "" {
			c.thought += "\n"
		}
		c.thought += "[" + p.Stream + "] " + detail
		c.mu.Unlock()
		return
	}

	switch p.Phase() {
	case protocol.PhaseStart:
		c.transition.Lock()
		c.mu.Lock()
		started := c.turn.Phase != PhaseStreaming
		if started {
			c.gen++
			c.turn = TurnState{Phase: PhaseStreaming}
			c.stream, c.thought = "", ""
		}
		c.mu.Unlock()
		if started {
			c.each(func(l Listener) { l.OnStatus(protocol.StatusStreaming) })
		}
		c.transition.Unlock()
	case protocol.PhaseEnd:
		c.mu.Lock()
		hadFinal := c.turn.GotFinal
		gen := c.gen
		c.turn = TurnState{}
		c.outgoing, c.stream, c.thought = "", "", ""
		c.mu.Unlock()
		go c.finishTurn(gen, hadFinal)
	}
}

// finishTurn refetches history after a lifecycle end. The final text comes
// from history when the turn never delivered one. Nothing is reported if
// another turn started while history was in flight.
func (c *Conversation) finishTurn(gen uint64, hadFinal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), gateway.DefaultCallTimeout)
	defer cancel()
	msgs, _, err := c.refresh(ctx, gen)

	c.transition.Lock()
	defer c.transition.Unlock()
	if !c.current(gen) {
		c.logger.Debug("turn superseded before history returned")
		return
	}
	if err != nil {
		c.logger.Warn("refresh history after turn", "error", err)
	} else if !hadFinal {
		if last, ok := LastAssistant(msgs); ok {
			c.each(func(l Listener) { l.OnFinal(last.Content) })
		}
	}
	c.each(func(l Listener) { l.OnStatus(protocol.StatusIdle) })
}

func (c *Conversation) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Conversation) onChat(p protocol.ChatEvent) {
	switch p.State {
	case protocol.ChatDelta:
		text, ok := ExtractText(p.Message)
		if !ok {
			return
		}
		c.mu.Lock()
		if c.turn.Phase != PhaseStreaming || c.turn.GotFinal {
			c.mu.Unlock()
			c.logger.Debug("dropping delta outside a streaming turn")
			return
		}
		c.stream = text
		c.mu.Unlock()
		c.each(func(l Listener) { l.OnDelta(text) })

	case protocol.ChatFinal:
		text, ok := ExtractText(p.Message)
		c.mu.Lock()
		if c.turn.Phase != PhaseStreaming || c.turn.GotFinal {
			c.mu.Unlock()
			c.logger.Debug("dropping final outside a streaming turn")
			return
		}
		// The turn stays streaming until lifecycle end.
		c.turn.GotFinal = ok
		c.stream = ""
		if ok {
			c.messages = append(c.messages, Message{Role: RoleAssistant, Content: text, Timestamp: time.Now()})
		}
		c.mu.Unlock()
		if ok {
			c.each(func(l Listener) { l.OnFinal(text) })
		}

	case protocol.ChatAborted:
		c.transition.Lock()
		c.mu.Lock()
		gen := c.gen
		c.turn = TurnState{}
		c.outgoing, c.stream, c.thought = "", "", ""
		c.mu.Unlock()
		c.each(func(l Listener) { l.OnStatus(protocol.StatusIdle) })
		c.transition.Unlock()
		go c.refreshQuietly(gen)

	case protocol.ChatError:
		msg := p.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		c.transition.Lock()
		c.mu.Lock()
		c.turn = TurnState{LastError: msg}
		c.outgoing, c.stream, c.thought = "", "", ""
		c.messages = append(c.messages, Message{Role: RoleAssistant, Content: "Error: " + msg, Timestamp: time.Now()})
		c.mu.Unlock()
		c.logger.Warn("turn failed", "error", msg)
		c.each(func(l Listener) {
			l.OnError(msg)
			l.OnStatus(protocol.StatusIdle)
		})
		c.transition.Unlock()

	default:
		c.logger.Debug("ignoring chat state", "state", p.State)
	}
}

func (c *Conversation) refreshQuietly(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), gateway.DefaultCallTimeout)
	defer cancel()
	if _, _, err := c.refresh(ctx, gen); err != nil {
		c.logger.Warn("refresh history", "error", err)
	}
}

// IsStopWord reports whether text asks to abort the running turn.
func IsStopWord(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/stop", "stop", "abort":
		return true
	}
	return false
}

// Submit sends text, or aborts the running turn when text is a stop word.
func (c *Conversation) Submit(ctx context.Context, text string, uploads ...Upload) error {
	if len(uploads) == 0 && IsStopWord(text) {
		return c.Abort(ctx)
	}
	return c.Send(ctx, text, uploads...)
}

// Send starts a turn under a fresh idempotency key. It fails with
// ErrTurnInProgress while another turn streams. A timed-out send keeps the
// turn so Resend can retry under the same key; any other failure ends the
// turn with a synthesized error message.
func (c *Conversation) Send(ctx context.Context, text string, uploads ...Upload) error {
	text = strings.TrimSpace(text)
	if text == "" && len(uploads) == 0 {
		return ErrEmptyMessage
	}

	c.transition.Lock()
	c.mu.Lock()
	if c.turn.Phase == PhaseStreaming {
		c.mu.Unlock()
		c.transition.Unlock()
		return ErrTurnInProgress
	}
	key := uuid.NewString()
	c.gen++
	c.turn = TurnState{Phase: PhaseStreaming, IdempotencyKey: key}
	c.stream, c.thought = "", ""
	c.mu.Unlock()
	c.each(func(l Listener) { l.OnStatus(protocol.StatusStreaming) })
	c.transition.Unlock()

	staged := c.stage(uploads)
	display := text
	if display == "" {
		names := make([]string, len(uploads))
		for i, u := range uploads {
			names[i] = u.Name
		}
		display = "📎 " + strings.Join(names, ", ")
	}
	wire := text
	if c.opts.MessagePrefix != "" {
		wire = c.opts.MessagePrefix + "\n\n" + text
	}
	wire += UploadNote(staged)

	c.mu.Lock()
	if len(staged) > 0 {
		c.attachments[attachmentKey(display)] = staged
	}
	c.messages = append(c.messages, Message{Role: RoleUser, Content: display, Attachments: staged, Timestamp: time.Now()})
	c.outgoing = wire
	c.mu.Unlock()

	return c.sendTurn(ctx, key, wire)
}

// Resend retries the active turn's chat.send under its original idempotency
// key so the gateway can deduplicate it.
func (c *Conversation) Resend(ctx context.Context) error {
	c.mu.Lock()
	key, wire := c.turn.IdempotencyKey, c.outgoing
	streaming := c.turn.Phase == PhaseStreaming
	c.mu.Unlock()
	if !streaming || key == "" || wire == "" {
		return ErrNoActiveTurn
	}
	return c.sendTurn(ctx, key, wire)
}

func (c *Conversation) sendTurn(ctx context.Context, key, wire string) error {
	_, err := c.caller.Call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     c.opts.SessionKey,
		Message:        wire,
		Deliver:        false,
		IdempotencyKey: key,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrRequestTimeout) {
		c.logger.Warn("chat.send timed out, turn kept for resend", "idempotency_key", key)
		return fmt.Errorf("chat.send: %w", err)
	}

	msg := errorText(err)
	c.transition.Lock()
	defer c.transition.Unlock()
	c.mu.Lock()
	owned := c.turn.IdempotencyKey == key
	if owned {
		c.turn = TurnState{LastError: msg}
		c.outgoing, c.stream, c.thought = "", "", ""
		c.messages = append(c.messages, Message{Role: RoleAssistant, Content: "Error: " + msg, Timestamp: time.Now()})
	}
	c.mu.Unlock()
	if owned {
		c.each(func(l Listener) {
			l.OnError(msg)
			l.OnStatus(protocol.StatusIdle)
		})
	}
	return fmt.Errorf("chat.send: %w", err)
}

func errorText(err error) string {
	var rerr *gateway.RemoteError
	if errors.As(err, &rerr) {
		return rerr.Message
	}
	return err.Error()
}

// Abort asks the gateway to stop the running turn. Local turn state is
// cleared and history refetched whether or not the request succeeds.
func (c *Conversation) Abort(ctx context.Context) error {
	_, err := c.caller.Call(ctx, protocol.MethodChatAbort, protocol.ChatAbortParams{SessionKey: c.opts.SessionKey})
	if err != nil {
		c.logger.Warn("chat.abort failed, clearing turn locally", "error", err)
	}

	c.transition.Lock()
	c.mu.Lock()
	wasStreaming := c.turn.Phase == PhaseStreaming
	gen := c.gen
	c.turn = TurnState{}
	c.outgoing, c.stream, c.thought = "", "", ""
	c.mu.Unlock()
	if wasStreaming {
		c.each(func(l Listener) { l.OnStatus(protocol.StatusIdle) })
	}
	c.transition.Unlock()
	if _, _, herr := c.refresh(ctx, gen); herr != nil {
		c.logger.Debug("refresh history after abort", "error", herr)
	}
	if err != nil {
		return fmt.Errorf("chat.abort: %w", err)
	}
	return nil
}

// History fetches up to limit display messages without touching local state.
func (c *Conversation) History(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = c.opts.HistoryLimit
	}
	raw, err := c.caller.Call(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionKey: c.opts.SessionKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("chat.history: %w", err)
	}
	var res protocol.ChatHistoryResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode chat.history: %w", err)
		}
	}
	return DisplayMessages(res.Messages, c.opts.MessagePrefix), nil
}

// RefreshHistory replaces the local messages with the gateway's history,
// reattaching staged files to the user messages that carried them. Local
// messages are kept when a turn starts before the history arrives.
func (c *Conversation) RefreshHistory(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	msgs, _, err := c.refresh(ctx, gen)
	return msgs, err
}

// refresh fetches history and applies it only while gen is still the latest
// turn. It reports whether the local messages were replaced.
func (c *Conversation) refresh(ctx context.Context, gen uint64) ([]Message, bool, error) {
	msgs, err := c.History(ctx, c.opts.HistoryLimit)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		if files, ok := c.attachments[attachmentKey(m.Content)]; ok {
			msgs[i].Attachments = files
		}
	}
	if c.gen != gen {
		return msgs, false, nil
	}
	c.messages = msgs
	return append([]Message(nil), msgs...), true, nil
}

func attachmentKey(content string) string {
	if len(content) > 80 {
		return content[:80]
	}
	return content
}
