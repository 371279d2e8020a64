package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ehrlich-b/gatelink/internal/chat"
	"github.com/ehrlich-b/gatelink/internal/protocol"
)

var _ chat.Listener = (*printer)(nil)

// printer renders conversation output on a terminal. Deltas carry the whole
// text so far; only the unseen suffix is written.
type printer struct {
	out  io.Writer
	idle chan struct{}

	mu      sync.Mutex
	printed string
	final   string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, idle: make(chan struct{}, 1)}
}

func (p *printer) write(text string) {
	if strings.HasPrefix(text, p.printed) {
		io.WriteString(p.out, text[len(p.printed):])
	} else {
		io.WriteString(p.out, "\n"+text)
	}
	p.printed = text
}

func (p *printer) OnDelta(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.write(text)
}

func (p *printer) OnFinal(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.write(text)
	io.WriteString(p.out, "\n")
	p.printed = ""
	p.final = text
}

func (p *printer) OnError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed != "" {
		io.WriteString(p.out, "\n")
		p.printed = ""
	}
	fmt.Fprintf(p.out, "error: %s\n", message)
}

func (p *printer) OnStatus(status string) {
	if status != protocol.StatusIdle {
		return
	}
	p.mu.Lock()
	if p.printed != "" {
		io.WriteString(p.out, "\n")
		p.printed = ""
	}
	p.mu.Unlock()
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

// reset forgets an idle signal left over from an earlier turn.
func (p *printer) reset() {
	select {
	case <-p.idle:
	default:
	}
	p.mu.Lock()
	p.final = ""
	p.mu.Unlock()
}

func (p *printer) lastFinal() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.final
}
