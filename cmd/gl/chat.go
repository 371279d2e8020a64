package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/gatelink/internal/chat"
	"github.com/ehrlich-b/gatelink/internal/estimate"
	"github.com/ehrlich-b/gatelink/internal/gateway"
)

func chatCmd() *cobra.Command {
	var relayFlag bool
	var confirmFlag bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the gateway agent",
		Long: `Opens a chat session. Type a message and press enter to send it.

  /attach <file>   attach a file to the next message
  /history         reprint the conversation
  /resend          retry a send that timed out
  /stop            abort the running turn (also "stop", "abort")
  /quit            leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := newSession(cfg, cfgPath)
			if err != nil {
				return err
			}
			defer sess.Close()

			out := cmd.OutOrStdout()
			sess.onState = func(st gateway.State, reason string) {
				if reason != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s: %s]\n", st, reason)
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", st)
				}
			}
			done := sess.start(ctx)

			if relayFlag {
				if cfg.Relay.URL == "" {
					return errors.New("relay.url is not configured")
				}
				bridge := newBridge(cfg, sess)
				sess.conv.Subscribe(bridge)
				go bridge.Run(ctx)
				defer bridge.Close()
			}

			if err := sess.waitReady(ctx, done); err != nil {
				return err
			}
			printHistory(out, sess.conv.Snapshot().Messages)

			p := newPrinter(out)
			sess.conv.Subscribe(p)

			r := &repl{
				sess:    sess,
				printer: p,
				out:     out,
				in:      os.Stdin,
				prompt:  term.IsTerminal(int(os.Stdin.Fd())),
			}
			if confirmFlag {
				r.estimator = estimate.NewClient(cfg.Estimate.URL, cfg.Estimate.APIKey)
			}
			err = r.run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&relayFlag, "relay", false, "also bridge this session to the configured relay")
	cmd.Flags().BoolVar(&confirmFlag, "confirm", false, "show a cost estimate and ask before each send")

	return cmd
}

type repl struct {
	sess      *session
	printer   *printer
	estimator *estimate.Client
	out       io.Writer
	in        io.Reader
	prompt    bool

	pending []chat.Upload
}

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		if r.prompt {
			io.WriteString(r.out, "> ")
		}
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		quit, err := r.handle(ctx, line, lines)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// handle runs one input line. Sends block until the turn goes idle so the
// reply is not interleaved with the prompt.
func (r *repl) handle(ctx context.Context, line string, lines <-chan string) (quit bool, err error) {
	conv := r.sess.conv
	switch {
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/history":
		printHistory(r.out, conv.Snapshot().Messages)
		return false, nil
	case strings.HasPrefix(line, "/attach "):
		u, err := readUpload(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
		if err != nil {
			return false, err
		}
		r.pending = append(r.pending, u)
		fmt.Fprintf(r.out, "attached %s (%s)\n", u.Name, u.MIMEType)
		return false, nil
	case line == "/resend":
		r.printer.reset()
		if err := conv.Resend(ctx); err != nil {
			return false, err
		}
		return false, r.wait(ctx, lines)
	case chat.IsStopWord(line) && len(r.pending) == 0:
		return false, conv.Submit(ctx, line)
	}

	if r.estimator != nil && !r.confirm(ctx, line, lines) {
		return false, nil
	}
	uploads := r.pending
	r.pending = nil
	r.printer.reset()
	if err := conv.Submit(ctx, line, uploads...); err != nil {
		if errors.Is(err, gateway.ErrRequestTimeout) {
			return false, fmt.Errorf("%w (type /resend to retry)", err)
		}
		return false, err
	}
	return false, r.wait(ctx, lines)
}

// wait blocks until the turn is idle. Stop words typed meanwhile abort it.
func (r *repl) wait(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-r.printer.idle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case <-r.printer.idle:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if chat.IsStopWord(l) {
				if err := r.sess.conv.Abort(ctx); err != nil {
					fmt.Fprintf(r.out, "error: %v\n", err)
				}
			}
		}
	}
}

func (r *repl) confirm(ctx context.Context, line string, lines <-chan string) bool {
	text := line
	if text == "" {
		names := make([]string, len(r.pending))
		for i, u := range r.pending {
			names[i] = u.Name
		}
		text = strings.Join(names, " ")
	}
	est := r.estimator.Estimate(ctx, text)
	fmt.Fprintf(r.out, "%s\n%s\ninput %d, output %d, est. cost %d tokens\nsend? [y/N] ",
		est.CostExplanation, est.Plan, est.InputTokens, est.OutputTokens, est.InternalTokens)
	select {
	case answer, ok := <-lines:
		return ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y")
	case <-ctx.Done():
		return false
	}
}

func printHistory(w io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		who := "you"
		if m.Role == chat.RoleAssistant {
			who = "agent"
		}
		fmt.Fprintf(w, "%s: %s\n", who, m.Content)
		for _, a := range m.Attachments {
			fmt.Fprintf(w, "  [%s] %s\n", a.MIMEType, a.Path)
		}
	}
}
