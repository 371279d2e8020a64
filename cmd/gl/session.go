package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/ehrlich-b/gatelink/internal/auth"
	"github.com/ehrlich-b/gatelink/internal/chat"
	"github.com/ehrlich-b/gatelink/internal/config"
	"github.com/ehrlich-b/gatelink/internal/device"
	"github.com/ehrlich-b/gatelink/internal/gateway"
	"github.com/ehrlich-b/gatelink/internal/staging"
	"github.com/ehrlich-b/gatelink/internal/store"
)

// session wires one gateway connection to one conversation.
type session struct {
	cfg      *config.Config
	cfgPath  string
	store    *store.Store
	identity *device.Manager
	client   *gateway.Client
	conv     *chat.Conversation

	mu      sync.Mutex
	state   gateway.State
	ready   chan struct{} // closed on the first established session
	once    sync.Once
	onState func(gateway.State, string)
}

// openStore prepares the config directories and opens the credential store.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return s, nil
}

func newSession(cfg *config.Config, cfgPath string) (*session, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	sess := &session{
		cfg:      cfg,
		cfgPath:  cfgPath,
		store:    s,
		identity: device.NewManager(s, logger),
		ready:    make(chan struct{}),
	}

	wait, reconnect, callTimeout := cfg.Gateway.Timing()
	sess.client = &gateway.Client{
		URL:            cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		Role:           cfg.Gateway.Role,
		Scopes:         cfg.Gateway.Scopes,
		ClientID:       cfg.Gateway.ClientID,
		ClientMode:     cfg.Gateway.ClientMode,
		Version:        version,
		Platform:       runtime.GOOS,
		Locale:         locale(),
		UserAgent:      "gatelink/" + version,
		Identity:       sess.identity,
		Tokens:         auth.NewTokenCache(s, logger),
		Logger:         logger,
		ChallengeWait:  wait,
		ReconnectDelay: reconnect,
		CallTimeout:    callTimeout,
	}

	var stager chat.Stager
	if cfg.Staging.Dir != "" {
		stager = staging.New(cfg.Staging.Dir)
	}
	sess.conv = chat.New(sess.client, chat.Options{
		SessionKey:    cfg.Gateway.SessionKey,
		MessagePrefix: cfg.Gateway.MessagePrefix,
		HistoryLimit:  cfg.Gateway.HistoryLimit,
		Stager:        stager,
		Logger:        logger,
	})

	sess.client.OnEvent = sess.conv.Dispatch
	sess.client.OnStateChange = sess.setState
	sess.client.OnReady = func(ctx context.Context, _ gateway.Caller) {
		if _, err := sess.conv.RefreshHistory(ctx); err != nil {
			slog.Warn("load history", "error", err)
		}
		sess.once.Do(func() { close(sess.ready) })
	}
	return sess, nil
}

func (s *session) setState(st gateway.State, reason string) {
	s.mu.Lock()
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st, reason)
	}
}

// Connected reports whether the gateway session is established.
func (s *session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == gateway.StateConnected
}

// caller returns the RPC capability while connected, nil otherwise.
func (s *session) caller() gateway.Caller {
	if !s.Connected() {
		return nil
	}
	return s.client
}

// start runs the connection and the config watcher in the background. The
// returned channel yields Run's result.
func (s *session) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.client.Run(ctx) }()
	if s.cfgPath != "" {
		go func() {
			err := config.Watch(ctx, s.cfgPath, func(c *config.Config) {
				s.client.SetBaseToken(c.Gateway.Token)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("config watch stopped", "error", err)
			}
		}()
	}
	return done
}

// waitReady blocks until the first session is established, Run fails or ctx
// ends.
func (s *session) waitReady(ctx context.Context, done <-chan error) error {
	select {
	case <-s.ready:
		return nil
	case err := <-done:
		if err == nil {
			err = errors.New("gateway client stopped")
		}
		return fmt.Errorf("connect %s: %w", s.cfg.Gateway.URL, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Close() error {
	s.client.Close()
	return s.store.Close()
}

func locale() string {
	for _, k := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(k); v != "" && v != "C" && v != "POSIX" {
			v, _, _ = strings.Cut(v, ".")
			return strings.ReplaceAll(v, "_", "-")
		}
	}
	return "en-US"
}
