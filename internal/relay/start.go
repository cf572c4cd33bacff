package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"xmtprelay/internal/bus"
	"xmtprelay/internal/config"
	"xmtprelay/internal/domain"
)

// DialFunc opens the XMTP transport authenticated with walletKey.
type DialFunc func(ctx context.Context, walletKey string) (domain.Transport, error)

type StartConfig struct {
	// WalletKey overrides EVM_PRIVATE_KEY when set.
	WalletKey string
	Dial      DialFunc
	Bus       *bus.EventBus
	Logger    *slog.Logger
}

// Client is the handle returned by Start.
type Client struct {
	transport domain.Transport
	adapter   *Adapter
	logger    *slog.Logger
	done      chan error
}

// Start dials the transport and begins delivering its messages to an
// Adapter bound to rt. The returned Client owns the transport for the life
// of the process.
func Start(ctx context.Context, rt domain.Runtime, cfg StartConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("relay: no transport dialer configured")
	}

	key := cfg.WalletKey
	if key == "" {
		var err error
		if key, err = config.WalletKeyFromEnv(); err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
	}

	transport, err := cfg.Dial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("relay: start xmtp client: %w", err)
	}

	adapter := NewAdapter(AdapterConfig{
		Runtime:   rt,
		Transport: transport,
		Bus:       cfg.Bus,
		Logger:    cfg.Logger,
	})
	c := &Client{
		transport: transport,
		adapter:   adapter,
		logger:    cfg.Logger,
		done:      make(chan error, 1),
	}

	addr := transport.Address()
	cfg.Logger.Info("XMTP client started")
	cfg.Logger.Info("XMTP address: " + addr)
	cfg.Logger.Info("Talk to me on:")
	for _, l := range Links(addr) {
		cfg.Logger.Info(l.Label + ": " + l.URL)
	}
	if cfg.Bus != nil {
		cfg.Bus.Emit(bus.Event{
			Type:      bus.EventClientStarted,
			Source:    "relay",
			Payload:   map[string]any{"address": addr},
			Timestamp: time.Now(),
		})
	}

	go func() {
		err := transport.Listen(ctx, adapter.OnMessage)
		if err != nil && ctx.Err() == nil {
			cfg.Logger.Error("xmtp listener stopped", "err", err)
		}
		c.done <- err
	}()
	return c, nil
}

// Address is the agent's XMTP address.
func (c *Client) Address() string { return c.transport.Address() }

// Done receives the listener's result once the transport stops delivering.
func (c *Client) Done() <-chan error { return c.done }

// Stop does not disconnect the transport; it stays attached until the
// process exits.
func (c *Client) Stop() {
	c.logger.Warn("XMTP client does not support stopping yet")
}

// Link is a client surface where the agent can be reached.
type Link struct {
	Label string
	URL   string
}

func Links(address string) []Link {
	return []Link{
		{"Converse", "https://converse.xyz/dm/" + address},
		{"Coinbase Wallet", "https://go.cb-w.com/messaging?address=" + address},
		{"Web or Farcaster Frame", "https://client.message-kit.org/?address=" + address},
	}
}
