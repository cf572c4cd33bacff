package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"xmtprelay/internal/domain"
)

// ErrNotConnected is returned by Send once the gateway connection is gone.
var ErrNotConnected = errors.New("xmtp: not connected")

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultPingInterval     = 30 * time.Second
	writeTimeout            = 10 * time.Second
)

// XMTPConfig configures the connection to the XMTP gateway process, which
// holds the network client and signs with the wallet key.
type XMTPConfig struct {
	GatewayURL       string
	WalletKey        string
	Env              string // production | dev | local
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// XMTP is a client for the XMTP gateway. Inbound messages are handled one
// at a time, in arrival order, by a single worker; writes are serialised.
type XMTP struct {
	conn         *websocket.Conn
	address      string
	pingInterval time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ domain.Transport = (*XMTP)(nil)

// gatewayFrame is the envelope for every frame the gateway sends.
type gatewayFrame struct {
	Type    string          `json:"type"` // ready | message | error | sent
	Address string          `json:"address,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

type initFrame struct {
	Type      string `json:"type"`
	WalletKey string `json:"walletKey"`
	Env       string `json:"env"`
}

type sendFrame struct {
	Type            string                `json:"type"`
	Message         string                `json:"message"`
	OriginalMessage domain.InboundMessage `json:"originalMessage"`
	Metadata        map[string]any        `json:"metadata"`
}

// DialXMTP connects to the gateway, authenticates with the wallet key and
// waits for the gateway to report the client's address.
func DialXMTP(ctx context.Context, cfg XMTPConfig) (*XMTP, error) {
	if cfg.WalletKey == "" {
		return nil, fmt.Errorf("xmtp: wallet key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Env == "" {
		cfg.Env = "production"
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	conn, _, err := dialer.DialContext(ctx, cfg.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("xmtp: dial %s: %w", cfg.GatewayURL, err)
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(initFrame{Type: "init", WalletKey: cfg.WalletKey, Env: cfg.Env}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xmtp: send init: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var address string
	for address == "" {
		var f gatewayFrame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return nil, fmt.Errorf("xmtp: waiting for ready: %w", err)
		}
		switch f.Type {
		case "ready":
			if f.Address == "" {
				conn.Close()
				return nil, fmt.Errorf("xmtp: gateway reported ready without an address")
			}
			address = f.Address
		case "error":
			conn.Close()
			return nil, fmt.Errorf("xmtp: gateway rejected client: %s", f.Error)
		default:
			cfg.Logger.Debug("xmtp: ignoring frame before ready", "type", f.Type)
		}
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	return &XMTP{
		conn:         conn,
		address:      address,
		pingInterval: cfg.PingInterval,
		logger:       cfg.Logger,
		closed:       make(chan struct{}),
	}, nil
}

// Address is the wallet address the gateway authenticated.
func (x *XMTP) Address() string { return x.address }

// Send replies on the conversation of req.OriginalMessage.
func (x *XMTP) Send(ctx context.Context, req domain.SendRequest) error {
	select {
	case <-x.closed:
		return ErrNotConnected
	default:
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	frame := sendFrame{
		Type:            "send",
		Message:         req.Message,
		OriginalMessage: req.OriginalMessage,
		Metadata:        metadata,
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.conn.SetWriteDeadline(deadline)
	if err := x.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("xmtp: send to %s: %w", req.OriginalMessage.Group.ID, err)
	}
	return nil
}

// Listen reads frames until ctx is done or the connection fails, calling
// handler for every inbound message in arrival order. Messages already
// queued when the connection ends are still handled unless ctx is done.
func (x *XMTP) Listen(ctx context.Context, handler domain.MessageHandler) error {
	pongWait := 2 * x.pingInterval
	x.conn.SetReadDeadline(time.Now().Add(pongWait))
	x.conn.SetPongHandler(func(string) error {
		return x.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go x.keepalive(ctx)
	go func() {
		select {
		case <-ctx.Done():
			x.Close()
		case <-x.closed:
		}
	}()

	// The read loop never blocks on the handler so that pongs keep the
	// deadline moving while a slow reply is being generated.
	q := newInbox()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for {
			msg, ok := q.next(ctx)
			if !ok {
				return
			}
			handler(ctx, msg)
		}
	}()

	for {
		_, data, err := x.conn.ReadMessage()
		if err != nil {
			x.Close()
			q.close()
			<-workerDone
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("xmtp: read: %w", err)
		}
		x.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f gatewayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			x.logger.Warn("xmtp: invalid frame", "err", err)
			continue
		}

		switch f.Type {
		case "message":
			var msg domain.InboundMessage
			if err := json.Unmarshal(f.Message, &msg); err != nil {
				x.logger.Warn("xmtp: invalid message frame", "err", err)
				continue
			}
			if n := q.push(msg); n > 1 {
				x.logger.Debug("xmtp: message queued", "id", msg.ID, "pending", n)
			}
		case "error":
			x.logger.Warn("xmtp: gateway error", "error", f.Error)
		default:
			x.logger.Debug("xmtp: ignoring frame", "type", f.Type)
		}
	}
}

// inbox is an unbounded FIFO between the read loop and the handler worker.
type inbox struct {
	mu     sync.Mutex
	items  []domain.InboundMessage
	closed bool
	ready  chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

// push appends msg and returns the number of pending messages.
func (q *inbox) push(msg domain.InboundMessage) int {
	q.mu.Lock()
	q.items = append(q.items, msg)
	n := len(q.items)
	q.mu.Unlock()
	q.signal()
	return n
}

// close lets the worker drain what is already queued and then stop.
func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next blocks until a message is available. It reports false once the inbox
// is closed and empty, or when ctx is done.
func (q *inbox) next(ctx context.Context) (domain.InboundMessage, bool) {
	for {
		if ctx.Err() != nil {
			return domain.InboundMessage{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = domain.InboundMessage{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.InboundMessage{}, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
		}
	}
}

func (x *XMTP) keepalive(ctx context.Context) {
	ticker := time.NewTicker(x.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.closed:
			return
		case <-ticker.C:
			if err := x.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				x.logger.Warn("xmtp: ping failed", "err", err)
				return
			}
		}
	}
}

// Close tears down the gateway connection. Safe to call more than once.
func (x *XMTP) Close() error {
	var err error
	x.closeOnce.Do(func() {
		close(x.closed)
		x.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = x.conn.Close()
	})
	return err
}
