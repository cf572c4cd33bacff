package domain

import "context"

// MessageHandler is invoked by a transport for every decoded inbound message.
type MessageHandler func(ctx context.Context, msg InboundMessage)

// Transport is the XMTP client as seen by the relay.
type Transport interface {
	Address() string
	Send(ctx context.Context, req SendRequest) error
	Listen(ctx context.Context, handler MessageHandler) error
}
