// Package transport abstracts the real-time pub/sub connection. The session
// orchestrator and connection monitor depend on these narrow interfaces, not
// on a concrete transport SDK.
package transport

import (
	"context"
	"encoding/json"
)

// Handler receives the raw payload of a channel event.
type Handler func(data json.RawMessage)

// Channel is one pub/sub topic, scoped to a chat room.
type Channel interface {
	Name() string
	// On registers the handler for an event; a second call for the same
	// event replaces the previous handler.
	On(event string, fn Handler)
	Off(event string)
	// Close unsubscribes from the channel and drops its handlers.
	Close() error
}

// Adapter is the transport client capability: connect, subscribe, publish,
// disconnect. Implementations must make Disconnect idempotent.
type Adapter interface {
	Connect(ctx context.Context, token string) error
	SubscribeChannel(name string) (Channel, error)
	Publish(ctx context.Context, event string, payload any) error
	Disconnect() error
	// OnClose registers the hook invoked when the connection drops without
	// a Disconnect call. Intentional disconnects never fire it.
	OnClose(fn func(err error))
}
