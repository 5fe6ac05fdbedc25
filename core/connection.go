package core

import "context"

// EventHandler receives typed events from one agent connection. Handlers are
// invoked on a connection-owned goroutine; implementations must not block and
// must marshal shared-state mutations onto their own owner context.
type EventHandler func(ev AgentEvent)

// Connection is one live link to an external conversational agent. A
// connection serves exactly one session; events flow only through the handler
// registered via Subscribe before the first Send.
type Connection interface {
	// SessionID returns the durable server-side id used to resume this
	// conversation after the connection is lost.
	SessionID() string

	// Subscribe registers the event handler. Must be called before Send;
	// subsequent calls replace the handler.
	Subscribe(h EventHandler)

	// Send submits a prompt. The response arrives asynchronously through the
	// subscribed handler, terminated by SessionIdle or SessionError.
	Send(ctx context.Context, prompt string) error

	// Abort best-effort signals the agent to stop generating.
	Abort(ctx context.Context) error

	// Close releases the connection. No events are delivered after Close.
	Close() error
}

// Connector establishes agent connections. Implementations live at the
// protocol boundary (see the provider packages); the rest of the system only
// requires "send a prompt, receive a stream of typed events".
type Connector interface {
	// Connect opens a fresh conversation using the given model identifier
	// and optional system prompt.
	Connect(ctx context.Context, model, systemPrompt string) (Connection, error)

	// Resume reattaches to an existing conversation by its durable id,
	// replaying any missed history as ContentFull events.
	Resume(ctx context.Context, sessionID string) (Connection, error)
}
