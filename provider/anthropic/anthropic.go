// Package anthropic adapts the Anthropic Messages API to the agent
// connection boundary.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/logging"
)

// ErrTurnInFlight is returned when Send is called while a previous turn is
// still streaming on the same connection.
var ErrTurnInFlight = errors.New("anthropic: turn already in flight")

// Model aliases the SDK model identifier so callers configuring the
// connector need not import the SDK themselves.
type Model = anthropic.Model

// Options configures the Anthropic connector (default model id, max tokens,
// temperature, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	Logger      logging.Logger
}

// Connector opens Messages API conversations. Conversation history lives
// connector-side keyed by a durable id, so a dropped connection can be
// resumed without losing context.
type Connector struct {
	client *anthropic.Client
	opts   Options

	mu    sync.Mutex
	convs map[string]*conversation
}

// conversation is the durable per-session state shared across reconnects.
type conversation struct {
	mu       sync.Mutex
	model    anthropic.Model
	system   string
	messages []anthropic.MessageParam
	finals   []finalMessage
}

// finalMessage is one completed assistant reply retained for history replay
// on resume.
type finalMessage struct {
	id   string
	text string
}

// NewConnector creates an Anthropic connector using the official client.
func NewConnector(optFns ...func(o *Options)) *Connector {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Connector{
		client: &client,
		opts:   opts,
		convs:  make(map[string]*conversation),
	}
}

// Connect opens a fresh conversation.
func (c *Connector) Connect(_ context.Context, model, systemPrompt string) (core.Connection, error) {
	m := c.opts.Model
	if model != "" {
		m = anthropic.Model(model)
	}
	conv := &conversation{model: m, system: systemPrompt}

	id := core.NewID()
	c.mu.Lock()
	c.convs[id] = conv
	c.mu.Unlock()

	return newConn(c, id, conv), nil
}

// Resume reattaches to an existing conversation by its durable id. The new
// connection replays completed assistant replies as ContentFull events so the
// pipeline can dedup against its last finalized id.
func (c *Connector) Resume(_ context.Context, sessionID string) (core.Connection, error) {
	c.mu.Lock()
	conv, ok := c.convs[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("anthropic: unknown session id %s", sessionID)
	}
	conn := newConn(c, sessionID, conv)
	conn.replay = true
	return conn, nil
}

// conn is one live link to a conversation. At most one turn streams at a
// time.
type conn struct {
	connector *Connector
	id        string
	conv      *conversation
	replay    bool

	mu      sync.Mutex
	handler core.EventHandler
	cancel  context.CancelFunc
	closed  bool
}

var _ core.Connector = (*Connector)(nil)
var _ core.Connection = (*conn)(nil)

func newConn(connector *Connector, id string, conv *conversation) *conn {
	return &conn{connector: connector, id: id, conv: conv}
}

func (c *conn) SessionID() string { return c.id }

func (c *conn) Subscribe(h core.EventHandler) {
	c.mu.Lock()
	c.handler = h
	replay := c.replay
	c.replay = false
	c.mu.Unlock()

	c.emit(core.SessionAcknowledged{SessionID: c.id})
	if replay {
		c.conv.mu.Lock()
		finals := append([]finalMessage(nil), c.conv.finals...)
		c.conv.mu.Unlock()
		for _, f := range finals {
			c.emit(core.ContentFull{MessageID: f.id, Text: f.text})
		}
	}
}

func (c *conn) emit(ev core.AgentEvent) {
	c.mu.Lock()
	h := c.handler
	closed := c.closed
	c.mu.Unlock()
	if h != nil && !closed {
		h(ev)
	}
}

// Send starts one streaming turn. It returns once the stream goroutine is
// launched; the response arrives through the subscribed handler.
func (c *conn) Send(ctx context.Context, prompt string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("anthropic: connection closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.conv.mu.Lock()
	c.conv.messages = append(c.conv.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	params := anthropic.MessageNewParams{
		Model:       c.conv.model,
		MaxTokens:   c.connector.opts.MaxTokens,
		Temperature: anthropic.Float(c.connector.opts.Temperature),
		Messages:    append([]anthropic.MessageParam(nil), c.conv.messages...),
	}
	if c.conv.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.conv.system}}
	}
	c.conv.mu.Unlock()

	go c.streamTurn(turnCtx, params)
	return nil
}

func (c *conn) streamTurn(ctx context.Context, params anthropic.MessageNewParams) {
	defer func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	messageID := core.NewID()
	c.emit(core.TurnStarted{MessageID: messageID})

	stream := c.connector.client.Messages.NewStreaming(ctx, params)
	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			c.connector.opts.Logger.Warn("accumulate stream event", "error", err.Error())
		}

		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			c.emit(core.UsageInfo{InputTokens: ev.Message.Usage.InputTokens})

		case anthropic.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				input, _ := json.Marshal(tu.Input)
				c.emit(core.ToolStarted{CallID: tu.ID, Name: tu.Name, Input: string(input)})
			}

		case anthropic.ContentBlockDeltaEvent:
			if td, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
				c.emit(core.ContentDelta{MessageID: messageID, Text: td.Text})
			}

		case anthropic.ContentBlockStopEvent:
			// Tool results come back on the next user turn; report the block
			// as complete so the pipeline can settle the pending entry.
			if int(ev.Index) < len(acc.Content) {
				if tu, ok := acc.Content[ev.Index].AsAny().(anthropic.ToolUseBlock); ok {
					input, _ := json.Marshal(tu.Input)
					c.emit(core.ToolCompleted{CallID: tu.ID, Name: tu.Name, Result: string(input)})
				}
			}

		case anthropic.MessageDeltaEvent:
			c.emit(core.UsageInfo{OutputTokens: ev.Usage.OutputTokens})
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			// Aborted locally; the pipeline already settled the turn.
			return
		}
		c.emit(core.SessionError{Message: fmt.Sprintf("anthropic stream: %v", err)})
		return
	}

	text := collectText(acc)
	c.conv.mu.Lock()
	if len(acc.Content) > 0 {
		c.conv.messages = append(c.conv.messages, acc.ToParam())
	}
	c.conv.finals = append(c.conv.finals, finalMessage{id: messageID, text: text})
	c.conv.mu.Unlock()

	c.emit(core.TurnEnded{MessageID: messageID})
	c.emit(core.SessionIdle{})
}

func collectText(m anthropic.Message) string {
	var out string
	for _, block := range m.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// Abort cancels the in-flight turn, if any.
func (c *conn) Abort(context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close stops event delivery and aborts any in-flight turn. The durable
// conversation survives for Resume.
func (c *conn) Close() error {
	c.Abort(context.Background())
	c.mu.Lock()
	c.closed = true
	c.handler = nil
	c.mu.Unlock()
	return nil
}
