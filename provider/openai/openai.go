// Package openai adapts the OpenAI Chat Completions API to the agent
// connection boundary.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/logging"
)

// ErrTurnInFlight is returned when Send is called while a previous turn is
// still streaming on the same connection.
var ErrTurnInFlight = errors.New("openai: turn already in flight")

// Options configures the OpenAI connector.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
	Logger      logging.Logger
}

// Connector opens Chat Completions conversations with durable, resumable
// per-session history.
type Connector struct {
	client openai.Client
	opts   Options

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	mu       sync.Mutex
	model    string
	system   string
	messages []openai.ChatCompletionMessageParamUnion
	finals   []finalMessage
}

type finalMessage struct {
	id   string
	text string
}

// NewConnector creates an OpenAI connector using the official client.
func NewConnector(optFns ...func(o *Options)) *Connector {
	opts := Options{
		Model:       openai.ChatModelGPT4o,
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

	return &Connector{
		client: openai.NewClient(clientOpts...),
		opts:   opts,
		convs:  make(map[string]*conversation),
	}
}

// Connect opens a fresh conversation.
func (c *Connector) Connect(_ context.Context, model, systemPrompt string) (core.Connection, error) {
	m := c.opts.Model
	if model != "" {
		m = model
	}
	conv := &conversation{model: m, system: systemPrompt}
	if systemPrompt != "" {
		conv.messages = append(conv.messages, openai.SystemMessage(systemPrompt))
	}

	id := core.NewID()
	c.mu.Lock()
	c.convs[id] = conv
	c.mu.Unlock()

	return newConn(c, id, conv), nil
}

// Resume reattaches to an existing conversation by its durable id, replaying
// completed replies as ContentFull events.
func (c *Connector) Resume(_ context.Context, sessionID string) (core.Connection, error) {
	c.mu.Lock()
	conv, ok := c.convs[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("openai: unknown session id %s", sessionID)
	}
	conn := newConn(c, sessionID, conv)
	conn.replay = true
	return conn, nil
}

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

// Send starts one streaming turn and returns once the stream goroutine is
// launched.
func (c *conn) Send(ctx context.Context, prompt string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("openai: connection closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.conv.mu.Lock()
	c.conv.messages = append(c.conv.messages, openai.UserMessage(prompt))
	params := openai.ChatCompletionNewParams{
		Model:               c.conv.model,
		Messages:            append([]openai.ChatCompletionMessageParamUnion(nil), c.conv.messages...),
		Temperature:         openai.Float(c.connector.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.connector.opts.MaxTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	c.conv.mu.Unlock()

	go c.streamTurn(turnCtx, params)
	return nil
}

func (c *conn) streamTurn(ctx context.Context, params openai.ChatCompletionNewParams) {
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

	stream := c.connector.client.Chat.Completions.NewStreaming(ctx, params)
	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				c.emit(core.ContentDelta{MessageID: messageID, Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.ID != "" && tc.Function.Name != "" {
					c.emit(core.ToolStarted{CallID: tc.ID, Name: tc.Function.Name, Input: tc.Function.Arguments})
				}
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			c.emit(core.UsageInfo{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			})
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.emit(core.SessionError{Message: fmt.Sprintf("openai stream: %v", err)})
		return
	}

	final := text.String()
	c.conv.mu.Lock()
	if final != "" {
		c.conv.messages = append(c.conv.messages, openai.AssistantMessage(final))
	}
	c.conv.finals = append(c.conv.finals, finalMessage{id: messageID, text: final})
	c.conv.mu.Unlock()

	c.emit(core.TurnEnded{MessageID: messageID})
	c.emit(core.SessionIdle{})
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
