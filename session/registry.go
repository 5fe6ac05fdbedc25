package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/logging"
)

// Config defines tuning parameters for the session pipeline.
type Config struct {
	// WatchdogInterval is how often the watchdog inspects live turns.
	WatchdogInterval time.Duration

	// InactivityTimeout applies when no tool is active: a turn producing no
	// events for this long fails as if an error event had arrived.
	InactivityTimeout time.Duration

	// ToolTimeout applies while a tool is running, after tools ran earlier
	// in the same turn, or when the session was resumed mid-turn.
	ToolTimeout time.Duration

	// ActivityBuffer sets the notification channel buffer size.
	ActivityBuffer int

	// DeniedTools are internal bookkeeping tool names filtered from history
	// and activity notifications.
	DeniedTools []string
}

// DefaultConfig provides production-ready defaults.
var DefaultConfig = Config{
	WatchdogInterval:  15 * time.Second,
	InactivityTimeout: 2 * time.Minute,
	ToolTimeout:       10 * time.Minute,
	ActivityBuffer:    64,
	DeniedTools:       []string{"state_checkpoint", "usage_report", "context_compact"},
}

// Options configures a Service instance using the functional options pattern.
type Options struct {
	Config Config
	Logger logging.Logger
}

// turn is the mutable state of one in-flight send/response cycle.
type turn struct {
	future        *Future
	startedAt     time.Time
	lastEvent     time.Time
	activeTools   map[string]string // call id -> tool name
	toolsUsed     bool
	resumed       bool
	lastMessageID string
}

// entry pairs a session record with its live connection and turn state.
// entry.mu serializes all pipeline mutation for the session.
type entry struct {
	mu      sync.Mutex
	session *core.Session
	conn    core.Connection
	turn    *turn
	usage   core.UsageInfo
}

// Service is the session registry and event pipeline. It owns every live
// session, its connection, and its at-most-one outstanding completion future.
// All methods are safe for concurrent use.
type Service struct {
	connector core.Connector
	cfg       Config
	logger    logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	activity chan core.Activity
	denied   map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a session Service bound to a connector.
func New(connector core.Connector, optFns ...func(o *Options)) *Service {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	denied := make(map[string]struct{}, len(opts.Config.DeniedTools))
	for _, name := range opts.Config.DeniedTools {
		denied[name] = struct{}{}
	}

	return &Service{
		connector: connector,
		cfg:       opts.Config,
		logger:    opts.Logger,
		entries:   make(map[string]*entry),
		activity:  make(chan core.Activity, opts.Config.ActivityBuffer),
		denied:    denied,
		stopCh:    make(chan struct{}),
	}
}

// Activity returns the stream of session-scoped notifications. Every
// processing-flag clear in the pipeline is paired with a notification here.
func (s *Service) Activity() <-chan core.Activity { return s.activity }

// Create opens a fresh connection and registers a new session under name.
func (s *Service) Create(ctx context.Context, name, model, specialization string) (*core.Session, error) {
	s.mu.Lock()
	if _, ok := s.entries[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	sess := core.NewSession(name)
	sess.Model = model
	sess.Specialization = specialization
	e := &entry{session: sess}
	s.entries[name] = e
	s.mu.Unlock()

	conn, err := s.connector.Connect(ctx, model, specialization)
	if err != nil {
		s.remove(name)
		return nil, fmt.Errorf("connect session %s: %w", name, err)
	}
	s.wire(e, conn)
	s.logger.Info("session created", "session", name, "model", model)

	return sess, nil
}

// Resume registers a session reattached to an existing conversation by its
// durable connection id. Missed history is replayed by the connection as
// full-message events and deduplicated by message id.
func (s *Service) Resume(ctx context.Context, name, connectionID string) (*core.Session, error) {
	s.mu.Lock()
	if _, ok := s.entries[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	sess := core.NewSession(name)
	sess.ConnectionID = connectionID
	e := &entry{session: sess}
	s.entries[name] = e
	s.mu.Unlock()

	conn, err := s.connector.Resume(ctx, connectionID)
	if err != nil {
		s.remove(name)
		return nil, fmt.Errorf("resume session %s: %w", name, err)
	}
	s.wire(e, conn)
	s.logger.Info("session resumed", "session", name, "connection_id", connectionID)

	return sess, nil
}

// Get returns the session record registered under name.
func (s *Service) Get(name string) (*core.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// List returns all registered sessions.
func (s *Service) List() []*core.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Session, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.session)
	}
	return out
}

// Usage returns the last reported token usage for the session.
func (s *Service) Usage(name string) (core.UsageInfo, bool) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return core.UsageInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage, true
}

// Send starts a turn: it submits prompt to the session's connection and
// returns the completion future. Fails fast with ErrAlreadyProcessing when a
// turn is outstanding. A send-time connection failure is recovered by one
// reconnect+retry; a second failure fails the turn.
func (s *Service) Send(ctx context.Context, name, prompt string) (*Future, error) {
	e, ok := s.entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	e.mu.Lock()
	if !e.session.BeginTurn() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessing, name)
	}
	now := time.Now()
	fut := newFuture()
	e.turn = &turn{
		future:      fut,
		startedAt:   now,
		lastEvent:   now,
		activeTools: make(map[string]string),
	}
	conn := e.conn
	e.mu.Unlock()

	e.session.AddMessage(core.Message{Kind: core.MessageUser, Text: prompt})
	s.notify(core.NewActivity(name, core.ActivityTurnStarted, ""))

	if err := conn.Send(ctx, prompt); err != nil {
		s.logger.Warn("send failed, reconnecting", "session", name, "error", err.Error())
		retryErr := s.retrySend(ctx, e, prompt)
		if retryErr != nil {
			s.failTurn(e, fmt.Errorf("send after reconnect: %w", retryErr))
			return nil, fmt.Errorf("send to session %s: %w", name, retryErr)
		}
	}

	return fut, nil
}

// Queue appends a prompt to the session's pending queue. Queued prompts are
// dispatched automatically when the current turn completes successfully.
func (s *Service) Queue(name, prompt string) error {
	e, ok := s.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	e.session.EnqueuePrompt(prompt)
	s.notify(core.NewActivity(name, core.ActivityQueueChanged, ""))
	return nil
}

// Abort cancels the in-flight turn, if any: the future fails with
// ErrTurnAborted, the processing flag is cleared first, and the agent is
// best-effort signalled to stop.
func (s *Service) Abort(name string) error {
	e, ok := s.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	e.mu.Lock()
	t := e.turn
	conn := e.conn
	e.turn = nil
	e.mu.Unlock()

	if t == nil {
		return nil
	}

	e.session.EndTurn()
	s.notify(core.NewActivity(name, core.ActivityTurnAborted, ""))
	t.future.fail(ErrTurnAborted)

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Abort(ctx); err != nil {
			s.logger.Debug("abort signal failed", "session", name, "error", err.Error())
		}
	}

	return nil
}

// Close aborts any in-flight turn, closes the connection and removes the
// session from the registry.
func (s *Service) Close(name string) error {
	if err := s.Abort(name); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[name]
	delete(s.entries, name)
	s.mu.Unlock()

	if ok && e.conn != nil {
		if err := e.conn.Close(); err != nil {
			return fmt.Errorf("close session %s: %w", name, err)
		}
	}
	return nil
}

// Rename moves a session to a new registry name. The connection is re-wired
// under the new name so subsequent events dispatch correctly; in-flight
// events wired under the old name are dropped by the epoch guard.
func (s *Service) Rename(oldName, newName string) error {
	if newName == "" || newName == oldName {
		return fmt.Errorf("rename session: invalid target name %q", newName)
	}

	s.mu.Lock()
	e, ok := s.entries[oldName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, oldName)
	}
	if _, exists := s.entries[newName]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, newName)
	}
	delete(s.entries, oldName)
	s.entries[newName] = e
	s.mu.Unlock()

	e.mu.Lock()
	e.session.Name = newName
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		s.wire(e, conn)
	}
	return nil
}

// SetModel records a new preferred model for the session. It takes effect on
// the next connection, not mid-turn.
func (s *Service) SetModel(name, model string) error {
	e, ok := s.entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	e.mu.Lock()
	e.session.Model = model
	e.mu.Unlock()
	return nil
}

// Stop terminates the watchdog.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) entry(name string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

func (s *Service) remove(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// wire binds conn to the entry. The registry-visible connection and the
// bumped epoch are in place before the callback is subscribed, so early
// events from the new connection find a live entry and stale callbacks from
// the old connection fail the epoch comparison.
func (s *Service) wire(e *entry, conn core.Connection) {
	e.mu.Lock()
	if e.conn != nil && e.conn != conn {
		_ = e.conn.Close()
	}
	e.conn = conn
	if id := conn.SessionID(); id != "" {
		e.session.ConnectionID = id
	}
	name := e.session.Name
	e.mu.Unlock()

	epoch := e.session.BumpEpoch()
	conn.Subscribe(func(ev core.AgentEvent) { s.dispatch(name, epoch, ev) })
}

// retrySend disposes the dead connection, re-establishes it from the durable
// session id, marks the turn as resumed mid-turn, and retries exactly once.
func (s *Service) retrySend(ctx context.Context, e *entry, prompt string) error {
	e.mu.Lock()
	connectionID := e.session.ConnectionID
	old := e.conn
	e.mu.Unlock()

	if connectionID == "" {
		return fmt.Errorf("no durable connection id to resume")
	}

	conn, err := s.connector.Resume(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("resume connection: %w", err)
	}
	if old != nil {
		_ = old.Close()
	}
	s.wire(e, conn)

	e.mu.Lock()
	if e.turn != nil {
		e.turn.resumed = true
	}
	e.mu.Unlock()

	return conn.Send(ctx, prompt)
}

// failTurn clears turn state (processing flag first), notifies, then fails
// the future.
func (s *Service) failTurn(e *entry, err error) {
	e.mu.Lock()
	t := e.turn
	e.turn = nil
	e.mu.Unlock()

	if t == nil {
		return
	}
	e.session.EndTurn()
	s.notify(core.NewActivity(e.session.Name, core.ActivityTurnFailed, err.Error()))
	t.future.fail(err)
}

func (s *Service) notify(a core.Activity) {
	select {
	case s.activity <- a:
	default:
		s.logger.Debug("activity channel full, dropping notification", "session", a.Session, "kind", string(a.Kind))
	}
}
