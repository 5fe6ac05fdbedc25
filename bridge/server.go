package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/engine"
	"github.com/davidnguyen-tech/polypilot/logging"
	"github.com/davidnguyen-tech/polypilot/org"
	"github.com/davidnguyen-tech/polypilot/session"
)

// Config tunes the bridge server.
type Config struct {
	// Addr is the listen address for ListenAndServe.
	Addr string

	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PingInterval is how often the writer pings an idle connection. It must
	// be shorter than PongWait.
	PingInterval time.Duration

	// PongWait is how long a connection may go silent before the read loop
	// gives up on it.
	PongWait time.Duration

	// SendBuffer is the per-client outbound queue length. A client that
	// cannot drain it is disconnected rather than allowed to block pushes
	// to everyone else.
	SendBuffer int
}

// DefaultConfig provides the baseline bridge configuration.
var DefaultConfig = Config{
	Addr:         ":8765",
	ReadLimit:    64 * 1024,
	WriteTimeout: 10 * time.Second,
	PingInterval: 30 * time.Second,
	PongWait:     60 * time.Second,
	SendBuffer:   256,
}

// Options configures a Server.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger
}

// Server bridges WebSocket clients to the session registry, the organization
// store, and the orchestration engine.
type Server struct {
	sessions *session.Service
	orgs     *org.Service
	engine   *engine.Engine
	cfg      Config
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one connected WebSocket peer with its dedicated writer.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	active string // session the client is currently viewing
}

// New creates a bridge server over the given services.
func New(sessions *session.Service, orgs *org.Service, eng *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultConfig.ReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig.SendBuffer
	}
	return &Server{
		sessions: sessions,
		orgs:     orgs,
		engine:   eng,
		cfg:      cfg,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Router builds the HTTP mux: the WebSocket endpoint plus a health probe.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWS)
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled. The activity
// fan-out loop runs alongside it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Router()}

	go s.fanOutActivity(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("bridge listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
		server: s,
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("bridge client connected", "remote", conn.RemoteAddr().String())

	c.enqueueTyped(TypeWelcome, WelcomePayload{Version: ProtocolVersion})
	c.enqueueTyped(TypeSessionsList, s.sessionsList())
	if state, err := s.orgState(); err == nil {
		c.enqueueTyped(TypeOrgState, state)
	}

	go c.writePump()
	go c.readPump()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

// broadcast pushes one frame to every connected client. Clients with a full
// queue are skipped; the next full-state push catches them up.
func (s *Server) broadcast(msgType string, payload any) {
	data, err := Encode(msgType, payload)
	if err != nil {
		s.logger.Error("encode broadcast", "type", msgType, "error", err.Error())
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// fanOutActivity translates session activity notifications into pushed
// bridge frames until ctx is cancelled.
func (s *Server) fanOutActivity(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.sessions.Activity():
			s.pushActivity(a)
		}
	}
}

func (s *Server) pushActivity(a core.Activity) {
	switch a.Kind {
	case core.ActivityTurnStarted:
		s.broadcast(TypeTurnStarted, TurnPayload{Session: a.Session})
	case core.ActivityContentDelta:
		s.broadcast(TypeContentDelta, ContentDeltaPayload{Session: a.Session, Text: a.Detail})
	case core.ActivityToolRunning:
		s.broadcast(TypeToolActivity, ToolActivityPayload{Session: a.Session, Detail: a.Detail})
	case core.ActivityIntent:
		s.broadcast(TypeIntentUpdate, IntentPayload{Session: a.Session, Intent: a.Detail})
	case core.ActivityTurnEnded:
		s.broadcast(TypeTurnEnded, TurnPayload{Session: a.Session})
		s.pushHistory(a.Session)
		s.pushUsage(a.Session)
	case core.ActivityTurnFailed:
		s.broadcast(TypeTurnFailed, TurnPayload{Session: a.Session, Error: a.Detail})
	case core.ActivityTurnAborted:
		s.broadcast(TypeTurnFailed, TurnPayload{Session: a.Session, Aborted: true})
	case core.ActivityQueueChanged:
		s.broadcast(TypeSessionsList, s.sessionsList())
	}
}

func (s *Server) pushHistory(name string) {
	sess, ok := s.sessions.Get(name)
	if !ok {
		return
	}
	s.broadcast(TypeHistory, HistoryPayload{Session: name, Messages: sess.History()})
}

func (s *Server) pushUsage(name string) {
	u, ok := s.sessions.Usage(name)
	if !ok {
		return
	}
	s.broadcast(TypeUsageInfo, UsagePayload{
		Session:      name,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	})
}

func (s *Server) sessionsList() SessionsListPayload {
	var out SessionsListPayload
	for _, sess := range s.sessions.List() {
		out.Sessions = append(out.Sessions, SessionSummary{
			Name:           sess.Name,
			Role:           string(sess.Role),
			Model:          sess.Model,
			Specialization: sess.Specialization,
			ConnectionID:   sess.ConnectionID,
			Processing:     sess.Processing(),
			QueueLen:       sess.QueueLen(),
		})
	}
	return out
}

func (s *Server) orgState() (OrgStatePayload, error) {
	groups, err := s.orgs.Store().ListGroups()
	if err != nil {
		return OrgStatePayload{}, err
	}
	memberships, err := s.orgs.Store().ListMemberships()
	if err != nil {
		return OrgStatePayload{}, err
	}
	return OrgStatePayload{Groups: groups, Memberships: memberships}, nil
}

// enqueue queues one pre-encoded frame, dropping it if the client is stuck.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) enqueueTyped(msgType string, payload any) {
	data, err := Encode(msgType, payload)
	if err != nil {
		c.server.logger.Error("encode frame", "type", msgType, "error", err.Error())
		return
	}
	c.enqueue(data)
}

func (c *client) fail(command, sessionName string, err error) {
	c.enqueueTyped(TypeErrorNotice, ErrorNoticePayload{
		Command: command,
		Session: sessionName,
		Message: err.Error(),
	})
}

func (c *client) ack(command, sessionName string) {
	c.enqueueTyped(TypeAck, AckPayload{Command: command, Session: sessionName})
}

func (c *client) setActive(name string) {
	c.mu.Lock()
	c.active = name
	c.mu.Unlock()
}

// readPump reads frames until the connection dies, dispatching each command
// to the handler. It never mutates shared state inline.
func (c *client) readPump() {
	s := c.server
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(s.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("bridge read error", "error", err.Error())
			}
			return
		}
		env, err := Decode(data)
		if err != nil {
			c.fail("", "", err)
			continue
		}
		s.handleCommand(c, env)
	}
}

// writePump is the connection's single writer: queued frames plus pings.
func (c *client) writePump() {
	s := c.server
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
