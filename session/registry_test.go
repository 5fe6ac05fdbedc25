package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davidnguyen-tech/polypilot/core"
)

// mockConn is an in-memory core.Connection capturing sends and exposing the
// subscribed handler so tests can inject events.
type mockConn struct {
	mu      sync.Mutex
	id      string
	handler core.EventHandler
	sendErr error
	sent    []string
	aborted bool
	closed  bool
}

func newMockConn(id string) *mockConn { return &mockConn{id: id} }

func (c *mockConn) SessionID() string { return c.id }

func (c *mockConn) Subscribe(h core.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *mockConn) Send(_ context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, prompt)
	return nil
}

func (c *mockConn) Abort(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) emit(ev core.AgentEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *mockConn) sentPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// mockConnector hands out pre-seeded connections in order.
type mockConnector struct {
	mu        sync.Mutex
	conns     []*mockConn
	resumed   []string
	resumeErr error
}

func (m *mockConnector) Connect(context.Context, string, string) (core.Connection, error) {
	return m.next()
}

func (m *mockConnector) Resume(_ context.Context, sessionID string) (core.Connection, error) {
	m.mu.Lock()
	m.resumed = append(m.resumed, sessionID)
	err := m.resumeErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.next()
}

func (m *mockConnector) next() (core.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil, errors.New("no connections seeded")
	}
	c := m.conns[0]
	m.conns = m.conns[1:]
	return c, nil
}

var _ core.Connector = (*mockConnector)(nil)

func newTestService(t *testing.T, conns ...*mockConn) (*Service, *mockConnector) {
	t.Helper()
	connector := &mockConnector{conns: conns}
	svc := New(connector)
	return svc, connector
}

func TestSend_FailsFastWhileProcessing(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)

	_, err := svc.Create(context.Background(), "alpha", "model-a", "")
	assert.NoError(t, err)

	_, err = svc.Send(context.Background(), "alpha", "first prompt")
	assert.NoError(t, err)

	_, err = svc.Send(context.Background(), "alpha", "second prompt")
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
}

func TestTurn_ProcessingClearedBeforeResolve(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)

	sess, err := svc.Create(context.Background(), "alpha", "model-a", "")
	assert.NoError(t, err)

	fut, err := svc.Send(context.Background(), "alpha", "hello")
	assert.NoError(t, err)
	assert.True(t, sess.Processing())

	conn.emit(core.ContentDelta{MessageID: "m1", Text: "hi "})
	conn.emit(core.ContentDelta{MessageID: "m1", Text: "there"})
	conn.emit(core.SessionIdle{})

	text, err := fut.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "hi there", text)

	// The continuation must never observe a still-busy session.
	assert.False(t, sess.Processing())
}

func TestTurn_FullMessageDedup(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)

	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p1")
	conn.emit(core.ContentFull{MessageID: "m1", Text: "answer one"})
	conn.emit(core.SessionIdle{})
	text, err := fut.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "answer one", text)
	assert.Equal(t, "m1", sess.LastFinalizedID())

	// A duplicate delivery of m1 on the next turn is rejected.
	fut, _ = svc.Send(context.Background(), "alpha", "p2")
	conn.emit(core.ContentFull{MessageID: "m1", Text: "answer one"})
	conn.emit(core.ContentFull{MessageID: "m2", Text: "answer two"})
	conn.emit(core.SessionIdle{})
	text, err = fut.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "answer two", text)
}

func TestTurn_FullMessageIgnoredAfterDeltas(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	conn.emit(core.ContentDelta{Text: "streamed"})
	conn.emit(core.ContentFull{MessageID: "m9", Text: "full replacement"})
	conn.emit(core.SessionIdle{})

	text, err := fut.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "streamed", text)
}

func TestTurn_ErrorEventFailsFuture(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	conn.emit(core.SessionError{Message: "model overloaded"})

	_, err := fut.Wait(context.Background())
	assert.ErrorContains(t, err, "model overloaded")
	assert.False(t, sess.Processing())
}

func TestToolEvents_RecordedAndMatched(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	conn.emit(core.ToolStarted{CallID: "t1", Name: "file_edit", Input: "main.go"})
	conn.emit(core.ToolCompleted{CallID: "t1", Name: "file_edit", Result: "ok"})
	conn.emit(core.ContentDelta{Text: "done"})
	conn.emit(core.SessionIdle{})
	fut.Wait(context.Background())

	var tool *core.Message
	for _, m := range sess.History() {
		if m.Kind == core.MessageTool {
			m := m
			tool = &m
		}
	}
	assert.NotNil(t, tool)
	assert.Equal(t, "file_edit", tool.ToolName)
	assert.Equal(t, "ok", tool.Text)
	assert.False(t, tool.Pending)
}

func TestToolEvents_DenyListFiltered(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	conn.emit(core.ToolStarted{CallID: "t1", Name: "state_checkpoint"})
	conn.emit(core.ToolCompleted{CallID: "t1", Name: "state_checkpoint"})
	conn.emit(core.SessionIdle{})
	fut.Wait(context.Background())

	for _, m := range sess.History() {
		assert.NotEqual(t, core.MessageTool, m.Kind, "bookkeeping tools must not appear in history")
	}
}

func TestSend_ReconnectRetriesOnce(t *testing.T) {
	dead := newMockConn("c1")
	dead.sendErr = errors.New("connection reset")
	replacement := newMockConn("c1")

	svc, connector := newTestService(t, dead, replacement)
	svc.Create(context.Background(), "alpha", "model-a", "")

	_, err := svc.Send(context.Background(), "alpha", "prompt")
	assert.NoError(t, err)
	assert.Equal(t, []string{"c1"}, connector.resumed)
	assert.Equal(t, []string{"prompt"}, replacement.sentPrompts())
	assert.True(t, dead.closed)
}

func TestSend_SecondFailureFailsTurn(t *testing.T) {
	dead := newMockConn("c1")
	dead.sendErr = errors.New("connection reset")
	alsoDead := newMockConn("c1")
	alsoDead.sendErr = errors.New("still down")

	svc, _ := newTestService(t, dead, alsoDead)
	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	_, err := svc.Send(context.Background(), "alpha", "prompt")
	assert.Error(t, err)
	assert.False(t, sess.Processing(), "flag must be cleared after a failed retry")
}

func TestEpochGuard_StaleEventsDropped(t *testing.T) {
	dead := newMockConn("c1")
	dead.sendErr = errors.New("connection reset")
	replacement := newMockConn("c1")

	svc, _ := newTestService(t, dead, replacement)
	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	fut, err := svc.Send(context.Background(), "alpha", "prompt")
	assert.NoError(t, err)

	// The dead connection still holds its original callback; its late
	// deltas must be dropped entirely, not mixed into the live buffer.
	dead.emit(core.ContentDelta{Text: "stale fragment"})

	replacement.emit(core.ContentDelta{Text: "fresh"})
	replacement.emit(core.SessionIdle{})

	text, err := fut.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "fresh", text)
	_ = sess
}

func TestAbort_DistinctCancellation(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	sess, _ := svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	assert.NoError(t, svc.Abort("alpha"))

	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTurnAborted)
	assert.False(t, sess.Processing())
	assert.True(t, conn.aborted)
}

func TestWatchdog_TwoTierTimeouts(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")

	// Tools ran this turn, so only the long limit applies.
	conn.emit(core.ToolStarted{CallID: "t1", Name: "shell"})
	conn.emit(core.ToolCompleted{CallID: "t1", Name: "shell"})

	svc.checkTimeouts(time.Now().Add(svc.cfg.InactivityTimeout + time.Minute))
	select {
	case <-fut.Done():
		t.Fatal("short timeout must not fire while tools were used this turn")
	default:
	}

	svc.checkTimeouts(time.Now().Add(svc.cfg.ToolTimeout + time.Minute))
	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTurnTimeout)
}

func TestWatchdog_ShortTimeoutWithoutTools(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	svc.checkTimeouts(time.Now().Add(svc.cfg.InactivityTimeout + time.Second))

	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTurnTimeout)
}

func TestQueue_DrainedAfterTurnEnd(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "first")
	assert.NoError(t, svc.Queue("alpha", "second"))

	conn.emit(core.ContentDelta{Text: "r1"})
	conn.emit(core.SessionIdle{})
	fut.Wait(context.Background())

	assert.Eventually(t, func() bool {
		for _, p := range conn.sentPrompts() {
			if p == "second" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestUsage_SplitReportsMerge(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")

	// Input and output counts arrive as separate reports; large counts
	// must survive intact.
	conn.emit(core.UsageInfo{InputTokens: 5_000_000_000})
	conn.emit(core.UsageInfo{OutputTokens: 4096})
	conn.emit(core.ContentDelta{MessageID: "m1", Text: "ok"})
	conn.emit(core.SessionIdle{})
	fut.Wait(context.Background())

	u, ok := svc.Usage("alpha")
	assert.True(t, ok)
	assert.Equal(t, int64(5_000_000_000), u.InputTokens)
	assert.Equal(t, int64(4096), u.OutputTokens)
}

func TestActivity_NotificationOnEveryClear(t *testing.T) {
	conn := newMockConn("c1")
	svc, _ := newTestService(t, conn)
	svc.Create(context.Background(), "alpha", "model-a", "")

	fut, _ := svc.Send(context.Background(), "alpha", "p")
	conn.emit(core.SessionIdle{})
	fut.Wait(context.Background())

	kinds := map[core.ActivityKind]bool{}
	for {
		select {
		case a := <-svc.Activity():
			kinds[a.Kind] = true
			continue
		default:
		}
		break
	}
	assert.True(t, kinds[core.ActivityTurnStarted])
	assert.True(t, kinds[core.ActivityTurnEnded])
}
