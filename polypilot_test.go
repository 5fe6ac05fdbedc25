package polypilot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/session"
)

// silentConn accepts prompts but never produces events, simulating an agent
// that hangs mid-turn.
type silentConn struct {
	id string
}

func (c *silentConn) SessionID() string                  { return c.id }
func (c *silentConn) Subscribe(core.EventHandler)        {}
func (c *silentConn) Send(context.Context, string) error { return nil }
func (c *silentConn) Abort(context.Context) error        { return nil }
func (c *silentConn) Close() error                       { return nil }

type silentConnector struct{}

func (silentConnector) Connect(context.Context, string, string) (core.Connection, error) {
	return &silentConn{id: "c1"}, nil
}

func (silentConnector) Resume(_ context.Context, id string) (core.Connection, error) {
	return &silentConn{id: id}, nil
}

var _ core.Connector = silentConnector{}

func TestRun_WatchdogFailsHungTurn(t *testing.T) {
	pilot, err := New(silentConnector{}, func(o *Options) {
		o.StorePath = filepath.Join(t.TempDir(), "org.db")
		o.BridgeConfig.Addr = "127.0.0.1:0"
		o.SessionConfig.WatchdogInterval = 10 * time.Millisecond
		o.SessionConfig.InactivityTimeout = 20 * time.Millisecond
	})
	assert.NoError(t, err)
	defer pilot.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pilot.Run(ctx)

	_, err = pilot.Sessions().Create(ctx, "alpha", "", "")
	assert.NoError(t, err)

	fut, err := pilot.Sessions().Send(ctx, "alpha", "hello")
	assert.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	_, err = fut.Wait(wctx)
	assert.ErrorIs(t, err, session.ErrTurnTimeout)
}
