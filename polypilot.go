// Package polypilot provides a high-level façade over the session registry,
// organization store, orchestration engine and WebSocket bridge. Most
// applications interact with this package by:
//  1. Creating a PolyPilot via New() with a model connector
//  2. Calling Run() to serve the bridge until the context is cancelled
//
// The façade only wires the services together; each of them remains usable
// on its own. All defaults are safe for local development and testing;
// production deployments typically supply a tuned configuration and a
// structured logger.
package polypilot

import (
	"context"
	"fmt"

	"github.com/davidnguyen-tech/polypilot/bridge"
	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/engine"
	"github.com/davidnguyen-tech/polypilot/logging"
	"github.com/davidnguyen-tech/polypilot/org"
	"github.com/davidnguyen-tech/polypilot/session"
)

// Options configures the PolyPilot instance.
type Options struct {
	// SessionConfig tunes the session pipeline (watchdog timeouts, denied
	// tools, activity buffering).
	SessionConfig session.Config

	// EngineConfig tunes the orchestration loop and its reflection cycle.
	EngineConfig engine.Config

	// BridgeConfig tunes the WebSocket bridge.
	BridgeConfig bridge.Config

	// StorePath is the SQLite database file for groups and memberships.
	// Defaults to "polypilot.db".
	StorePath string

	// Callbacks receives engine lifecycle notifications. Optional.
	Callbacks *engine.CallbackRegistry

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// PolyPilot is the high-level façade aggregating the underlying services.
type PolyPilot struct {
	opts     Options
	store    *org.Store
	sessions *session.Service
	orgs     *org.Service
	engine   *engine.Engine
	bridge   *bridge.Server
}

// New creates a PolyPilot instance around a model connector. It opens the
// organization store, reconciles persisted memberships, and wires the
// services together. The caller owns the connector; Close releases
// everything New created.
func New(connector core.Connector, optFns ...func(o *Options)) (*PolyPilot, error) {
	opts := Options{
		SessionConfig: session.DefaultConfig,
		EngineConfig:  engine.DefaultConfig,
		BridgeConfig:  bridge.DefaultConfig,
		StorePath:     "polypilot.db",
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	store, err := org.Open(opts.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open organization store: %w", err)
	}

	sessions := session.New(connector, func(o *session.Options) {
		o.Config = opts.SessionConfig
		o.Logger = opts.Logger
	})

	orgs := org.NewService(store, sessions, func(o *org.Options) {
		o.Logger = opts.Logger
	})

	if err := orgs.EnsureDefaultGroup(); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure default group: %w", err)
	}
	if _, err := orgs.Reconcile(); err != nil {
		store.Close()
		return nil, fmt.Errorf("reconcile organization: %w", err)
	}

	eng := engine.New(sessions, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = store
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger
	})

	srv := bridge.New(sessions, orgs, eng, func(o *bridge.Options) {
		o.Config = opts.BridgeConfig
		o.Logger = opts.Logger
	})

	return &PolyPilot{
		opts:     opts,
		store:    store,
		sessions: sessions,
		orgs:     orgs,
		engine:   eng,
		bridge:   srv,
	}, nil
}

// Run starts the session watchdog and serves the WebSocket bridge until ctx
// is cancelled.
func (p *PolyPilot) Run(ctx context.Context) error {
	p.sessions.StartWatchdog(ctx)
	return p.bridge.ListenAndServe(ctx)
}

// Sessions returns the session registry.
func (p *PolyPilot) Sessions() *session.Service { return p.sessions }

// Orgs returns the organization service.
func (p *PolyPilot) Orgs() *org.Service { return p.orgs }

// Engine returns the orchestration engine.
func (p *PolyPilot) Engine() *engine.Engine { return p.engine }

// Bridge returns the bridge server, useful for mounting its Router on an
// existing HTTP mux.
func (p *PolyPilot) Bridge() *bridge.Server { return p.bridge }

// Close stops the session watchdog and closes the organization store.
func (p *PolyPilot) Close() error {
	p.sessions.Stop()
	return p.store.Close()
}
