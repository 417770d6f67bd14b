package app

import (
	"context"

	"github.com/relaydeck/relaydeck/internal/bridge"
	"github.com/relaydeck/relaydeck/internal/codespace"
	"github.com/relaydeck/relaydeck/internal/config"
	"github.com/relaydeck/relaydeck/internal/eventstream"
	"github.com/relaydeck/relaydeck/internal/logger"
)

// Companion composes the three connectivity components: target discovery, the
// connection manager and the push stream listener. It implements
// eventstream.Handler so availability notifications flow into the manager's
// switch evaluation.
type Companion struct {
	cfg       *config.Config
	Discovery *codespace.Client
	Manager   *bridge.Manager
	Listener  *eventstream.Listener
	log       *logger.Logger
}

// New builds the connectivity core. A nil events sink discards lifecycle
// notifications.
func New(cfg *config.Config, events bridge.Events) *Companion {
	discovery := codespace.NewClient(cfg.APIBaseURL)
	c := &Companion{
		cfg:       cfg,
		Discovery: discovery,
		Manager:   bridge.NewManager(cfg, discovery, events),
		log:       logger.Global().WithPrefix("app"),
	}
	c.Listener = eventstream.NewListener(cfg, c)
	return c
}

// SetCredential fans the bearer token out to the manager and the listener.
// An empty token stops both.
func (c *Companion) SetCredential(token string) {
	c.Manager.SetCredential(token)
	c.Listener.SetCredential(token)
}

// Stop shuts down all connectivity.
func (c *Companion) Stop() {
	c.Listener.Close()
	c.Manager.SetCredential("")
}

// StreamConnected implements eventstream.Handler.
func (c *Companion) StreamConnected() {
	c.log.Info("push stream connected")
}

// WorkspaceOnline implements eventstream.Handler; online events feed the
// manager's switching policy.
func (c *Companion) WorkspaceOnline(ws codespace.Workspace) {
	if !ws.Running() {
		c.log.Debug("online event for %s in state %s ignored", ws.Name, ws.State)
		return
	}
	if c.Manager.HandleWorkspaceOnline(context.Background(), ws) {
		c.log.Info("switched to workspace %s after online event", ws.Name)
	}
}

// WorkspaceOffline implements eventstream.Handler; an offline event for the
// active workspace forces a reconnect that falls back to discovery.
func (c *Companion) WorkspaceOffline(ws codespace.Workspace) {
	c.Manager.HandleWorkspaceOffline(context.Background(), ws.Name)
}

// WorkspaceUpdated implements eventstream.Handler. An update that leaves the
// workspace stopped is treated like an offline notification.
func (c *Companion) WorkspaceUpdated(ws codespace.Workspace) {
	if !ws.Running() {
		c.Manager.HandleWorkspaceOffline(context.Background(), ws.Name)
	}
}

// StreamStopped implements eventstream.Handler.
func (c *Companion) StreamStopped(attempts int) {
	c.log.Error("push stream gave up after %d reconnect attempts; relying on persistent retry", attempts)
}
