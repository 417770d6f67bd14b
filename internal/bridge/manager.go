package bridge

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/relaydeck/relaydeck/internal/codespace"
	"github.com/relaydeck/relaydeck/internal/config"
	"github.com/relaydeck/relaydeck/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Timeout for the websocket handshake when dialing a target.
	handshakeTimeout = 10 * time.Second

	// Consecutive backoff retries before handing recovery over to the
	// persistent retry loop.
	maxBackoffAttempts = 10

	// Upper bound of the random jitter added to each backoff delay.
	maxBackoffJitter = 500 * time.Millisecond
)

// Manager owns the single outbound control connection. It decides when to run
// discovery, manages the socket lifecycle, reconnection backoff and the
// keepalive heartbeat, and arbitrates whether a push-driven switch request may
// pre-empt the active connection.
//
// All mutations of the target/socket pair go through one mutex, and the
// connect-shaped operations (Connect, ConnectToTarget, Reconnect, the push
// handlers) are additionally serialized against each other so two triggers
// can never race to open two sockets.
type Manager struct {
	cfg       *config.Config
	discovery *codespace.Client
	events    Events
	log       *logger.Logger
	clientID  string
	dialer    *websocket.Dialer

	// opMu serializes connect-shaped operations end to end, including the
	// blocking dial. Timer callbacks funnel through it as well.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	target        *Target
	lastTarget    *Target
	conn          *websocket.Conn
	seq           int
	token         string
	attempts      int
	health        Health
	lastInbound   time.Time
	backoffTimer  *time.Timer
	keepaliveStop chan struct{}
	retryStop     chan struct{}
	onMessage     func(*Message)

	// writeMu keeps envelope writes single-flight; gorilla allows only one
	// concurrent writer per connection.
	writeMu sync.Mutex
}

// NewManager creates a connection manager. A nil events sink discards all
// lifecycle notifications.
func NewManager(cfg *config.Config, discovery *codespace.Client, events Events) *Manager {
	if events == nil {
		events = NopEvents{}
	}
	return &Manager{
		cfg:       cfg,
		discovery: discovery,
		events:    events,
		log:       logger.Global().WithPrefix("bridge"),
		clientID:  uuid.New().String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// SetMessageHandler installs the sink for decoded application messages.
func (m *Manager) SetMessageHandler(fn func(*Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// SetCredential installs or clears the bearer credential. Installing while
// disconnected triggers an immediate connect attempt and starts the
// persistent retry loop; clearing stops retries and tears down any socket.
func (m *Manager) SetCredential(token string) {
	m.discovery.SetToken(token)

	m.mu.Lock()
	m.token = token

	if token == "" {
		m.stopRetryLocked()
		m.cancelBackoffLocked()
		dropped := m.releaseSocketLocked()
		m.state = StateIdle
		m.target = nil
		m.attempts = 0
		m.mu.Unlock()
		if dropped != nil {
			m.emit(func(ev Events) { ev.Disconnected(*dropped) })
		}
		m.log.Info("credential cleared, connectivity stopped")
		return
	}

	m.startRetryLocked()
	idle := m.state == StateIdle
	m.mu.Unlock()

	if idle {
		go m.Connect(context.Background())
	}
}

// Connect re-runs discovery and dials the best candidate, falling back to
// re-dialing the previous target only when discovery yields nothing. Reports
// whether a dial was initiated.
func (m *Manager) Connect(ctx context.Context) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connectCore(ctx)
}

func (m *Manager) connectCore(ctx context.Context) bool {
	m.mu.Lock()
	token := m.token
	prev := m.lastTarget
	m.mu.Unlock()

	if token == "" {
		m.log.Debug("connect skipped, no credential")
		return false
	}

	// Never trust a stale target: discovery runs first, every time.
	if ws, url := m.discovery.PrepareBestCandidate(ctx); ws != nil {
		m.dial(ctx, Target{
			Kind:        KindRemote,
			URL:         url,
			DisplayName: ws.Label(),
			RemoteID:    ws.Name,
			Origin:      OriginAutomatic,
		})
		return true
	}

	if prev == nil {
		m.log.Debug("connect skipped, no candidate and no previous target")
		return false
	}

	m.log.Info("discovery empty, re-dialing previous target %s", prev.URL)
	m.dial(ctx, *prev)
	return true
}

// ConnectToTarget dials an explicit target. A manual origin always wins over
// automatic targets. No-op when already open or connecting to the same URL.
func (m *Manager) ConnectToTarget(ctx context.Context, target Target, origin Origin) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cur := m.target
	st := m.state
	m.mu.Unlock()

	if cur != nil && cur.URL == target.URL && (st == StateOpen || st == StateConnecting) {
		m.log.Debug("already %s to %s", st, target.URL)
		return
	}

	target.Origin = origin
	m.dial(ctx, target)
}

// ConnectToLocal dials the fixed local executor address as a manual target.
func (m *Manager) ConnectToLocal(ctx context.Context) {
	m.ConnectToTarget(ctx, Target{
		Kind:        KindLocal,
		URL:         m.cfg.LocalControlURL,
		DisplayName: "local",
	}, OriginManual)
}

// Disconnect cancels all timers, closes the socket if open and clears the
// current target. Idempotent. The persistent retry loop keeps running; only
// credential clearing stops it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelBackoffLocked()
	dropped := m.releaseSocketLocked()
	m.state = StateIdle
	m.target = nil
	m.attempts = 0
	m.mu.Unlock()

	if dropped != nil {
		m.emit(func(ev Events) { ev.Disconnected(*dropped) })
	}
}

// Reconnect tears down the current connection and re-runs a full connect as
// one serialized operation. Used when an external signal demands
// re-evaluation of the target.
func (m *Manager) Reconnect(ctx context.Context) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.Disconnect()
	return m.connectCore(ctx)
}

// Send writes an envelope to the open socket. Dropped with a log line when
// the connection is not open; callers are expected to tolerate lost in-flight
// sends during reconnection windows.
func (m *Manager) Send(msg *Message) {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.log.Warn("send dropped, connection not open (type=%s)", msg.Type)
		return
	}

	if err := m.writeEnvelope(conn, msg); err != nil {
		m.log.Error("send failed (type=%s): %v", msg.Type, err)
	}
}

// HandleWorkspaceOnline is the switching policy for push events. Returns true
// iff it initiated a switch to the pushed workspace.
func (m *Manager) HandleWorkspaceOnline(ctx context.Context, ws codespace.Workspace) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cur := m.target
	st := m.state
	m.mu.Unlock()

	if cur != nil {
		// The user's explicit choice is sacred.
		if cur.Origin == OriginManual {
			m.log.Debug("ignoring online event for %s, current target is manual", ws.Name)
			return false
		}
		// Already on this workspace.
		if cur.RemoteID == ws.Name && (st == StateOpen || st == StateConnecting) {
			return false
		}
		// A local target always yields to a remote candidate; anything else
		// must dwell long enough to avoid thrash from noisy event bursts.
		if cur.Kind != KindLocal && cur.Age() < m.cfg.MinDwellTime() {
			m.log.Debug("ignoring online event for %s, target age %s under dwell time", ws.Name, cur.Age())
			return false
		}
	}

	// Confirm reachability before tearing anything down.
	result := m.discovery.EnsureControlPortForwarded(ctx, ws.Name)
	if result.URL == "" {
		m.log.Warn("online event for %s had no dialable endpoint", ws.Name)
		return false
	}

	to := Target{
		Kind:        KindRemote,
		URL:         result.URL,
		DisplayName: ws.Label(),
		RemoteID:    ws.Name,
		Origin:      OriginEventDriven,
	}

	if cur != nil {
		from := *cur
		m.emit(func(ev Events) { ev.Switching(from, to) })
	}

	m.dial(ctx, to)
	return true
}

// HandleWorkspaceOffline forces a re-evaluation when the active workspace
// goes away; reconnection falls back to discovery.
func (m *Manager) HandleWorkspaceOffline(ctx context.Context, name string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cur := m.target
	m.mu.Unlock()

	if cur == nil || cur.RemoteID != name {
		return
	}

	m.log.Info("active workspace %s went offline, re-evaluating", name)
	m.Disconnect()
	m.connectCore(ctx)
}

// DiscoverCandidates runs a fresh discovery and returns the results.
func (m *Manager) DiscoverCandidates(ctx context.Context) []codespace.Workspace {
	return m.discovery.ListWorkspaces(ctx)
}

// ConnectToCandidate dials a specific discovered workspace by name or ID as a
// manual target. Returns false when the workspace has no dialable endpoint.
func (m *Manager) ConnectToCandidate(ctx context.Context, id string) bool {
	var found *codespace.Workspace
	for _, ws := range m.discovery.ListWorkspaces(ctx) {
		if ws.Name == id || ws.ID == id {
			wsCopy := ws
			found = &wsCopy
			break
		}
	}
	if found == nil {
		m.log.Warn("no workspace %q among discovered candidates", id)
		return false
	}

	result := m.discovery.EnsureControlPortForwarded(ctx, found.Name)
	if result.URL == "" {
		return false
	}

	m.ConnectToTarget(ctx, Target{
		Kind:        KindRemote,
		URL:         result.URL,
		DisplayName: found.Label(),
		RemoteID:    found.Name,
	}, OriginManual)
	return true
}

// ConnectToBest runs discovery and dials the top-ranked candidate.
func (m *Manager) ConnectToBest(ctx context.Context) bool {
	return m.Connect(ctx)
}

// dial replaces the current connection with a new one to the given target.
// The previous socket is fully released before the new dial begins, so at
// most one socket is ever live.
func (m *Manager) dial(ctx context.Context, target Target) {
	m.mu.Lock()
	m.cancelBackoffLocked()
	dropped := m.releaseSocketLocked()

	m.seq++
	seq := m.seq
	target.EstablishedAt = time.Now()
	t := target
	m.target = &t
	m.lastTarget = &t
	m.state = StateConnecting
	token := m.token
	m.mu.Unlock()

	if dropped != nil {
		m.emit(func(ev Events) { ev.Disconnected(*dropped) })
	}
	m.emit(func(ev Events) { ev.Connecting(t) })
	m.log.Info("dialing %s target %s (%s)", t.Kind, t.URL, t.Origin)

	header := http.Header{}
	if token != "" && t.Kind == KindRemote {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, t.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if seq != m.seq {
		// Someone replaced or tore down this attempt while the dial was in
		// flight; the late socket is closed on arrival.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.state = StateIdle
		notReady := isNotReady(err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()

		if notReady {
			// Expected while a workspace is still starting; keep it out of
			// the error telemetry.
			m.log.Debug("target %s not accepting connections yet: %v", t.URL, err)
		} else {
			m.log.Error("dial %s failed: %v", t.URL, err)
			m.emit(func(ev Events) { ev.Error(t, err.Error()) })
		}
		return
	}

	now := time.Now()
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.health = Health{Alive: true, LastActivityAt: now, LastAckAt: now}
	m.lastInbound = now

	stop := make(chan struct{})
	m.keepaliveStop = stop

	conn.SetPongHandler(func(string) error {
		m.markAck(seq)
		return nil
	})
	m.mu.Unlock()

	go m.readPump(conn, seq)
	go m.keepaliveLoop(conn, seq, stop)

	m.log.Info("connected to %s target %s", t.Kind, t.URL)
	m.emit(func(ev Events) { ev.Connected(t, t.RemoteID) })
}

// readPump drains the socket until it closes, routing envelopes to handlers.
func (m *Manager) readPump(conn *websocket.Conn, seq int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.socketClosed(seq, err)
			return
		}

		m.markActivity(seq)

		msg, perr := ParseMessage(data)
		if perr != nil {
			m.log.Warn("malformed control message: %v", perr)
			continue
		}

		switch msg.Type {
		case "ping", "keepalive":
			// Answer the remote's application-level probe immediately.
			if err := m.writeEnvelope(conn, NewMessage("keepalive_ack", nil)); err != nil {
				m.log.Debug("keepalive ack failed: %v", err)
			}
		case "pong", "keepalive_ack":
			m.markAck(seq)
		default:
			m.mu.Lock()
			handler := m.onMessage
			m.mu.Unlock()
			if handler != nil {
				handler(msg)
			} else {
				m.log.Debug("unhandled control message type %s", msg.Type)
			}
		}
	}
}

// keepaliveLoop probes the connection at a fixed interval. An unacknowledged
// probe marks health suspect and suppresses further probes; it never closes
// the socket itself, the transport's close event is the authority.
func (m *Manager) keepaliveLoop(conn *websocket.Conn, seq int, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if seq != m.seq {
				m.mu.Unlock()
				return
			}
			alive := m.health.Alive
			idleFor := time.Since(m.lastInbound)
			if alive {
				// Probe outstanding until the ack arrives.
				m.health.Alive = false
			}
			m.mu.Unlock()

			if !alive {
				m.log.Warn("heartbeat unacknowledged, connection health suspect")
				continue
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Debug("ping write failed: %v", err)
				continue
			}

			if idleFor > m.cfg.IdleKeepaliveThreshold() {
				if err := m.writeEnvelope(conn, newKeepalive(m.clientID)); err != nil {
					m.log.Debug("idle keepalive write failed: %v", err)
				}
			}
		}
	}
}

// socketClosed handles the transport close event for the socket identified by
// seq. Stale generations are ignored.
func (m *Manager) socketClosed(seq int, err error) {
	m.mu.Lock()
	if seq != m.seq || m.conn == nil {
		m.mu.Unlock()
		return
	}

	dropped := m.releaseSocketLocked()
	m.state = StateIdle
	m.target = nil

	expected := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if !expected && m.token != "" {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if expected {
		m.log.Info("connection closed by remote")
	} else {
		m.log.Warn("connection lost: %v", err)
	}

	if dropped != nil {
		m.emit(func(ev Events) { ev.Disconnected(*dropped) })
	}
}

// releaseSocketLocked closes the current socket, cancels its keepalive loop
// and orphans its pumps. Returns the target that was open, for notification,
// or nil. Caller holds m.mu.
func (m *Manager) releaseSocketLocked() *Target {
	var dropped *Target
	if m.conn != nil && m.state == StateOpen && m.target != nil {
		t := *m.target
		dropped = &t
	}

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.keepaliveStop != nil {
		close(m.keepaliveStop)
		m.keepaliveStop = nil
	}
	// Orphan any pump still running on the old socket.
	m.seq++
	m.health = Health{}
	return dropped
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.token == "" {
		return
	}
	if m.attempts >= maxBackoffAttempts {
		m.log.Warn("backoff attempts exhausted, recovery left to the persistent retry loop")
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := backoffDelay(m.cfg.BackoffBase(), m.cfg.BackoffCap(), attempt)
	delay += time.Duration(rand.Int63n(int64(maxBackoffJitter)))

	m.state = StateReconnectScheduled
	m.backoffTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.state != StateReconnectScheduled {
			m.mu.Unlock()
			return
		}
		m.state = StateIdle
		m.backoffTimer = nil
		m.mu.Unlock()
		m.Connect(context.Background())
	})

	m.log.Info("reconnect %d/%d scheduled in %s", attempt, maxBackoffAttempts, delay)
	m.emit(func(ev Events) { ev.Reconnecting(attempt, maxBackoffAttempts) })
}

// backoffDelay returns the deterministic part of the nth reconnect delay:
// base doubling per attempt, capped.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) cancelBackoffLocked() {
	if m.backoffTimer != nil {
		m.backoffTimer.Stop()
		m.backoffTimer = nil
	}
	if m.state == StateReconnectScheduled {
		m.state = StateIdle
	}
}

// startRetryLocked starts the persistent retry loop. Caller holds m.mu.
func (m *Manager) startRetryLocked() {
	if m.retryStop != nil {
		return
	}
	stop := make(chan struct{})
	m.retryStop = stop
	go m.retryLoop(stop)
}

func (m *Manager) stopRetryLocked() {
	if m.retryStop != nil {
		close(m.retryStop)
		m.retryStop = nil
	}
}

// retryLoop guarantees eventual recovery even when no push event arrives: at
// a fixed interval, if idle and credentialed, a full discovery+connect runs.
func (m *Manager) retryLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PersistentRetryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := m.state == StateIdle && m.token != ""
			m.mu.Unlock()
			if idle {
				m.log.Debug("persistent retry firing")
				m.Connect(context.Background())
			}
		}
	}
}

func (m *Manager) markActivity(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.seq {
		return
	}
	now := time.Now()
	m.health.LastActivityAt = now
	m.lastInbound = now
}

func (m *Manager) markAck(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.seq {
		return
	}
	now := time.Now()
	m.health.Alive = true
	m.health.LastAckAt = now
	m.health.LastActivityAt = now
	m.lastInbound = now
}

func (m *Manager) writeEnvelope(conn *websocket.Conn, msg *Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// emit dispatches a lifecycle notification without blocking the caller.
func (m *Manager) emit(fn func(Events)) {
	go fn(m.events)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentTarget returns a copy of the current target, or nil.
func (m *Manager) CurrentTarget() *Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return nil
	}
	t := *m.target
	return &t
}

// isNotReady matches the expected transient failures of a workspace that is
// still starting up: the forwarded endpoint exists but nothing listens yet.
func isNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") || strings.Contains(s, "no such host")
}
