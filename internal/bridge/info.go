package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Info is a snapshot of the manager's connection state.
type Info struct {
	State             string  `json:"state"`
	Target            *Target `json:"target,omitempty"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	Health            Health  `json:"health"`
}

// EnhancedInfo extends Info with a live round-trip probe.
type EnhancedInfo struct {
	Info
	RoundTripOK bool          `json:"round_trip_ok"`
	RoundTrip   time.Duration `json:"round_trip_ns,omitempty"`
}

// ConnectionInfo returns the current state, target and health snapshot.
func (m *Manager) ConnectionInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{
		State:             m.state.String(),
		ReconnectAttempts: m.attempts,
		Health:            m.health,
	}
	if m.target != nil {
		t := *m.target
		info.Target = &t
	}
	return info
}

// EnhancedConnectionInfo adds a live round-trip probe on top of the snapshot.
// The probe sends a transport ping and waits for the pong to land; a probe
// that times out only reports RoundTripOK=false, it never touches the socket.
func (m *Manager) EnhancedConnectionInfo(ctx context.Context) EnhancedInfo {
	info := EnhancedInfo{Info: m.ConnectionInfo()}

	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return info
	}

	start := time.Now()
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		m.log.Debug("probe ping failed: %v", err)
		return info
	}

	// The pong handler stamps LastAckAt; poll for it to move past the probe.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return info
		case <-deadline:
			return info
		case <-ticker.C:
			m.mu.Lock()
			ack := m.health.LastAckAt
			m.mu.Unlock()
			if ack.After(start) {
				info.RoundTripOK = true
				info.RoundTrip = ack.Sub(start)
				info.Health.LastAckAt = ack
				info.Health.Alive = true
				return info
			}
		}
	}
}
