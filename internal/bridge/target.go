package bridge

import "time"

// TargetKind distinguishes the local executor from a remote workspace.
type TargetKind int

const (
	// KindLocal is an executor on the same machine.
	KindLocal TargetKind = iota
	// KindRemote is an executor inside a remote workspace.
	KindRemote
)

func (k TargetKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Origin records why a target was chosen. It drives the switching policy:
// manual targets are never pre-empted by push events.
type Origin int

const (
	// OriginManual is an explicit user choice.
	OriginManual Origin = iota
	// OriginAutomatic came out of discovery ranking.
	OriginAutomatic
	// OriginEventDriven came from a push notification.
	OriginEventDriven
)

func (o Origin) String() string {
	switch o {
	case OriginManual:
		return "manual"
	case OriginAutomatic:
		return "automatic"
	case OriginEventDriven:
		return "event-driven"
	default:
		return "unknown"
	}
}

// Target is the single source of truth for what the manager is trying to be
// connected to. At most one target is current at any time; replacing it
// always tears down the previous socket first.
type Target struct {
	Kind          TargetKind `json:"kind"`
	URL           string     `json:"url"`
	DisplayName   string     `json:"display_name,omitempty"`
	RemoteID      string     `json:"remote_id,omitempty"`
	Origin        Origin     `json:"-"`
	EstablishedAt time.Time  `json:"established_at"`
}

// Age returns how long ago the connection attempt to this target began.
func (t *Target) Age() time.Duration {
	if t == nil || t.EstablishedAt.IsZero() {
		return 0
	}
	return time.Since(t.EstablishedAt)
}

// Same reports whether two targets address the same endpoint.
func (t *Target) Same(other *Target) bool {
	if t == nil || other == nil {
		return false
	}
	return t.URL == other.URL
}

// State is the connection lifecycle state. It is explicit rather than
// inferred from socket nullability.
type State int

const (
	// StateIdle means no socket and no pending attempt.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means the control socket is established.
	StateOpen
	// StateReconnectScheduled means a backoff timer is pending.
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectScheduled:
		return "reconnect-scheduled"
	default:
		return "unknown"
	}
}

// Health is the liveness record for the open socket. Alive flips false the
// instant a probe is sent and true again on acknowledgment; a stale probe
// never closes the socket itself, the transport close event is the authority.
type Health struct {
	Alive          bool      `json:"alive"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastAckAt      time.Time `json:"last_ack_at"`
}
