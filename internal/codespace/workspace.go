package codespace

import "time"

// ControlPort is the well-known port the executor exposes inside a workspace.
const ControlPort = 8936

// forwardingDomain is the public domain the hosting service uses for
// port-forwarded HTTP endpoints.
const forwardingDomain = "app.github.dev"

// State is a workspace lifecycle state as reported by the hosting API.
type State string

const (
	StateAvailable    State = "Available"
	StateRunning      State = "Running"
	StateStarting     State = "Starting"
	StateProvisioning State = "Provisioning"
	StateShutdown     State = "Shutdown"
	StateUnknown      State = "Unknown"
)

// PortInfo describes the forwarding status of the control port on a workspace.
type PortInfo struct {
	// Forwarded is true when the hosting API reports an explicit forwarding
	// for the control port.
	Forwarded bool `json:"forwarded"`
	// URL is the verified endpoint for the forwarded port, empty otherwise.
	URL string `json:"url,omitempty"`
	// FallbackURL is synthesized from the workspace's public hostname when no
	// explicit forwarding exists. It is unverified and only a last resort.
	FallbackURL string `json:"fallback_url,omitempty"`
}

// Workspace is the result of a discovery query. Instances are ephemeral;
// every discovery call recomputes them and nothing persists between calls.
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Owner       string    `json:"owner"`
	State       State     `json:"state"`
	LastUsedAt  time.Time `json:"last_used_at"`
	ControlPort PortInfo  `json:"control_port"`
}

// Available reports whether the workspace has a verified, dialable control
// endpoint. A synthesized fallback URL does not count.
func (w *Workspace) Available() bool {
	return w.ControlPort.Forwarded && w.ControlPort.URL != ""
}

// Running reports whether the workspace is in a state that can accept a
// control connection.
func (w *Workspace) Running() bool {
	return w.State == StateAvailable || w.State == StateRunning
}

// ParseState maps a hosting-API state string onto the known set.
func ParseState(s string) State {
	switch State(s) {
	case StateAvailable, StateRunning, StateStarting, StateProvisioning, StateShutdown:
		return State(s)
	default:
		return StateUnknown
	}
}

// Label returns the best human-readable name for the workspace.
func (w *Workspace) Label() string {
	if w.DisplayName != "" {
		return w.DisplayName
	}
	return w.Name
}
