package eventstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaydeck/relaydeck/internal/codespace"
)

// framePrefix precedes every payload on the wire. Frames are
// newline-delimited; the payload after the prefix is either a JSON object or
// a bare type token.
const framePrefix = "data:"

// Kind identifies a decoded push event.
type Kind int

const (
	// KindConnected means the stream handshake completed server-side.
	KindConnected Kind = iota
	// KindWorkspaceOnline means a workspace became reachable.
	KindWorkspaceOnline
	// KindWorkspaceOffline means a workspace went away.
	KindWorkspaceOffline
	// KindWorkspaceUpdated means workspace metadata changed.
	KindWorkspaceUpdated
	// KindHeartbeat is the server's periodic liveness ping.
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindWorkspaceOnline:
		return "workspace-online"
	case KindWorkspaceOffline:
		return "workspace-offline"
	case KindWorkspaceUpdated:
		return "workspace-updated"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is a decoded unit from the push stream. Transient: consumed
// immediately, never stored.
type Event struct {
	Kind      Kind
	Workspace *codespace.Workspace
}

// parseKind maps a wire type token to a Kind. Anything outside the known set
// is rejected, never coerced.
func parseKind(token string) (Kind, error) {
	switch token {
	case "connected":
		return KindConnected, nil
	case "codespace_online":
		return KindWorkspaceOnline, nil
	case "codespace_offline":
		return KindWorkspaceOffline, nil
	case "codespace_updated":
		return KindWorkspaceUpdated, nil
	case "ping":
		return KindHeartbeat, nil
	default:
		return 0, fmt.Errorf("unknown event type %q", token)
	}
}

// framePayload is the structured form of an event frame.
type framePayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// pushWorkspace is the workspace-shaped data carried by availability events.
type pushWorkspace struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Owner       struct {
		Login string `json:"login"`
	} `json:"owner"`
	State      string    `json:"state"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// DecodeFrame decodes a single newline-delimited frame. A blank line decodes
// to (nil, nil). The payload may be a structured JSON object, a JSON string,
// or a bare type token; anything else is an error the caller should skip.
func DecodeFrame(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	payload := line
	if strings.HasPrefix(line, framePrefix) {
		payload = strings.TrimSpace(strings.TrimPrefix(line, framePrefix))
	}
	if payload == "" {
		return nil, nil
	}

	// Structured form: {"type": "...", "data": {...}}
	if strings.HasPrefix(payload, "{") {
		var frame framePayload
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return nil, fmt.Errorf("malformed event frame: %w", err)
		}
		kind, err := parseKind(frame.Type)
		if err != nil {
			return nil, err
		}

		ev := &Event{Kind: kind}
		if len(frame.Data) > 0 && kind != KindConnected && kind != KindHeartbeat {
			ws, err := decodeWorkspace(frame.Data)
			if err != nil {
				return nil, err
			}
			ev.Workspace = ws
		}
		return ev, nil
	}

	// Quoted form: "ping"
	if strings.HasPrefix(payload, `"`) {
		var token string
		if err := json.Unmarshal([]byte(payload), &token); err != nil {
			return nil, fmt.Errorf("malformed event frame: %w", err)
		}
		payload = token
	}

	// Bare token form: ping
	kind, err := parseKind(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Kind: kind}, nil
}

func decodeWorkspace(data json.RawMessage) (*codespace.Workspace, error) {
	var pw pushWorkspace
	if err := json.Unmarshal(data, &pw); err != nil {
		return nil, fmt.Errorf("malformed workspace payload: %w", err)
	}
	if pw.Name == "" {
		return nil, fmt.Errorf("workspace payload missing name")
	}

	ws := &codespace.Workspace{
		Name:        pw.Name,
		DisplayName: pw.DisplayName,
		Owner:       pw.Owner.Login,
		State:       codespace.ParseState(pw.State),
		LastUsedAt:  pw.LastUsedAt,
	}
	if pw.ID != 0 {
		ws.ID = fmt.Sprintf("%d", pw.ID)
	}
	return ws, nil
}
