package codespace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/relaydeck/relaydeck/internal/logger"
)

// Client queries the repository-hosting API for the user's workspaces and the
// forwarding status of their control ports.
//
// Every method degrades on failure instead of propagating errors: the client
// is polled continuously by the connection manager's retry loop, so a dead
// hosting API must read as "nothing reachable", never as a crash.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger

	mu             sync.RWMutex
	token          string
	login          string
	lastDiscovered []Workspace
}

// NewClient creates a discovery client against the given hosting API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: logger.Global().WithPrefix("discovery"),
	}
}

// SetToken installs or clears the bearer token used for hosting API calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token {
		// Identity is per-token.
		c.login = ""
	}
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// doJSON performs an authenticated request and decodes the JSON response.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	token := c.currentToken()
	if token == "" {
		return fmt.Errorf("no credential installed")
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type apiOwner struct {
	Login string `json:"login"`
}

type apiWorkspace struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Owner       apiOwner  `json:"owner"`
	State       string    `json:"state"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

type listResponse struct {
	Codespaces []apiWorkspace `json:"codespaces"`
}

type apiPort struct {
	Port       int    `json:"port"`
	URL        string `json:"url"`
	Visibility string `json:"visibility"`
}

type portsResponse struct {
	Ports []apiPort `json:"ports"`
}

// ListWorkspaces enumerates the user's workspaces. Running workspaces have
// their control-port status resolved inline so callers can rank candidates.
// Any failure returns nil: absence means "nothing reachable", not an error.
func (c *Client) ListWorkspaces(ctx context.Context) []Workspace {
	var list listResponse
	if err := c.doJSON(ctx, http.MethodGet, "/user/codespaces", nil, &list); err != nil {
		c.log.Warn("workspace listing failed: %v", err)
		return nil
	}

	workspaces := make([]Workspace, 0, len(list.Codespaces))
	for _, cs := range list.Codespaces {
		ws := Workspace{
			ID:          fmt.Sprintf("%d", cs.ID),
			Name:        cs.Name,
			DisplayName: cs.DisplayName,
			Owner:       cs.Owner.Login,
			State:       ParseState(cs.State),
			LastUsedAt:  cs.LastUsedAt,
		}
		if ws.Running() {
			ws.ControlPort = c.ControlPortStatus(ctx, ws.Name)
		} else {
			ws.ControlPort = PortInfo{FallbackURL: fallbackURL(ws.Name)}
		}
		workspaces = append(workspaces, ws)
	}

	c.mu.Lock()
	c.lastDiscovered = workspaces
	c.mu.Unlock()

	return workspaces
}

// LastDiscovered returns the result of the most recent ListWorkspaces call.
func (c *Client) LastDiscovered() []Workspace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Workspace, len(c.lastDiscovered))
	copy(out, c.lastDiscovered)
	return out
}

// ControlPortStatus inspects the forwarded ports of a workspace for the
// well-known control port. When no explicit forwarding exists the returned
// info carries only a synthesized fallback URL, marked not forwarded.
func (c *Client) ControlPortStatus(ctx context.Context, name string) PortInfo {
	fallback := fallbackURL(name)

	var ports portsResponse
	path := fmt.Sprintf("/user/codespaces/%s/ports", name)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &ports); err != nil {
		c.log.Debug("port inspection for %s failed: %v", name, err)
		return PortInfo{FallbackURL: fallback}
	}

	for _, p := range ports.Ports {
		if p.Port == ControlPort && p.URL != "" {
			return PortInfo{Forwarded: true, URL: toWebsocketURL(p.URL)}
		}
	}

	return PortInfo{FallbackURL: fallback}
}

// ForwardResult is the outcome of a forwarding attempt.
type ForwardResult struct {
	Success bool
	URL     string
	Err     error
}

// EnsureControlPortForwarded attempts to create a forwarding for the control
// port. If creation fails the synthesized fallback URL is returned with
// Success=false so the caller can still try it as a last resort.
func (c *Client) EnsureControlPortForwarded(ctx context.Context, name string) ForwardResult {
	status := c.ControlPortStatus(ctx, name)
	if status.Forwarded {
		return ForwardResult{Success: true, URL: status.URL}
	}

	req := map[string]interface{}{
		"port":       ControlPort,
		"visibility": "private",
	}
	var created apiPort
	path := fmt.Sprintf("/user/codespaces/%s/ports", name)
	if err := c.doJSON(ctx, http.MethodPost, path, req, &created); err != nil {
		c.log.Warn("port forwarding creation for %s failed: %v", name, err)
		return ForwardResult{Success: false, URL: status.FallbackURL, Err: err}
	}
	if created.URL == "" {
		return ForwardResult{Success: false, URL: status.FallbackURL}
	}

	return ForwardResult{Success: true, URL: toWebsocketURL(created.URL)}
}

// Identity returns the login of the authenticated user, cached per token.
func (c *Client) Identity(ctx context.Context) string {
	c.mu.RLock()
	login := c.login
	c.mu.RUnlock()
	if login != "" {
		return login
	}

	var user apiOwner
	if err := c.doJSON(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		c.log.Warn("identity lookup failed: %v", err)
		return ""
	}

	c.mu.Lock()
	c.login = user.Login
	c.mu.Unlock()
	return user.Login
}

// BestCandidate returns the most promising workspace to dial, or nil.
// Candidates are the caller's own running workspaces, ranked by control-port
// availability first and recency of use second.
func (c *Client) BestCandidate(ctx context.Context) *Workspace {
	login := c.Identity(ctx)
	if login == "" {
		return nil
	}

	candidates := make([]Workspace, 0, 4)
	for _, ws := range c.ListWorkspaces(ctx) {
		if ws.Owner == login && ws.Running() {
			candidates = append(candidates, ws)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := candidates[i].Available(), candidates[j].Available()
		if ai != aj {
			return ai
		}
		return candidates[i].LastUsedAt.After(candidates[j].LastUsedAt)
	})

	best := candidates[0]
	return &best
}

// PrepareBestCandidate resolves the best candidate to a ready-to-dial URL.
// Returns nil when no workspace is reachable.
func (c *Client) PrepareBestCandidate(ctx context.Context) (*Workspace, string) {
	best := c.BestCandidate(ctx)
	if best == nil {
		return nil, ""
	}

	result := c.EnsureControlPortForwarded(ctx, best.Name)
	if result.URL == "" {
		return nil, ""
	}
	if !result.Success {
		c.log.Info("using unverified fallback URL for %s", best.Name)
	}
	return best, result.URL
}

// fallbackURL synthesizes a control endpoint from the workspace's public
// hostname pattern. The result is a heuristic and is never verified.
func fallbackURL(name string) string {
	return fmt.Sprintf("wss://%s-%d.%s/", name, ControlPort, forwardingDomain)
}

// toWebsocketURL rewrites an https forwarding URL to its websocket scheme.
func toWebsocketURL(url string) string {
	switch {
	case len(url) >= 8 && url[:8] == "https://":
		return "wss://" + url[8:]
	case len(url) >= 7 && url[:7] == "http://":
		return "ws://" + url[7:]
	default:
		return url
	}
}
