package codespace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHosting struct {
	mu         sync.Mutex
	login      string
	codespaces []map[string]interface{}
	ports      map[string][]map[string]interface{}
	failList   bool
	failPorts  bool
	failCreate bool
	created    []string
}

func (f *fakeHosting) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"login": f.login})
	})

	mux.HandleFunc("/user/codespaces", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failList {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"codespaces": f.codespaces})
	})

	mux.HandleFunc("/user/codespaces/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/user/codespaces/"), "/ports")

		if r.Method == http.MethodPost {
			if f.failCreate {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			f.created = append(f.created, name)
			url := fmt.Sprintf("https://%s-%d.app.github.dev/", name, ControlPort)
			json.NewEncoder(w).Encode(map[string]interface{}{"port": ControlPort, "url": url})
			return
		}

		if f.failPorts {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ports": f.ports[name]})
	})

	return mux
}

func workspaceEntry(id int, name, owner, state string, lastUsed time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"name":         name,
		"display_name": name,
		"owner":        map[string]string{"login": owner},
		"state":        state,
		"last_used_at": lastUsed.Format(time.RFC3339),
	}
}

func forwardedPort(url string) []map[string]interface{} {
	return []map[string]interface{}{
		{"port": ControlPort, "url": url, "visibility": "private"},
	}
}

func newTestClient(t *testing.T, f *fakeHosting) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)
	c.SetToken("test-token")
	return c
}

func TestListWorkspacesDegradesToEmpty(t *testing.T) {
	f := &fakeHosting{login: "octocat", failList: true}
	c := newTestClient(t, f)

	assert.Nil(t, c.ListWorkspaces(context.Background()))
}

func TestListWorkspacesWithoutCredential(t *testing.T) {
	f := &fakeHosting{login: "octocat"}
	c := newTestClient(t, f)
	c.SetToken("")

	assert.Nil(t, c.ListWorkspaces(context.Background()))
}

func TestControlPortStatusFallbackSynthesis(t *testing.T) {
	f := &fakeHosting{
		login: "octocat",
		ports: map[string][]map[string]interface{}{},
	}
	c := newTestClient(t, f)

	status := c.ControlPortStatus(context.Background(), "glowing-disco")
	assert.False(t, status.Forwarded)
	assert.Empty(t, status.URL)
	assert.Equal(t, fmt.Sprintf("wss://glowing-disco-%d.app.github.dev/", ControlPort), status.FallbackURL)
}

func TestControlPortStatusForwarded(t *testing.T) {
	f := &fakeHosting{
		login: "octocat",
		ports: map[string][]map[string]interface{}{
			"glowing-disco": forwardedPort("https://glowing-disco-8936.app.github.dev/"),
		},
	}
	c := newTestClient(t, f)

	status := c.ControlPortStatus(context.Background(), "glowing-disco")
	assert.True(t, status.Forwarded)
	assert.Equal(t, "wss://glowing-disco-8936.app.github.dev/", status.URL)
}

func TestEnsureControlPortForwardedCreates(t *testing.T) {
	f := &fakeHosting{
		login: "octocat",
		ports: map[string][]map[string]interface{}{},
	}
	c := newTestClient(t, f)

	result := c.EnsureControlPortForwarded(context.Background(), "glowing-disco")
	assert.True(t, result.Success)
	assert.Contains(t, result.URL, "wss://glowing-disco-")
	assert.Equal(t, []string{"glowing-disco"}, f.created)
}

func TestEnsureControlPortForwardedFallsBack(t *testing.T) {
	f := &fakeHosting{
		login:      "octocat",
		ports:      map[string][]map[string]interface{}{},
		failCreate: true,
	}
	c := newTestClient(t, f)

	result := c.EnsureControlPortForwarded(context.Background(), "glowing-disco")
	assert.False(t, result.Success)
	assert.Equal(t, fmt.Sprintf("wss://glowing-disco-%d.app.github.dev/", ControlPort), result.URL)
}

func TestBestCandidatePrefersAvailability(t *testing.T) {
	now := time.Now()
	f := &fakeHosting{
		login: "octocat",
		codespaces: []map[string]interface{}{
			// Most recently used, but no forwarded control port.
			workspaceEntry(1, "recent-but-dark", "octocat", "Available", now),
			// Older, but the control port is forwarded.
			workspaceEntry(2, "older-but-lit", "octocat", "Available", now.Add(-time.Hour)),
		},
		ports: map[string][]map[string]interface{}{
			"older-but-lit": forwardedPort("https://older-but-lit-8936.app.github.dev/"),
		},
	}
	c := newTestClient(t, f)

	best := c.BestCandidate(context.Background())
	require.NotNil(t, best)
	assert.Equal(t, "older-but-lit", best.Name)
}

func TestBestCandidateFiltersOwnerAndState(t *testing.T) {
	now := time.Now()
	f := &fakeHosting{
		login: "octocat",
		codespaces: []map[string]interface{}{
			workspaceEntry(1, "not-mine", "someone-else", "Available", now),
			workspaceEntry(2, "stopped", "octocat", "Shutdown", now),
		},
		ports: map[string][]map[string]interface{}{},
	}
	c := newTestClient(t, f)

	assert.Nil(t, c.BestCandidate(context.Background()))
}

func TestBestCandidateRanksByRecencyWhenEquallyAvailable(t *testing.T) {
	now := time.Now()
	f := &fakeHosting{
		login: "octocat",
		codespaces: []map[string]interface{}{
			workspaceEntry(1, "older", "octocat", "Available", now.Add(-time.Hour)),
			workspaceEntry(2, "newer", "octocat", "Available", now),
		},
		ports: map[string][]map[string]interface{}{
			"older": forwardedPort("https://older-8936.app.github.dev/"),
			"newer": forwardedPort("https://newer-8936.app.github.dev/"),
		},
	}
	c := newTestClient(t, f)

	best := c.BestCandidate(context.Background())
	require.NotNil(t, best)
	assert.Equal(t, "newer", best.Name)
}

func TestPrepareBestCandidate(t *testing.T) {
	now := time.Now()
	f := &fakeHosting{
		login: "octocat",
		codespaces: []map[string]interface{}{
			workspaceEntry(1, "glowing-disco", "octocat", "Available", now),
		},
		ports: map[string][]map[string]interface{}{
			"glowing-disco": forwardedPort("https://glowing-disco-8936.app.github.dev/"),
		},
	}
	c := newTestClient(t, f)

	ws, url := c.PrepareBestCandidate(context.Background())
	require.NotNil(t, ws)
	assert.Equal(t, "glowing-disco", ws.Name)
	assert.Equal(t, "wss://glowing-disco-8936.app.github.dev/", url)
}

func TestPrepareBestCandidateNothingReachable(t *testing.T) {
	f := &fakeHosting{login: "octocat", failList: true}
	c := newTestClient(t, f)

	ws, url := c.PrepareBestCandidate(context.Background())
	assert.Nil(t, ws)
	assert.Empty(t, url)
}

func TestLastDiscoveredCache(t *testing.T) {
	now := time.Now()
	f := &fakeHosting{
		login: "octocat",
		codespaces: []map[string]interface{}{
			workspaceEntry(1, "glowing-disco", "octocat", "Available", now),
		},
		ports: map[string][]map[string]interface{}{},
	}
	c := newTestClient(t, f)

	require.Empty(t, c.LastDiscovered())
	c.ListWorkspaces(context.Background())

	cached := c.LastDiscovered()
	require.Len(t, cached, 1)
	assert.Equal(t, "glowing-disco", cached[0].Name)
}

func TestToWebsocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://host/", "wss://host/"},
		{"http://host/", "ws://host/"},
		{"wss://host/", "wss://host/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toWebsocketURL(tt.in))
	}
}

func TestParseState(t *testing.T) {
	assert.Equal(t, StateAvailable, ParseState("Available"))
	assert.Equal(t, StateShutdown, ParseState("Shutdown"))
	assert.Equal(t, StateUnknown, ParseState("Exploded"))
}
