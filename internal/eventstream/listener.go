package eventstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaydeck/relaydeck/internal/codespace"
	"github.com/relaydeck/relaydeck/internal/config"
	"github.com/relaydeck/relaydeck/internal/logger"
)

// staleReadFactor times the heartbeat interval is how long the stream may go
// without delivering a byte before it is declared stalled.
const staleReadFactor = 3

// Handler consumes decoded push events. One method per event kind.
type Handler interface {
	// StreamConnected fires when the subscription handshake completes.
	StreamConnected()
	// WorkspaceOnline fires when a workspace becomes reachable.
	WorkspaceOnline(ws codespace.Workspace)
	// WorkspaceOffline fires when a workspace goes away.
	WorkspaceOffline(ws codespace.Workspace)
	// WorkspaceUpdated fires when workspace metadata changes.
	WorkspaceUpdated(ws codespace.Workspace)
	// StreamStopped fires once when reconnect attempts are exhausted.
	StreamStopped(attempts int)
}

// Listener holds the long-lived, one-directional push subscription to the
// notification service. It owns its stream handle and reconnection counters;
// nothing is shared with the connection manager except the emitted events.
type Listener struct {
	cfg        *config.Config
	handler    Handler
	httpClient *http.Client
	log        *logger.Logger

	events         chan Event
	dispatcherOnce sync.Once

	mu            sync.Mutex
	token         string
	running       bool
	gen           int
	attempts      int
	lastRead      time.Time
	cancel        context.CancelFunc
	reqCancel     context.CancelFunc
	heartbeatStop chan struct{}
}

// NewListener creates an event stream listener feeding the given handler.
func NewListener(cfg *config.Config, handler Handler) *Listener {
	return &Listener{
		cfg:     cfg,
		handler: handler,
		// No client timeout: the subscription is expected to stay open
		// indefinitely. Liveness is the heartbeat loop's job.
		httpClient: &http.Client{},
		log:        logger.Global().WithPrefix("stream"),
		events:     make(chan Event, 16),
	}
}

// SetCredential installs or clears the bearer token. Installing opens the
// stream; clearing closes it.
func (l *Listener) SetCredential(token string) {
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()

	if token == "" {
		l.Close()
		return
	}
	l.Connect()
}

// Connect opens the push subscription if it is not already running.
func (l *Listener) Connect() {
	l.dispatcherOnce.Do(func() {
		go l.dispatchLoop()
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	if l.token == "" {
		l.log.Debug("stream connect skipped, no credential")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	l.attempts = 0
	l.gen++
	l.lastRead = time.Now()

	if l.heartbeatStop == nil {
		stop := make(chan struct{})
		l.heartbeatStop = stop
		go l.heartbeatLoop(stop)
	}

	go l.run(ctx, l.gen)
}

// Close tears down the subscription and its heartbeat. Idempotent.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.heartbeatStop != nil {
		close(l.heartbeatStop)
		l.heartbeatStop = nil
	}
	l.running = false
	l.gen++
}

// Connected reports whether the stream loop is currently running.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// run keeps the subscription alive across transport failures, backing off
// exponentially and giving up after the configured attempt budget.
func (l *Listener) run(ctx context.Context, gen int) {
	defer func() {
		l.mu.Lock()
		if gen == l.gen {
			l.running = false
		}
		l.mu.Unlock()
	}()

	for {
		err := l.stream(ctx, gen)
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		if gen != l.gen {
			l.mu.Unlock()
			return
		}
		l.attempts++
		attempts := l.attempts
		max := l.cfg.StreamMaxReconnects
		l.mu.Unlock()

		if attempts >= max {
			l.log.Error("stream reconnect attempts exhausted after %d tries: %v", attempts, err)
			go l.handler.StreamStopped(attempts)
			return
		}

		delay := streamBackoff(l.cfg.BackoffBase(), l.cfg.BackoffCap(), attempts)
		l.log.Warn("stream disconnected (%v), retrying in %s (%d/%d)", err, delay, attempts, max)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream holds one subscription open, parsing newline-delimited frames
// incrementally as bytes arrive. Malformed frames are logged and skipped;
// they are never fatal to the stream.
func (l *Listener) stream(ctx context.Context, gen int) error {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()
	if token == "" {
		return errors.New("no credential installed")
	}

	// Per-request context so the heartbeat can abort a stalled read without
	// killing the retry loop.
	reqCtx, reqCancel := context.WithCancel(ctx)
	defer reqCancel()

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return errors.New("superseded")
	}
	l.reqCancel = reqCancel
	l.mu.Unlock()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, l.cfg.StreamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	l.mu.Lock()
	l.attempts = 0
	l.lastRead = time.Now()
	l.mu.Unlock()
	l.log.Info("push subscription open")

	reader := bufio.NewReader(resp.Body)
	for {
		// A partial trailing frame stays buffered inside the reader until
		// its newline arrives.
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			l.touch()
			ev, derr := DecodeFrame(line)
			switch {
			case derr != nil:
				l.log.Warn("skipping push frame: %v", derr)
			case ev != nil:
				l.dispatch(ctx, *ev)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (l *Listener) touch() {
	l.mu.Lock()
	l.lastRead = time.Now()
	l.mu.Unlock()
}

func (l *Listener) dispatch(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

// dispatchLoop is the single consumer of decoded events; it fans them out to
// the handler one at a time so event ordering is preserved.
func (l *Listener) dispatchLoop() {
	for ev := range l.events {
		switch ev.Kind {
		case KindConnected:
			l.handler.StreamConnected()
		case KindWorkspaceOnline:
			if ev.Workspace != nil {
				l.handler.WorkspaceOnline(*ev.Workspace)
			}
		case KindWorkspaceOffline:
			if ev.Workspace != nil {
				l.handler.WorkspaceOffline(*ev.Workspace)
			}
		case KindWorkspaceUpdated:
			if ev.Workspace != nil {
				l.handler.WorkspaceUpdated(*ev.Workspace)
			}
		case KindHeartbeat:
			// Server liveness ping; receipt already refreshed lastRead.
		}
	}
}

// heartbeatLoop is the second line of defense against silently-stalled
// streams: if the subscription claims to be running but no bytes have landed
// within the staleness window, the in-flight request is aborted so the retry
// loop can reconnect.
func (l *Listener) heartbeatLoop(stop chan struct{}) {
	interval := l.cfg.StreamHeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			running := l.running
			stale := time.Since(l.lastRead) > staleReadFactor*interval
			reqCancel := l.reqCancel
			l.mu.Unlock()

			if running && stale && reqCancel != nil {
				l.log.Warn("stream stalled without a close notification, forcing reconnect")
				reqCancel()
			}
		}
	}
}

// streamBackoff mirrors the connection manager's policy: base delay doubling
// per attempt, capped.
func streamBackoff(base, max time.Duration, attempt int) time.Duration {
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
