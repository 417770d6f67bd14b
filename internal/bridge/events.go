package bridge

// Events receives connection-lifecycle notifications. One method per event
// kind; all calls are fire-and-forget from the manager's point of view and
// must not block for long.
type Events interface {
	// Connecting fires when a dial begins.
	Connecting(target Target)
	// Connected fires once the control socket is open.
	Connected(target Target, remoteID string)
	// Disconnected fires when an open socket is torn down or lost.
	Disconnected(target Target)
	// Reconnecting fires when a backoff retry is scheduled.
	Reconnecting(attempt, max int)
	// Switching fires when a push event pre-empts the active target.
	Switching(from, to Target)
	// Error fires on dial or socket failures worth surfacing.
	Error(target Target, message string)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) Connecting(Target)        {}
func (NopEvents) Connected(Target, string) {}
func (NopEvents) Disconnected(Target)      {}
func (NopEvents) Reconnecting(int, int)    {}
func (NopEvents) Switching(Target, Target) {}
func (NopEvents) Error(Target, string)     {}
