// Package netmon provides the connectivity port: an explicit online/offline
// state with transition notifications, so the queue and sync engine react
// to reconnects without reaching for a real network stack.
//
// The monitor itself does not probe anything; whatever detects connectivity
// (a transport health check, an operator command, a test) drives SetOnline
// and SetOffline.
package netmon

import "sync"

// Listener receives connectivity transitions. It is invoked synchronously
// and only when the state actually changes.
type Listener func(online bool)

// Monitor tracks connectivity state.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []Listener
}

// New creates a Monitor with the given initial state. No transition fires
// for the initial state.
func New(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline transitions to online, notifying listeners if this is a change.
func (m *Monitor) SetOnline() {
	m.set(true)
}

// SetOffline transitions to offline, notifying listeners if this is a change.
func (m *Monitor) SetOffline() {
	m.set(false)
}

// OnTransition registers a listener for state changes.
func (m *Monitor) OnTransition(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]Listener, len(m.listeners))
	copy(fns, m.listeners)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
