package transport

import (
	"sync"
	"time"
)

// offlineGrace is how long a drop must persist before the UI is told.
// Reconnects within the window stay invisible.
const offlineGrace = 1200 * time.Millisecond

// ConnGrace debounces offline transitions. Going online reports
// immediately; going offline waits out a grace window first, so brief
// reconnect blips do not flicker the connection indicator.
type ConnGrace struct {
	mu       sync.Mutex
	online   bool
	pending  *time.Timer
	onChange func(online bool)
}

func NewConnGrace(onChange func(online bool)) *ConnGrace {
	return &ConnGrace{onChange: onChange}
}

// Online cancels any pending offline report and reports online at once.
func (g *ConnGrace) Online() {
	g.mu.Lock()
	if g.pending != nil {
		g.pending.Stop()
		g.pending = nil
	}
	changed := !g.online
	g.online = true
	g.mu.Unlock()

	if changed && g.onChange != nil {
		g.onChange(true)
	}
}

// Offline schedules an offline report after the grace window. A second
// call while one is pending does not restart the window.
func (g *ConnGrace) Offline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.online || g.pending != nil {
		return
	}
	g.pending = time.AfterFunc(offlineGrace, g.fireOffline)
}

// ForceOffline reports offline immediately, skipping the grace window.
// Used for failures that cannot resolve on their own, like auth errors.
func (g *ConnGrace) ForceOffline() {
	g.mu.Lock()
	if g.pending != nil {
		g.pending.Stop()
		g.pending = nil
	}
	changed := g.online
	g.online = false
	g.mu.Unlock()

	if changed && g.onChange != nil {
		g.onChange(false)
	}
}

// IsOnline reports the debounced state.
func (g *ConnGrace) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// Stop cancels any pending report without firing it.
func (g *ConnGrace) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		g.pending.Stop()
		g.pending = nil
	}
}

func (g *ConnGrace) fireOffline() {
	g.mu.Lock()
	g.pending = nil
	changed := g.online
	g.online = false
	g.mu.Unlock()

	if changed && g.onChange != nil {
		g.onChange(false)
	}
}
