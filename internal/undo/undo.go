// Package undo keeps a per-session history of inverse operations. Only
// this session's edits enter the history; remote edits are never undone
// locally. Operations landing close together coalesce into one step so
// a drag does not take fifty undos to unwind.
package undo

import (
	"sync"
	"time"
)

// coalesceWindow groups rapid-fire edits into one undo step.
const coalesceWindow = 500 * time.Millisecond

// maxDepth bounds the history so a long session does not grow without
// limit.
const maxDepth = 100

// Op is one recorded edit with its inverse.
type Op struct {
	Undo func() error
	Redo func() error
}

type group struct {
	ops []Op
	at  time.Time
}

type Manager struct {
	mu         sync.Mutex
	undo       []*group
	redo       []*group
	inProgress bool
	sealed     bool
}

func NewManager() *Manager {
	return &Manager{}
}

// Record adds one edit to the history. Edits made while an undo or redo
// is replaying are the replay itself and are not recorded. A new edit
// clears the redo stack.
func (m *Manager) Record(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inProgress {
		return
	}

	m.redo = nil

	now := time.Now()
	if n := len(m.undo); n > 0 && !m.sealed && now.Sub(m.undo[n-1].at) < coalesceWindow {
		g := m.undo[n-1]
		g.ops = append(g.ops, op)
		g.at = now
		return
	}

	m.sealed = false
	m.undo = append(m.undo, &group{ops: []Op{op}, at: now})
	if len(m.undo) > maxDepth {
		m.undo = m.undo[len(m.undo)-maxDepth:]
	}
}

// Seal ends the current coalescing group. The next recorded edit starts
// a new undo step regardless of timing.
func (m *Manager) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// Undo replays the inverse of the most recent step.
func (m *Manager) Undo() error {
	m.mu.Lock()
	n := len(m.undo)
	if n == 0 {
		m.mu.Unlock()
		return nil
	}
	g := m.undo[n-1]
	m.undo = m.undo[:n-1]
	m.inProgress = true
	m.mu.Unlock()

	defer m.finish()

	// inverses replay newest first
	for i := len(g.ops) - 1; i >= 0; i-- {
		if err := g.ops[i].Undo(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.redo = append(m.redo, g)
	m.mu.Unlock()
	return nil
}

// Redo reapplies the most recently undone step.
func (m *Manager) Redo() error {
	m.mu.Lock()
	n := len(m.redo)
	if n == 0 {
		m.mu.Unlock()
		return nil
	}
	g := m.redo[n-1]
	m.redo = m.redo[:n-1]
	m.inProgress = true
	m.mu.Unlock()

	defer m.finish()

	for _, op := range g.ops {
		if err := op.Redo(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.undo = append(m.undo, g)
	m.mu.Unlock()
	return nil
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.inProgress = false
	m.sealed = true
	m.mu.Unlock()
}

// InProgress reports whether an undo or redo replay is running. The
// projection uses it to force a refresh even for local-origin changes.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Clear drops both stacks, for example after a resync replaces the
// document state.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
	m.redo = nil
}
