// Package board is the client entry point for collaborative boards. A
// Session hydrates the board, keeps it synced in realtime, schedules
// throttled saves, and projects the document into stable node and edge
// views.
package board

import (
	"context"

	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
	"github.com/emrgen/board/internal/project"
	"github.com/emrgen/board/internal/session"
	"github.com/emrgen/board/internal/transport"
)

// Session is one participant's handle on a live board.
type Session = session.Session

// Options configure a board session.
type Options = session.Options

// Snapshot is one projected view of the board.
type Snapshot = project.Snapshot

// Node and Edge are the projected board records.
type (
	Node = graph.Node
	Edge = graph.Edge
)

// Position of a node on the board.
type Position = graph.Position

// Tx mutates the document inside a transaction, used by seed callbacks.
type Tx = crdt.Tx

// ConnState is the connection lifecycle as the UI sees it.
type ConnState = transport.State

const (
	ConnInitializing = transport.StateInitializing
	ConnConnecting   = transport.StateConnecting
	ConnConnected    = transport.StateConnected
	ConnFailed       = transport.StateFailed
)

// Open hydrates the board and starts the realtime connection.
func Open(ctx context.Context, opts Options) (*Session, error) {
	return session.Open(ctx, opts)
}
