// Package session assembles one participant's live view of a board:
// the replicated document, the realtime connection, hydration, the
// save coordinator, the projection, and per-session undo history.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/cache"
	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
	"github.com/emrgen/board/internal/hydrate"
	"github.com/emrgen/board/internal/project"
	"github.com/emrgen/board/internal/save"
	"github.com/emrgen/board/internal/transport"
	"github.com/emrgen/board/internal/undo"
)

// seedFallback is how long a seed candidate waits for first-sync before
// seeding anyway. Covers servers that never quiesce the exchange.
const seedFallback = 5 * time.Second

var ErrClosed = errors.New("session is closed")

// Options configure a board session.
type Options struct {
	// BaseURL is the board server address.
	BaseURL string
	// SessionToken authenticates the user with the token endpoint.
	SessionToken string
	// BoardID names the board to open.
	BoardID string
	// ShareToken carries a share-link grant, if the board was opened
	// through one.
	ShareToken string
	// ClientID identifies this client on saved updates. A random id is
	// generated when empty.
	ClientID string
	// CacheDir holds the persisted state vectors used for cheap
	// rehydration. Vector caching is disabled when empty.
	CacheDir string

	// OnChange receives every new projection.
	OnChange func(s *project.Snapshot)
	// OnConnection receives debounced online/offline transitions.
	OnConnection func(online bool)
	// OnRemoteNode fires when another participant adds a contentful
	// node.
	OnRemoteNode func(n *graph.Node)
	// Seed populates a board that is empty everywhere. It runs at most
	// once, only after realtime sync confirms no peer holds content.
	Seed func(tx *crdt.Tx) error
}

// Session is one participant's handle on a live board.
type Session struct {
	opts      Options
	doc       *crdt.Doc
	client    *transport.Client
	conn      *transport.Manager
	hydrator  *hydrate.Hydrator
	projector *project.Projector
	saver     *save.Coordinator
	history   *undo.Manager
	vectors   *cache.VectorCache

	mu            sync.Mutex
	closed        bool
	seedCandidate bool
	seeded        bool
	seedTimer     *time.Timer
	hydrateWarn   string
	unsub         func()
}

// Open hydrates the board and starts the realtime connection. The
// returned session is live: callbacks may fire before Open returns.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}

	s := &Session{
		opts:    opts,
		doc:     crdt.NewDoc(),
		history: undo.NewManager(),
	}

	s.client = transport.NewClient(opts.BaseURL, opts.SessionToken, opts.ClientID)
	s.conn = transport.NewManager(transport.ManagerOptions{
		Client:      s.client,
		BoardID:     opts.BoardID,
		ShareToken:  opts.ShareToken,
		Doc:         s.doc,
		OnOnline:    opts.OnConnection,
		OnFirstSync: s.onFirstSync,
	})

	if opts.CacheDir != "" {
		vectors, err := cache.NewVectorCache(opts.CacheDir)
		if err != nil {
			logrus.Warnf("state vector cache disabled: %v", err)
		} else {
			s.vectors = vectors
		}
	}

	s.hydrator = hydrate.NewHydrator(s.client, s.conn, s.vectors)

	s.projector = project.NewProjector(project.Options{
		Doc:          s.doc,
		UndoActive:   s.history.InProgress,
		OnRemoteNode: opts.OnRemoteNode,
		OnChange:     opts.OnChange,
	})

	res, err := s.hydrator.Hydrate(ctx, opts.BoardID, s.doc)
	if err != nil {
		return nil, err
	}
	if res.Warning != "" {
		logrus.Warnf("hydration: %s", res.Warning)
		s.hydrateWarn = res.Warning
	}
	s.seedCandidate = res.SeedCandidate && opts.Seed != nil

	// created after hydration so the save baseline is the hydrated
	// content, not the empty document
	s.saver = save.NewCoordinator(s.doc, s.postUpdate, s.persistVector)

	s.unsub = s.doc.Subscribe(s.onDocUpdate)

	// first projection; migration of legacy tags happens here
	s.projector.Refresh(crdt.OriginMigration)

	s.conn.Start(ctx)

	if s.seedCandidate {
		s.seedTimer = time.AfterFunc(seedFallback, s.maybeSeed)
	}

	return s, nil
}

// Close tears the session down: connection, timers, subscriptions.
// Unsaved changes are abandoned; call ForceSave first to keep them.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.seedTimer != nil {
		s.seedTimer.Stop()
		s.seedTimer = nil
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.saver.Close()
	s.conn.Close()
}

// Doc exposes the underlying document for advanced callers.
func (s *Session) Doc() *crdt.Doc { return s.doc }

// Nodes returns the current projection's nodes.
func (s *Session) Nodes() []*graph.Node { return s.projector.Nodes() }

// Edges returns the current projection's edges.
func (s *Session) Edges() []*graph.Edge { return s.projector.Edges() }

// IsConnected reports the debounced online state.
func (s *Session) IsConnected() bool { return s.conn.IsConnected() }

// ConnectionState reports where the connection lifecycle currently is.
func (s *Session) ConnectionState() transport.State { return s.conn.ConnState() }

// ConnectionError returns the last connection error, if any.
func (s *Session) ConnectionError() error { return s.conn.Err() }

// HydrationWarning returns a non-fatal oddity hydration reported.
func (s *Session) HydrationWarning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrateWarn
}

// IsSaving reports whether any peer currently holds the save lease.
func (s *Session) IsSaving() bool { return s.saver.IsSaving() }

// NextSaveTime reports when the next save is due.
func (s *Session) NextSaveTime() (time.Time, bool) { return s.saver.NextSaveTime() }

// ForceSave saves immediately, ignoring the shared throttle.
func (s *Session) ForceSave(ctx context.Context) error { return s.saver.ForceSave(ctx) }

// InterruptSave abandons this session's save intent without touching
// the shared schedule.
func (s *Session) InterruptSave() { s.saver.Interrupt() }

// ResyncNow drops the connection and starts a fresh sync generation.
func (s *Session) ResyncNow() { s.conn.ResyncNow() }

// Undo reverts this session's most recent edit step.
func (s *Session) Undo() error { return s.history.Undo() }

// Redo reapplies the most recently undone step.
func (s *Session) Redo() error { return s.history.Redo() }

func (s *Session) CanUndo() bool { return s.history.CanUndo() }
func (s *Session) CanRedo() bool { return s.history.CanRedo() }

// SetSelected records UI selection for a node.
func (s *Session) SetSelected(id string, selected bool) {
	s.projector.SetSelected(id, selected)
}

func (s *Session) onDocUpdate(ev crdt.UpdateEvent) {
	s.saver.HandleUpdate(ev)
	s.projector.Refresh(ev.Origin)
}

// onFirstSync runs once the realtime exchange has quiesced: both sides
// hold the same heads, so an empty document really is an empty board.
func (s *Session) onFirstSync() {
	s.maybeSeed()
}

// maybeSeed seeds initial content exactly once, and only if the board
// is still empty after hydration and sync both came back empty.
func (s *Session) maybeSeed() {
	s.mu.Lock()
	if s.closed || s.seeded || !s.seedCandidate || !s.doc.IsEmpty() {
		s.seedCandidate = false
		s.mu.Unlock()
		return
	}
	s.seeded = true
	s.seedCandidate = false
	if s.seedTimer != nil {
		s.seedTimer.Stop()
		s.seedTimer = nil
	}
	seed := s.opts.Seed
	s.mu.Unlock()

	if err := s.doc.Transact(s.doc.LocalOrigin(), seed); err != nil {
		logrus.Errorf("failed to seed board: %v", err)
		return
	}
	s.recordSeedUndo()
}

// recordSeedUndo makes the seed a regular undo step. The board was
// empty before the seed ran, so everything in the document now is what
// the seed wrote.
func (s *Session) recordSeedUndo() {
	var nodes []*graph.Node
	texts := map[string]string{}
	for _, rn := range s.doc.Nodes() {
		n := rn.Node.Clone()
		typ, _ := graph.CurrentNodeType(rn.RawType)
		n.Type = typ
		nodes = append(nodes, n)
		if text, ok := s.doc.Text(n.ID); ok {
			texts[n.ID] = text
		}
	}
	var edges []*graph.Edge
	for _, re := range s.doc.Edges() {
		e := re.Edge.Clone()
		typ, _ := graph.CurrentEdgeType(re.RawType)
		e.Type = typ
		edges = append(edges, e)
	}
	if len(nodes) == 0 && len(edges) == 0 {
		return
	}

	remove := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			for _, e := range edges {
				if err := tx.DeleteEdge(e.ID); err != nil {
					return err
				}
			}
			for _, n := range nodes {
				if _, had := texts[n.ID]; had {
					if err := tx.DeleteText(n.ID); err != nil {
						return err
					}
				}
				if err := tx.DeleteNode(n.ID); err != nil {
					return err
				}
			}
			return nil
		})
	}
	restore := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			for _, n := range nodes {
				if err := tx.PutNode(n); err != nil {
					return err
				}
				if text, had := texts[n.ID]; had {
					if err := tx.SetText(n.ID, text); err != nil {
						return err
					}
				}
			}
			for _, e := range edges {
				if err := tx.PutEdge(e); err != nil {
					return err
				}
			}
			return nil
		})
	}

	s.history.Record(undo.Op{Undo: remove, Redo: restore})
	// the seed is one complete step; later edits must not merge into it
	s.history.Seal()
}

// postUpdate ships a save diff to the durable log.
func (s *Session) postUpdate(ctx context.Context, payload []byte) error {
	token, err := s.conn.CurrentToken(ctx)
	if err != nil {
		return err
	}
	return s.client.PostUpdate(ctx, s.opts.BoardID, token.Value, payload)
}

// persistVector records the acked heads after a save so the next
// hydration can ask for a diff.
func (s *Session) persistVector(vector string) {
	if s.vectors == nil {
		return
	}
	if err := s.vectors.Put(s.opts.BoardID, vector); err != nil {
		logrus.Debugf("failed to persist state vector: %v", err)
	}
}
