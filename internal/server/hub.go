package server

import (
	"context"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/service"
)

// Hub keeps one resident document per active board and fans realtime
// sync traffic between its peers. Every change a peer syncs in is
// persisted to the update log through the board service.
type Hub struct {
	mu      sync.Mutex
	boards  map[string]*boardHub
	service *service.BoardService
}

func NewHub(svc *service.BoardService) *Hub {
	return &Hub{
		boards:  make(map[string]*boardHub),
		service: svc,
	}
}

// Board returns the live hub for a board, materializing its document
// on first use.
func (h *Hub) Board(ctx context.Context, id uuid.UUID) (*boardHub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.boards[id.String()]; ok {
		return b, nil
	}

	doc, err := h.service.LoadDoc(ctx, id)
	if err != nil {
		return nil, err
	}

	b := newBoardHub(id, doc, h.service)
	h.boards[id.String()] = b

	return b, nil
}

// Close stops persistence subscriptions for all resident boards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.boards {
		b.close()
	}
	h.boards = make(map[string]*boardHub)
}

type boardHub struct {
	id    uuid.UUID
	doc   *crdt.Doc
	svc   *service.BoardService
	unsub func()

	mu      sync.Mutex
	peers   map[*peer]struct{}
	pending string // client id of an in-flight ApplyUpdate, for attribution
}

type peer struct {
	notify chan struct{}
}

func newBoardHub(id uuid.UUID, doc *crdt.Doc, svc *service.BoardService) *boardHub {
	b := &boardHub{
		id:    id,
		doc:   doc,
		svc:   svc,
		peers: make(map[*peer]struct{}),
	}
	b.unsub = doc.Subscribe(b.onUpdate)
	return b
}

// onUpdate persists changes synced in by peers and wakes every peer's
// write loop so the change fans out.
func (b *boardHub) onUpdate(ev crdt.UpdateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b.mu.Lock()
	clientID := b.pending
	b.pending = ""
	b.mu.Unlock()

	vector := b.doc.StateVector().Encode()
	if _, err := b.svc.RecordUpdate(ctx, b.id, ev.Bytes, clientID, vector, b.doc.Save()); err != nil {
		logrus.Errorf("failed to persist update for board %s: %v", b.id, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.peers {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

func (b *boardHub) close() {
	if b.unsub != nil {
		b.unsub()
	}
}

// Doc exposes the resident document for hydration fast paths.
func (b *boardHub) Doc() *crdt.Doc {
	return b.doc
}

// ApplyUpdate merges an out-of-band binary update into the resident
// document. Persistence and peer fan-out happen through the document's
// update event. Updates the document already holds, because they synced
// in over a websocket first, emit no event and are persisted here so the
// durable log never misses a save.
func (b *boardHub) ApplyUpdate(payload []byte, clientID string) error {
	b.mu.Lock()
	b.pending = clientID
	b.mu.Unlock()

	if err := b.doc.ApplyRemote(payload); err != nil {
		b.mu.Lock()
		b.pending = ""
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	consumed := b.pending == ""
	b.pending = ""
	b.mu.Unlock()
	if consumed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.svc.RecordUpdate(ctx, b.id, payload, clientID, b.doc.StateVector().Encode(), nil); err != nil {
		logrus.Errorf("failed to persist update for board %s: %v", b.id, err)
	}
	return nil
}

// Serve runs the automerge sync protocol with one websocket peer until
// the connection drops or ctx is cancelled.
func (b *boardHub) Serve(ctx context.Context, conn *websocket.Conn) {
	p := &peer{notify: make(chan struct{}, 1)}
	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.peers, p)
		b.mu.Unlock()
	}()

	st := b.doc.NewSyncState()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if err := b.doc.ReceiveSyncMessage(st, msg); err != nil {
				logrus.Warnf("sync receive failed for board %s: %v", b.id, err)
				return
			}
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()

		if err := b.drainMessages(conn, st); err != nil {
			return
		}

		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-p.notify:
			case <-t.C:
			case <-ctx.Done():
				return
			}
			if err := b.drainMessages(conn, st); err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

// drainMessages writes generated sync messages until the protocol has
// nothing more to send.
func (b *boardHub) drainMessages(conn *websocket.Conn, st *automerge.SyncState) error {
	for {
		msg, _ := b.doc.GenerateSyncMessage(st)
		if msg == nil {
			return nil
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return err
		}
	}
}
