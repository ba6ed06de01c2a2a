// Package crdt wraps an automerge document with the four named collections
// of a board (nodes, edges, texts, meta) and with origin-tagged transactions.
//
// Collections share the automerge root map under key prefixes instead of
// nested container objects, so that two fresh replicas never race to create
// the same container and lose one side's children on merge.
package crdt

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/emrgen/board/internal/graph"
)

// Origin tags a transaction with the session that produced it. It never
// crosses the wire; readers branch on it to decide whether to react.
type Origin string

const (
	// OriginRemote marks changes that arrived from the network.
	OriginRemote Origin = "remote"
	// OriginMigration marks legacy tag rewrites done by the load pass.
	OriginMigration Origin = "migration"
	// OriginSaveMeta marks save-coordination meta writes. They are shared
	// state, but must not reschedule saves or enter undo history.
	OriginSaveMeta Origin = "save"
)

const (
	nodePrefix = "node:"
	edgePrefix = "edge:"
	textPrefix = "text:"
	metaPrefix = "meta:"
)

// UpdateEvent is emitted exactly once per transaction that changed the
// document. Bytes is the binary encoding of the changes, applicable to any
// replica via ApplyRemote.
type UpdateEvent struct {
	Bytes  []byte
	Origin Origin
}

// Doc is an in-memory replicated board document. It is owned by exactly one
// session; all cross-replica coordination happens through merged state, not
// shared memory.
type Doc struct {
	mu      sync.Mutex
	doc     *automerge.Doc
	local   Origin
	nextSub int
	subs    map[int]func(UpdateEvent)
}

// NewDoc creates an empty document with a fresh local-origin marker.
func NewDoc() *Doc {
	return &Doc{
		doc:   automerge.New(),
		local: Origin(uuid.New().String()),
		subs:  make(map[int]func(UpdateEvent)),
	}
}

// LoadDoc restores a document from a full binary snapshot.
func LoadDoc(raw []byte) (*Doc, error) {
	inner, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &Doc{
		doc:   inner,
		local: Origin(uuid.New().String()),
		subs:  make(map[int]func(UpdateEvent)),
	}, nil
}

// LocalOrigin returns this session's origin marker.
func (d *Doc) LocalOrigin() Origin { return d.local }

// IsLocal reports whether the origin is this session's marker.
func (d *Doc) IsLocal(o Origin) bool { return o == d.local }

// Subscribe registers fn for update events. The returned function removes
// the subscription.
func (d *Doc) Subscribe(fn func(UpdateEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// Tx exposes the mutable collections inside a transaction.
type Tx struct {
	doc *automerge.Doc
}

// Transact runs fn against the document and, if fn changed anything, emits
// a single update event carrying the changed bytes and the origin.
func (d *Doc) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.mu.Lock()
	before := d.doc.Heads()
	if err := fn(&Tx{doc: d.doc}); err != nil {
		d.mu.Unlock()
		return err
	}
	// commit is a no-op when fn made no changes
	_, _ = d.doc.Commit(string(origin))
	ev, subs, err := d.collectLocked(before, origin)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	emit(ev, subs)
	return nil
}

// ApplyRemote merges binary changes received from the network and emits a
// remote-origin update event if they changed anything.
func (d *Doc) ApplyRemote(raw []byte) error {
	d.mu.Lock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(raw); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply remote update: %w", err)
	}
	ev, subs, err := d.collectLocked(before, OriginRemote)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	emit(ev, subs)
	return nil
}

// ReceiveSyncMessage feeds one sync-protocol message into the document and
// emits a remote event for whatever changes it applied.
func (d *Doc) ReceiveSyncMessage(st *automerge.SyncState, msg []byte) error {
	d.mu.Lock()
	before := d.doc.Heads()
	if _, err := st.ReceiveMessage(msg); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to receive sync message: %w", err)
	}
	ev, subs, err := d.collectLocked(before, OriginRemote)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	emit(ev, subs)
	return nil
}

// GenerateSyncMessage produces the next sync-protocol message, if any.
func (d *Doc) GenerateSyncMessage(st *automerge.SyncState) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, valid := st.GenerateMessage()
	if msg == nil {
		return nil, false
	}
	return msg.Bytes(), valid
}

// NewSyncState starts a sync-protocol session over this document.
func (d *Doc) NewSyncState() *automerge.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return automerge.NewSyncState(d.doc)
}

func (d *Doc) collectLocked(before []automerge.ChangeHash, origin Origin) (*UpdateEvent, []func(UpdateEvent), error) {
	changes, err := d.doc.Changes(before...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil, nil
	}
	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	subs := make([]func(UpdateEvent), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	return &UpdateEvent{Bytes: buf.Bytes(), Origin: origin}, subs, nil
}

func emit(ev *UpdateEvent, subs []func(UpdateEvent)) {
	if ev == nil {
		return
	}
	for _, fn := range subs {
		fn(*ev)
	}
}

// Save returns the full binary snapshot of the document.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// IsEmpty reports whether both the node and edge collections are empty.
func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys, err := d.doc.RootMap().Keys()
	if err != nil {
		return true
	}
	for _, k := range keys {
		if strings.HasPrefix(k, nodePrefix) || strings.HasPrefix(k, edgePrefix) {
			return false
		}
	}
	return true
}

// --- transaction-side mutators ---

// PutNode writes the full node record.
func (t *Tx) PutNode(n *graph.Node) error {
	fields := map[string]any{
		"id":   n.ID,
		"type": string(n.Type),
		"x":    n.Position.X,
		"y":    n.Position.Y,
		"data": n.Data,
	}
	if n.Data == nil {
		fields["data"] = map[string]any{}
	}
	if n.ParentID != "" {
		fields["parentId"] = n.ParentID
	}
	if n.Width != 0 {
		fields["width"] = n.Width
	}
	if n.Height != 0 {
		fields["height"] = n.Height
	}
	return t.doc.Path(nodePrefix + n.ID).Set(fields)
}

// SetNodeField updates a single field of a node record.
func (t *Tx) SetNodeField(id, field string, v any) error {
	return t.doc.Path(nodePrefix+id, field).Set(v)
}

// SetNodeData updates one entry of a node's data payload.
func (t *Tx) SetNodeData(id, key string, v any) error {
	return t.doc.Path(nodePrefix+id, "data", key).Set(v)
}

// SetNodePosition updates a node's position in place.
func (t *Tx) SetNodePosition(id string, p graph.Position) error {
	if err := t.doc.Path(nodePrefix+id, "x").Set(p.X); err != nil {
		return err
	}
	return t.doc.Path(nodePrefix+id, "y").Set(p.Y)
}

// DeleteNode removes the node record. Incident edges and the text entry are
// the caller's responsibility.
func (t *Tx) DeleteNode(id string) error {
	return t.doc.RootMap().Delete(nodePrefix + id)
}

// PutEdge writes the full edge record.
func (t *Tx) PutEdge(e *graph.Edge) error {
	fields := map[string]any{
		"id":     e.ID,
		"source": e.Source,
		"target": e.Target,
		"type":   string(e.Type),
		"data":   e.Data,
	}
	if e.Data == nil {
		fields["data"] = map[string]any{}
	}
	if e.SourceHandle != "" {
		fields["sourceHandle"] = e.SourceHandle
	}
	if e.TargetHandle != "" {
		fields["targetHandle"] = e.TargetHandle
	}
	return t.doc.Path(edgePrefix + e.ID).Set(fields)
}

// SetEdgeField updates a single field of an edge record.
func (t *Tx) SetEdgeField(id, field string, v any) error {
	return t.doc.Path(edgePrefix+id, field).Set(v)
}

// DeleteEdge removes the edge record.
func (t *Tx) DeleteEdge(id string) error {
	return t.doc.RootMap().Delete(edgePrefix + id)
}

// EnsureText creates the text entry for a node if absent and reports
// whether it created one.
func (t *Tx) EnsureText(id string) (bool, error) {
	v, err := t.doc.Path(textPrefix + id).Get()
	if err == nil && v.Kind() == automerge.KindText {
		return false, nil
	}
	if err := t.doc.Path(textPrefix + id).Set(automerge.NewText("")); err != nil {
		return false, err
	}
	return true, nil
}

// SetText replaces the full text value for a node, creating the entry if
// needed. Remote edits to other regions still merge; concurrent edits to the
// same region resolve by the sequence CRDT's actor-id tie-break.
func (t *Tx) SetText(id, s string) error {
	v, err := t.doc.Path(textPrefix + id).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return t.doc.Path(textPrefix + id).Set(automerge.NewText(s))
	}
	text := v.Text()
	return text.Set(s)
}

// DeleteText removes a node's text entry.
func (t *Tx) DeleteText(id string) error {
	return t.doc.RootMap().Delete(textPrefix + id)
}

// SetMeta writes an out-of-band coordination value.
func (t *Tx) SetMeta(key string, v any) error {
	return t.doc.Path(metaPrefix + key).Set(v)
}

// DeleteMeta removes a coordination value. Absent keys are a no-op so
// lease transitions can clear keys they never wrote.
func (t *Tx) DeleteMeta(key string) error {
	v, err := t.doc.Path(metaPrefix + key).Get()
	if err != nil || v == nil || v.Kind() == automerge.KindVoid {
		return nil
	}
	return t.doc.RootMap().Delete(metaPrefix + key)
}

// Meta reads a coordination value inside the transaction.
func (t *Tx) Meta(key string) (any, bool) {
	v, err := t.doc.Path(metaPrefix + key).Get()
	if err != nil || v == nil || v.Kind() == automerge.KindVoid {
		return nil, false
	}
	return goValue(v), true
}
