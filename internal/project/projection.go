// Package project materializes the replicated document into the stable
// node and edge views the UI renders. Projections preserve pointer
// identity for unchanged records so view layers can diff cheaply, and
// this is the only place legacy type tags are ever visible.
package project

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
)

// Snapshot is one projected view of the board.
type Snapshot struct {
	Nodes []*graph.Node
	Edges []*graph.Edge
}

// Options configure a projector.
type Options struct {
	Doc *crdt.Doc
	// UndoActive reports whether an undo or redo replay is running.
	// Replays are local-origin but must still re-project.
	UndoActive func() bool
	// OnRemoteNode fires when another participant adds a contentful
	// node the UI may want to announce or focus.
	OnRemoteNode func(n *graph.Node)
	// OnChange receives every new projection.
	OnChange func(s *Snapshot)
}

type Projector struct {
	doc          *crdt.Doc
	undoActive   func() bool
	onRemoteNode func(n *graph.Node)
	onChange     func(s *Snapshot)

	mu        sync.Mutex
	prevNodes map[string]*graph.Node
	prevEdges map[string]*graph.Edge
	nodes     []*graph.Node
	edges     []*graph.Edge
	signature string
	selected  map[string]bool
}

func NewProjector(opts Options) *Projector {
	return &Projector{
		doc:          opts.Doc,
		undoActive:   opts.UndoActive,
		onRemoteNode: opts.OnRemoteNode,
		onChange:     opts.OnChange,
		prevNodes:    make(map[string]*graph.Node),
		prevEdges:    make(map[string]*graph.Edge),
		selected:     make(map[string]bool),
	}
}

// Nodes returns the current projection's nodes.
func (p *Projector) Nodes() []*graph.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes
}

// Edges returns the current projection's edges.
func (p *Projector) Edges() []*graph.Edge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.edges
}

// SetSelected records the UI selection for a node. Selection is a view
// transient carried across projections, never synced.
func (p *Projector) SetSelected(id string, selected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selected {
		p.selected[id] = true
	} else {
		delete(p.selected, id)
	}
}

// Refresh projects the document. origin tells it what triggered the
// refresh so it can skip no-op local echoes.
func (p *Projector) Refresh(origin crdt.Origin) {
	rawNodes := p.doc.Nodes()
	rawEdges := p.doc.Edges()

	p.migrate(rawNodes, rawEdges)

	sig := signature(rawNodes, rawEdges)

	p.mu.Lock()

	// a local edit that did not move the structural signature is an
	// echo of something the view already shows. Remote changes and
	// undo replays always re-project: their text merges matter even
	// when the structure held still.
	undoing := p.undoActive != nil && p.undoActive()
	if sig == p.signature && p.doc.IsLocal(origin) && !undoing {
		p.mu.Unlock()
		return
	}

	nodes, added := p.projectNodes(rawNodes)
	edges := p.projectEdges(rawEdges, nodes)

	p.signature = sig
	p.nodes = nodes
	p.edges = edges
	prevNodes := make(map[string]*graph.Node, len(nodes))
	for _, n := range nodes {
		prevNodes[n.ID] = n
	}
	p.prevNodes = prevNodes
	prevEdges := make(map[string]*graph.Edge, len(edges))
	for _, e := range edges {
		prevEdges[e.ID] = e
	}
	p.prevEdges = prevEdges

	onChange := p.onChange
	onRemote := p.onRemoteNode
	snapshot := &Snapshot{Nodes: nodes, Edges: edges}
	p.mu.Unlock()

	if origin == crdt.OriginRemote && onRemote != nil {
		for _, n := range added {
			if n.Type.Contentful() {
				onRemote(n)
			}
		}
	}
	if onChange != nil {
		onChange(snapshot)
	}
}

// migrate rewrites legacy tags in a follow-up transaction. The rewrite
// is best-effort; the in-memory view below maps tags regardless, so a
// failed write only means the next load migrates again.
func (p *Projector) migrate(nodes []*crdt.RawNode, edges []*crdt.RawEdge) {
	type nodeFix struct {
		id   string
		typ  graph.NodeType
		text string
		seed bool
	}
	type edgeFix struct {
		id  string
		typ graph.EdgeType
	}

	var nodeFixes []nodeFix
	var edgeFixes []edgeFix

	for _, rn := range nodes {
		current, migrated := graph.CurrentNodeType(rn.RawType)
		if !migrated {
			continue
		}
		fix := nodeFix{id: rn.Node.ID, typ: current}
		if text, ok := graph.LegacyTextValue(rn.RawType, rn.Node.Data); ok && !p.doc.HasText(rn.Node.ID) {
			fix.text = text
			fix.seed = true
		}
		nodeFixes = append(nodeFixes, fix)
	}
	for _, re := range edges {
		current, migrated := graph.CurrentEdgeType(re.RawType)
		if !migrated {
			continue
		}
		edgeFixes = append(edgeFixes, edgeFix{id: re.Edge.ID, typ: current})
	}

	if len(nodeFixes) == 0 && len(edgeFixes) == 0 {
		return
	}

	err := p.doc.Transact(crdt.OriginMigration, func(tx *crdt.Tx) error {
		for _, f := range nodeFixes {
			if err := tx.SetNodeField(f.id, "type", string(f.typ)); err != nil {
				return err
			}
			if f.seed {
				if err := tx.SetText(f.id, f.text); err != nil {
					return err
				}
			}
		}
		for _, f := range edgeFixes {
			if err := tx.SetEdgeField(f.id, "type", string(f.typ)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logrus.Warnf("legacy tag migration failed, will retry on next load: %v", err)
	}
}

// projectNodes builds the published node list, reusing previous
// pointers for records that did not change. It also returns nodes that
// did not exist in the previous projection.
func (p *Projector) projectNodes(raw []*crdt.RawNode) ([]*graph.Node, []*graph.Node) {
	nodes := make([]*graph.Node, 0, len(raw))
	var added []*graph.Node

	for _, rn := range raw {
		typ, _ := graph.CurrentNodeType(rn.RawType)
		if !graph.KnownNodeType(typ) {
			logrus.Debugf("skipping node %s with unknown type %q", rn.Node.ID, rn.RawType)
			continue
		}

		n := rn.Node.Clone()
		n.Type = typ
		if n.Data == nil {
			n.Data = map[string]any{}
		}

		prev := p.prevNodes[n.ID]
		p.mergeText(n, prev)

		n.Selected = p.selected[n.ID]
		n.Dragging = false
		n.Draggable = n.ParentID == "" && !lockedByOther(n)

		if prev != nil && prev.Equal(n) {
			nodes = append(nodes, prev)
			continue
		}
		nodes = append(nodes, n)
		if prev == nil {
			added = append(added, n)
		}
	}

	return nodes, added
}

// mergeText publishes the node's live text under its type-specific
// field and the stable label alias. When the text entry is missing, the
// previous projection's value holds so the view never flashes empty.
func (p *Projector) mergeText(n *graph.Node, prev *graph.Node) {
	field := n.Type.TextField()

	text, ok := p.doc.Text(n.ID)
	if !ok {
		if prev != nil {
			if s, has := prev.Data[field].(string); has {
				text = s
				ok = true
			}
		}
		if !ok {
			if s, has := n.Data[field].(string); has {
				text = s
				ok = true
			}
		}
	}
	if !ok {
		text = ""
	}

	n.Data[field] = text
	n.Data[graph.LabelField] = text
}

// projectEdges builds the published edge list, dropping edges whose
// endpoints are gone. Dangling references are a normal artifact of
// concurrent deletes, not corruption.
func (p *Projector) projectEdges(raw []*crdt.RawEdge, nodes []*graph.Node) []*graph.Edge {
	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
	}

	edges := make([]*graph.Edge, 0, len(raw))
	for _, re := range raw {
		if !present[re.Edge.Source] || !present[re.Edge.Target] {
			continue
		}

		typ, _ := graph.CurrentEdgeType(re.RawType)
		if !graph.KnownEdgeType(typ) {
			logrus.Debugf("skipping edge %s with unknown type %q", re.Edge.ID, re.RawType)
			continue
		}

		e := re.Edge.Clone()
		e.Type = typ
		if e.Data == nil {
			e.Data = map[string]any{}
		}

		if prev := p.prevEdges[e.ID]; prev != nil && prev.Equal(e) {
			edges = append(edges, prev)
			continue
		}
		edges = append(edges, e)
	}

	return edges
}

func lockedByOther(n *graph.Node) bool {
	locked, _ := n.Data["locked"].(bool)
	return locked
}

// signature fingerprints the board structure. Live text fields are
// excluded: keystrokes must not look like structural changes.
func signature(nodes []*crdt.RawNode, edges []*crdt.RawEdge) string {
	var b strings.Builder
	for _, rn := range nodes {
		n := rn.Node
		fmt.Fprintf(&b, "n|%s|%s|%g|%g|%s|%g|%g|", n.ID, rn.RawType, n.Position.X, n.Position.Y, n.ParentID, n.Width, n.Height)
		writeData(&b, n.Data)
		b.WriteByte('\n')
	}
	for _, re := range edges {
		e := re.Edge
		fmt.Fprintf(&b, "e|%s|%s|%s|%s|%s|%s|", e.ID, re.RawType, e.Source, e.Target, e.SourceHandle, e.TargetHandle)
		writeData(&b, e.Data)
		b.WriteByte('\n')
	}
	return b.String()
}

// liveTextFields never enter the signature.
var liveTextFields = map[string]bool{
	"content":   true,
	"statement": true,
	"label":     true,
}

func writeData(b *strings.Builder, data map[string]any) {
	keys := make([]string, 0, len(data))
	for k := range data {
		if liveTextFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%v;", k, data[k])
	}
}
