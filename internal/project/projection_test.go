package project

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
)

func putNode(t *testing.T, doc *crdt.Doc, n *graph.Node) {
	t.Helper()
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.PutNode(n)
	}))
}

func TestProjector_PointerIdentityStability(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "a", Type: graph.NodeTypePoint})
	putNode(t, doc, &graph.Node{ID: "b", Type: graph.NodeTypeStatement})
	p.Refresh(crdt.OriginRemote)

	first := p.Nodes()
	assert.Len(t, first, 2)

	// move only node b
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.SetNodePosition("b", graph.Position{X: 5, Y: 5})
	}))
	p.Refresh(crdt.OriginRemote)

	second := p.Nodes()
	assert.Len(t, second, 2)
	// unchanged node keeps its pointer, changed node gets a new one
	assert.Same(t, first[0], second[0])
	assert.NotSame(t, first[1], second[1])
	assert.Equal(t, 5.0, second[1].Position.X)
}

func TestProjector_SkipsLocalEcho(t *testing.T) {
	doc := crdt.NewDoc()

	changes := 0
	p := NewProjector(Options{
		Doc:      doc,
		OnChange: func(s *Snapshot) { changes++ },
	})

	putNode(t, doc, &graph.Node{ID: "a", Type: graph.NodeTypePoint})
	p.Refresh(crdt.OriginRemote)
	assert.Equal(t, 1, changes)

	// a local text edit does not move the structural signature
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.SetText("a", "typing")
	}))
	p.Refresh(doc.LocalOrigin())
	assert.Equal(t, 1, changes)

	// the same change arriving from a peer must re-project
	p.Refresh(crdt.OriginRemote)
	assert.Equal(t, 2, changes)
}

func TestProjector_UndoReplayAlwaysProjects(t *testing.T) {
	doc := crdt.NewDoc()

	undoing := false
	changes := 0
	p := NewProjector(Options{
		Doc:        doc,
		UndoActive: func() bool { return undoing },
		OnChange:   func(s *Snapshot) { changes++ },
	})

	putNode(t, doc, &graph.Node{ID: "a", Type: graph.NodeTypePoint})
	p.Refresh(crdt.OriginRemote)
	base := changes

	undoing = true
	p.Refresh(doc.LocalOrigin())
	assert.Equal(t, base+1, changes)
}

func TestProjector_MigratesLegacyTags(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	// a record written by a pre-rewrite client
	putNode(t, doc, &graph.Node{
		ID:   "q1",
		Type: graph.NodeType("question"),
		Data: map[string]any{"content": "why though"},
	})
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.PutEdge(&graph.Edge{ID: "e1", Source: "q1", Target: "q1", Type: graph.EdgeType("negation")})
	}))

	p.Refresh(crdt.OriginRemote)

	nodes := p.Nodes()
	assert.Len(t, nodes, 1)
	assert.Equal(t, graph.NodeTypeStatement, nodes[0].Type)

	// legacy inline text was seeded into the text collection
	text, ok := doc.Text("q1")
	assert.True(t, ok)
	assert.Equal(t, "why though", text)

	// the stored record was rewritten, not just the view
	raw := doc.Nodes()
	assert.Equal(t, "statement", raw[0].RawType)
	rawEdges := doc.Edges()
	assert.Equal(t, "objection", rawEdges[0].RawType)

	edges := p.Edges()
	assert.Len(t, edges, 1)
	assert.Equal(t, graph.EdgeTypeObjection, edges[0].Type)
}

func TestProjector_TextMergeAndLabelAlias(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "s1", Type: graph.NodeTypeStatement})
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.SetText("s1", "all models are wrong")
	}))

	p.Refresh(crdt.OriginRemote)

	nodes := p.Nodes()
	assert.Len(t, nodes, 1)
	assert.Equal(t, "all models are wrong", nodes[0].Data["statement"])
	assert.Equal(t, "all models are wrong", nodes[0].Data[graph.LabelField])
}

func TestProjector_TextFallsBackToPrevious(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "p1", Type: graph.NodeTypePoint})
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.SetText("p1", "keep me")
	}))
	p.Refresh(crdt.OriginRemote)

	// the text entry vanishes, as after a partial remote delete
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.DeleteText("p1")
	}))
	p.Refresh(crdt.OriginRemote)

	nodes := p.Nodes()
	assert.Len(t, nodes, 1)
	assert.Equal(t, "keep me", nodes[0].Data["content"])
}

func TestProjector_RemoteAddedContentfulCallback(t *testing.T) {
	doc := crdt.NewDoc()

	var announced []string
	p := NewProjector(Options{
		Doc:          doc,
		OnRemoteNode: func(n *graph.Node) { announced = append(announced, n.ID) },
	})

	putNode(t, doc, &graph.Node{ID: "p1", Type: graph.NodeTypePoint})
	putNode(t, doc, &graph.Node{ID: "t1", Type: graph.NodeTypeTitle})
	p.Refresh(crdt.OriginRemote)

	// only the contentful node is announced
	assert.Equal(t, []string{"p1"}, announced)

	// a local add is not announced
	putNode(t, doc, &graph.Node{ID: "p2", Type: graph.NodeTypePoint})
	p.Refresh(doc.LocalOrigin())
	assert.Equal(t, []string{"p1"}, announced)
}

func TestProjector_FiltersDanglingEdges(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "a", Type: graph.NodeTypePoint})
	putNode(t, doc, &graph.Node{ID: "b", Type: graph.NodeTypePoint})
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		if err := tx.PutEdge(&graph.Edge{ID: "ok", Source: "a", Target: "b", Type: graph.EdgeTypeSupport}); err != nil {
			return err
		}
		return tx.PutEdge(&graph.Edge{ID: "dangling", Source: "a", Target: "gone", Type: graph.EdgeTypeSupport})
	}))

	p.Refresh(crdt.OriginRemote)

	edges := p.Edges()
	assert.Len(t, edges, 1)
	assert.Equal(t, "ok", edges[0].ID)
}

func TestProjector_Transients(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "free", Type: graph.NodeTypePoint})
	putNode(t, doc, &graph.Node{ID: "child", Type: graph.NodeTypePoint, ParentID: "free"})
	p.SetSelected("free", true)

	p.Refresh(crdt.OriginRemote)

	byID := map[string]*graph.Node{}
	for _, n := range p.Nodes() {
		byID[n.ID] = n
	}

	assert.True(t, byID["free"].Selected)
	assert.True(t, byID["free"].Draggable)
	assert.False(t, byID["free"].Dragging)

	// parented nodes move with the parent, never alone
	assert.False(t, byID["child"].Draggable)
	assert.False(t, byID["child"].Selected)
}

func TestProjector_SkipsUnknownNodeTypes(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "ok", Type: graph.NodeTypePoint})
	putNode(t, doc, &graph.Node{ID: "weird", Type: graph.NodeType("hologram")})

	p.Refresh(crdt.OriginRemote)

	nodes := p.Nodes()
	assert.Len(t, nodes, 1)
	assert.Equal(t, "ok", nodes[0].ID)
}

func TestProjector_SkipsUnknownEdgeTypes(t *testing.T) {
	doc := crdt.NewDoc()
	p := NewProjector(Options{Doc: doc})

	putNode(t, doc, &graph.Node{ID: "a", Type: graph.NodeTypePoint})
	putNode(t, doc, &graph.Node{ID: "b", Type: graph.NodeTypePoint})
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		if err := tx.PutEdge(&graph.Edge{ID: "ok", Source: "a", Target: "b", Type: graph.EdgeTypeSupport}); err != nil {
			return err
		}
		return tx.PutEdge(&graph.Edge{ID: "weird", Source: "a", Target: "b", Type: graph.EdgeType("teleport")})
	}))

	p.Refresh(crdt.OriginRemote)

	edges := p.Edges()
	assert.Len(t, edges, 1)
	assert.Equal(t, "ok", edges[0].ID)
}
