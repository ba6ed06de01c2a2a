package session

import (
	"errors"

	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
	"github.com/emrgen/board/internal/undo"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
)

// AddNode creates a node and its text entry. The inverse removes both.
func (s *Session) AddNode(n *graph.Node) error {
	record := n.Clone()

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			if err := tx.PutNode(record); err != nil {
				return err
			}
			_, err := tx.EnsureText(record.ID)
			return err
		})
	}
	remove := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			if err := tx.DeleteText(record.ID); err != nil {
				return err
			}
			return tx.DeleteNode(record.ID)
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: remove, Redo: apply})
	return nil
}

// UpdateNode applies field changes to a node record. Recognized keys
// are type, parentId, width and height; everything else lands in the
// node's data payload. The inverse restores the full previous record.
func (s *Session) UpdateNode(id string, fields map[string]any) error {
	prev := s.findNode(id)
	if prev == nil {
		return ErrNodeNotFound
	}

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			for key, v := range fields {
				var err error
				switch key {
				case "type":
					err = tx.SetNodeField(id, "type", v)
				case "parentId":
					err = tx.SetNodeField(id, "parentId", v)
				case "width":
					err = tx.SetNodeField(id, "width", v)
				case "height":
					err = tx.SetNodeField(id, "height", v)
				default:
					err = tx.SetNodeData(id, key, v)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	restore := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.PutNode(prev)
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: restore, Redo: apply})
	return nil
}

// MoveNode repositions a node. Rapid moves coalesce into one undo step.
func (s *Session) MoveNode(id string, pos graph.Position) error {
	prev := s.findNode(id)
	if prev == nil {
		return ErrNodeNotFound
	}
	prevPos := prev.Position

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.SetNodePosition(id, pos)
		})
	}
	restore := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.SetNodePosition(id, prevPos)
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: restore, Redo: apply})
	return nil
}

// DeleteNode removes a node with its text entry and incident edges.
// Children keep their place but lose the parent reference. The inverse
// restores everything the cascade touched.
func (s *Session) DeleteNode(id string) error {
	node := s.findNode(id)
	if node == nil {
		return ErrNodeNotFound
	}

	text, hadText := s.doc.Text(id)

	var incident []*graph.Edge
	for _, re := range s.doc.Edges() {
		if re.Edge.Source == id || re.Edge.Target == id {
			incident = append(incident, re.Edge.Clone())
		}
	}

	var children []string
	for _, rn := range s.doc.Nodes() {
		if rn.Node.ParentID == id {
			children = append(children, rn.Node.ID)
		}
	}

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			for _, e := range incident {
				if err := tx.DeleteEdge(e.ID); err != nil {
					return err
				}
			}
			for _, child := range children {
				if err := tx.SetNodeField(child, "parentId", ""); err != nil {
					return err
				}
			}
			if hadText {
				if err := tx.DeleteText(id); err != nil {
					return err
				}
			}
			return tx.DeleteNode(id)
		})
	}
	restore := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			if err := tx.PutNode(node); err != nil {
				return err
			}
			if hadText {
				if err := tx.SetText(id, text); err != nil {
					return err
				}
			}
			for _, e := range incident {
				if err := tx.PutEdge(e); err != nil {
					return err
				}
			}
			for _, child := range children {
				if err := tx.SetNodeField(child, "parentId", id); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: restore, Redo: apply})
	return nil
}

// AddEdge connects two nodes.
func (s *Session) AddEdge(e *graph.Edge) error {
	record := e.Clone()

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.PutEdge(record)
		})
	}
	remove := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.DeleteEdge(record.ID)
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: remove, Redo: apply})
	return nil
}

// DeleteEdge removes an edge.
func (s *Session) DeleteEdge(id string) error {
	edge := s.findEdge(id)
	if edge == nil {
		return ErrEdgeNotFound
	}

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.DeleteEdge(id)
		})
	}
	restore := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.PutEdge(edge)
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: restore, Redo: apply})
	return nil
}

// SetNodeText replaces a node's live text. Keystrokes coalesce into one
// undo step.
func (s *Session) SetNodeText(id, text string) error {
	prev, had := s.doc.Text(id)

	apply := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			return tx.SetText(id, text)
		})
	}
	restore := func() error {
		return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
			if !had {
				return tx.DeleteText(id)
			}
			return tx.SetText(id, prev)
		})
	}

	if err := apply(); err != nil {
		return err
	}
	s.history.Record(undo.Op{Undo: restore, Redo: apply})
	return nil
}

// SetMeta writes an out-of-band coordination value. Meta writes do not
// enter undo history.
func (s *Session) SetMeta(key string, v any) error {
	return s.doc.Transact(s.doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.SetMeta(key, v)
	})
}

// EndGesture seals the current undo coalescing group, so the next edit
// starts a fresh step. Call it when a drag or typing burst ends.
func (s *Session) EndGesture() {
	s.history.Seal()
}

func (s *Session) findNode(id string) *graph.Node {
	for _, rn := range s.doc.Nodes() {
		if rn.Node.ID == id {
			n := rn.Node.Clone()
			typ, _ := graph.CurrentNodeType(rn.RawType)
			n.Type = typ
			return n
		}
	}
	return nil
}

func (s *Session) findEdge(id string) *graph.Edge {
	for _, re := range s.doc.Edges() {
		if re.Edge.ID == id {
			e := re.Edge.Clone()
			typ, _ := graph.CurrentEdgeType(re.RawType)
			e.Type = typ
			return e
		}
	}
	return nil
}
