package graph

// NodeType tags a node record. The set is closed; legacy tags from older
// clients are rewritten on load, see migrate.go.
type NodeType string

const (
	NodeTypePoint      NodeType = "point"
	NodeTypeStatement  NodeType = "statement"
	NodeTypeTitle      NodeType = "title"
	NodeTypeObjection  NodeType = "objection"
	NodeTypeComment    NodeType = "comment"
	NodeTypeGroup      NodeType = "group"
	NodeTypeEdgeAnchor NodeType = "edge_anchor"
)

// EdgeType tags an edge record.
type EdgeType string

const (
	EdgeTypeSupport   EdgeType = "support"
	EdgeTypeObjection EdgeType = "objection"
	EdgeTypeStatement EdgeType = "statement"
	EdgeTypeAnchor    EdgeType = "anchor"
)

// LabelField is the stable alias under which the projection publishes the
// node's live text regardless of its type-specific field.
const LabelField = "label"

// Position of a node on the board, in canvas coordinates.
type Position struct {
	X float64
	Y float64
}

// Node is one board node. Data holds the type-specific payload; the live
// text body lives in the document's text collection, not here, and gets
// merged in by the projection.
type Node struct {
	ID       string
	Type     NodeType
	Position Position
	Data     map[string]any
	ParentID string
	Width    float64
	Height   float64

	// UI transients, never synced. Dragging is always cleared on
	// projection; Draggable is recomputed from parent/lock state.
	Selected  bool
	Dragging  bool
	Draggable bool
}

// Edge connects two nodes. Dangling source/target references are filtered
// by the projection, not treated as corruption.
type Edge struct {
	ID           string
	Source       string
	Target       string
	Type         EdgeType
	SourceHandle string
	TargetHandle string
	Data         map[string]any
}

// TextField returns the data field the node type displays its text under.
func (t NodeType) TextField() string {
	if t == NodeTypeStatement || t == NodeTypeTitle {
		return "statement"
	}
	return "content"
}

// Contentful reports whether a node of this type carries user-authored
// content worth announcing when another participant creates one.
func (t NodeType) Contentful() bool {
	return t == NodeTypePoint || t == NodeTypeObjection
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Data = cloneData(n.Data)
	return &c
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	c := *e
	c.Data = cloneData(e.Data)
	return &c
}

// Equal compares all synced and transient fields, including Data.
func (n *Node) Equal(o *Node) bool {
	if o == nil {
		return false
	}
	if n.ID != o.ID || n.Type != o.Type || n.Position != o.Position ||
		n.ParentID != o.ParentID || n.Width != o.Width || n.Height != o.Height ||
		n.Selected != o.Selected || n.Dragging != o.Dragging || n.Draggable != o.Draggable {
		return false
	}
	return dataEqual(n.Data, o.Data)
}

// Equal compares all fields, including Data.
func (e *Edge) Equal(o *Edge) bool {
	if o == nil {
		return false
	}
	if e.ID != o.ID || e.Source != o.Source || e.Target != o.Target ||
		e.Type != o.Type || e.SourceHandle != o.SourceHandle || e.TargetHandle != o.TargetHandle {
		return false
	}
	return dataEqual(e.Data, o.Data)
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func dataEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		return ok && dataEqual(at, bt)
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !valueEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
