package crdt

import (
	"sort"
	"strings"

	"github.com/automerge/automerge-go"

	"github.com/emrgen/board/internal/graph"
)

// RawNode is a node record as stored, with its raw (possibly legacy) type
// tag. Only the migration boundary in the projection sees raw tags.
type RawNode struct {
	Node    *graph.Node
	RawType string
}

// Nodes reads all node records, sorted by id.
func (d *Doc) Nodes() []*RawNode {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*RawNode
	for _, key := range d.keysLocked(nodePrefix) {
		v, err := d.doc.Path(key).Get()
		if err != nil || v.Kind() != automerge.KindMap {
			continue
		}
		if n := decodeNode(strings.TrimPrefix(key, nodePrefix), v.Map()); n != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// RawEdge is an edge record as stored, with its raw type tag.
type RawEdge struct {
	Edge    *graph.Edge
	RawType string
}

// Edges reads all edge records, sorted by id.
func (d *Doc) Edges() []*RawEdge {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*RawEdge
	for _, key := range d.keysLocked(edgePrefix) {
		v, err := d.doc.Path(key).Get()
		if err != nil || v.Kind() != automerge.KindMap {
			continue
		}
		if e := decodeEdge(strings.TrimPrefix(key, edgePrefix), v.Map()); e != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Edge.ID < out[j].Edge.ID })
	return out
}

// Text returns the text entry for a node, if one exists.
func (d *Doc) Text(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(textPrefix + id).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return "", false
	}
	s, err := v.Text().Get()
	if err != nil {
		return "", false
	}
	return s, true
}

// HasText reports whether a text entry exists for the node.
func (d *Doc) HasText(id string) bool {
	_, ok := d.Text(id)
	return ok
}

// MetaValue reads an out-of-band coordination value.
func (d *Doc) MetaValue(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(metaPrefix + key).Get()
	if err != nil || v == nil || v.Kind() == automerge.KindVoid {
		return nil, false
	}
	return goValue(v), true
}

// MetaBool reads a boolean coordination value, false if absent.
func (d *Doc) MetaBool(key string) bool {
	v, ok := d.MetaValue(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MetaFloat reads a numeric coordination value, 0 if absent.
func (d *Doc) MetaFloat(key string) (float64, bool) {
	v, ok := d.MetaValue(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// MetaString reads a string coordination value, "" if absent.
func (d *Doc) MetaString(key string) (string, bool) {
	v, ok := d.MetaValue(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (d *Doc) keysLocked(prefix string) []string {
	keys, err := d.doc.RootMap().Keys()
	if err != nil {
		return nil
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func decodeNode(id string, m *automerge.Map) *RawNode {
	n := &graph.Node{ID: id, Data: map[string]any{}}
	raw := ""
	if s, ok := mapString(m, "type"); ok {
		raw = s
	}
	if f, ok := mapFloat(m, "x"); ok {
		n.Position.X = f
	}
	if f, ok := mapFloat(m, "y"); ok {
		n.Position.Y = f
	}
	if s, ok := mapString(m, "parentId"); ok {
		n.ParentID = s
	}
	if f, ok := mapFloat(m, "width"); ok {
		n.Width = f
	}
	if f, ok := mapFloat(m, "height"); ok {
		n.Height = f
	}
	if v, err := m.Get("data"); err == nil && v.Kind() == automerge.KindMap {
		if data, ok := goValue(v).(map[string]any); ok {
			n.Data = data
		}
	}
	n.Type = graph.NodeType(raw)
	return &RawNode{Node: n, RawType: raw}
}

func decodeEdge(id string, m *automerge.Map) *RawEdge {
	e := &graph.Edge{ID: id, Data: map[string]any{}}
	raw := ""
	if s, ok := mapString(m, "type"); ok {
		raw = s
	}
	if s, ok := mapString(m, "source"); ok {
		e.Source = s
	}
	if s, ok := mapString(m, "target"); ok {
		e.Target = s
	}
	if s, ok := mapString(m, "sourceHandle"); ok {
		e.SourceHandle = s
	}
	if s, ok := mapString(m, "targetHandle"); ok {
		e.TargetHandle = s
	}
	if v, err := m.Get("data"); err == nil && v.Kind() == automerge.KindMap {
		if data, ok := goValue(v).(map[string]any); ok {
			e.Data = data
		}
	}
	e.Type = graph.EdgeType(raw)
	return &RawEdge{Edge: e, RawType: raw}
}

func mapString(m *automerge.Map, key string) (string, bool) {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return "", false
	}
	return v.Str(), true
}

func mapFloat(m *automerge.Map, key string) (float64, bool) {
	v, err := m.Get(key)
	if err != nil {
		return 0, false
	}
	return toFloat(goValue(v))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

// goValue converts an automerge value into plain Go data. Text values
// flatten to strings.
func goValue(v *automerge.Value) any {
	switch v.Kind() {
	case automerge.KindStr:
		return v.Str()
	case automerge.KindBool:
		return v.Bool()
	case automerge.KindFloat64:
		return v.Float64()
	case automerge.KindInt64:
		return v.Int64()
	case automerge.KindUint64:
		return v.Uint64()
	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return ""
		}
		return s
	case automerge.KindMap:
		values, err := v.Map().Values()
		if err != nil {
			return map[string]any{}
		}
		out := make(map[string]any, len(values))
		for k, mv := range values {
			out[k] = goValue(mv)
		}
		return out
	case automerge.KindList:
		l := v.List()
		values, err := l.Values()
		if err != nil {
			return []any{}
		}
		out := make([]any, 0, len(values))
		for _, lv := range values {
			out = append(out, goValue(lv))
		}
		return out
	default:
		return nil
	}
}
