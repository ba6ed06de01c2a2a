package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrentNodeType(t *testing.T) {
	typ, migrated := CurrentNodeType("question")
	assert.Equal(t, NodeTypeStatement, typ)
	assert.True(t, migrated)

	typ, migrated = CurrentNodeType("point")
	assert.Equal(t, NodeTypePoint, typ)
	assert.False(t, migrated)
}

func TestCurrentEdgeType(t *testing.T) {
	typ, migrated := CurrentEdgeType("negation")
	assert.Equal(t, EdgeTypeObjection, typ)
	assert.True(t, migrated)

	typ, migrated = CurrentEdgeType("support")
	assert.Equal(t, EdgeTypeSupport, typ)
	assert.False(t, migrated)
}

func TestLegacyTextValue(t *testing.T) {
	text, ok := LegacyTextValue("question", map[string]any{"content": "why?"})
	assert.True(t, ok)
	assert.Equal(t, "why?", text)

	_, ok = LegacyTextValue("question", map[string]any{})
	assert.False(t, ok)

	// current tags never carry inline legacy text
	_, ok = LegacyTextValue("statement", map[string]any{"content": "x"})
	assert.False(t, ok)

	_, ok = LegacyTextValue("question", nil)
	assert.False(t, ok)
}

func TestNodeTypeTextField(t *testing.T) {
	assert.Equal(t, "statement", NodeTypeStatement.TextField())
	assert.Equal(t, "statement", NodeTypeTitle.TextField())
	assert.Equal(t, "content", NodeTypePoint.TextField())
	assert.Equal(t, "content", NodeTypeComment.TextField())
}

func TestNodeTypeContentful(t *testing.T) {
	assert.True(t, NodeTypePoint.Contentful())
	assert.True(t, NodeTypeObjection.Contentful())
	assert.False(t, NodeTypeGroup.Contentful())
	assert.False(t, NodeTypeEdgeAnchor.Contentful())
}

func TestNodeCloneAndEqual(t *testing.T) {
	n := &Node{
		ID:       "n1",
		Type:     NodeTypePoint,
		Position: Position{X: 1, Y: 2},
		Data:     map[string]any{"content": "a", "nested": map[string]any{"k": "v"}},
	}

	c := n.Clone()
	assert.True(t, n.Equal(c))

	// deep copy, mutations do not leak back
	c.Data["content"] = "b"
	assert.Equal(t, "a", n.Data["content"])
	assert.False(t, n.Equal(c))
}

func TestKnownNodeType(t *testing.T) {
	assert.True(t, KnownNodeType(NodeTypePoint))
	assert.False(t, KnownNodeType(NodeType("question")))
	assert.False(t, KnownNodeType(NodeType("bogus")))
}

func TestKnownEdgeType(t *testing.T) {
	assert.True(t, KnownEdgeType(EdgeTypeSupport))
	assert.True(t, KnownEdgeType(EdgeTypeObjection))
	assert.False(t, KnownEdgeType(EdgeType("negation")))
	assert.False(t, KnownEdgeType(EdgeType("bogus")))
}
