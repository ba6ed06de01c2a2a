package graph

// Legacy type tags produced by pre-rewrite clients. They are rewritten to
// current tags the first time a load pass sees them; nothing outside this
// boundary ever observes a legacy tag.
const (
	legacyNodeQuestion = "question"
	legacyEdgeNegation = "negation"
)

// CurrentNodeType maps a raw type tag to the current generation. The second
// result reports whether the tag was legacy and needs a rewrite.
func CurrentNodeType(raw string) (NodeType, bool) {
	switch raw {
	case legacyNodeQuestion:
		return NodeTypeStatement, true
	default:
		return NodeType(raw), false
	}
}

// CurrentEdgeType maps a raw edge type tag to the current generation.
func CurrentEdgeType(raw string) (EdgeType, bool) {
	switch raw {
	case legacyEdgeNegation:
		return EdgeTypeObjection, true
	default:
		return EdgeType(raw), false
	}
}

// LegacyTextValue extracts the text body a legacy node carried inline in its
// data payload, used to seed the text collection entry during migration.
// Legacy question nodes stored their text under "content".
func LegacyTextValue(raw string, data map[string]any) (string, bool) {
	if raw != legacyNodeQuestion || data == nil {
		return "", false
	}
	s, ok := data["content"].(string)
	return s, ok
}

// KnownNodeType reports whether t is a current-generation tag.
func KnownNodeType(t NodeType) bool {
	switch t {
	case NodeTypePoint, NodeTypeStatement, NodeTypeTitle, NodeTypeObjection,
		NodeTypeComment, NodeTypeGroup, NodeTypeEdgeAnchor:
		return true
	}
	return false
}

// KnownEdgeType reports whether t is a current-generation tag.
func KnownEdgeType(t EdgeType) bool {
	switch t {
	case EdgeTypeSupport, EdgeTypeObjection, EdgeTypeStatement, EdgeTypeAnchor:
		return true
	}
	return false
}
