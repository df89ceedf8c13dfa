// Package tree defines the immutable, identity-bearing node model exchanged by sapling.
//
// # Overview
//
// A tree is built from a closed set of node kinds. Every node carries an ID that is
// assigned once and preserved across copy-on-write edits, so the exchange protocol can
// tell "same logical node, new content" apart from "new node". Nodes are plain structs
// with exported fields; they are never mutated after construction. Edits produce new
// values through the With* helpers or Rewrite, which share every untouched subtree with
// the original.
//
// # Families
//
// Kinds are grouped into families. The "data" family is a YAML-shaped source tree
// (Documents, Document, Mapping, Entry, Sequence, Scalar, Identifier, Comment, Markers).
// The "marker" family holds side-table entries attached to any node through its Markers
// field (SearchResult, RawMarker). A family name doubles as the routing key used when
// several unrelated tree families share one channel.
//
// # Usage Example
//
//	doc := &tree.Document{
//		ID:    tree.NewID(),
//		Block: &tree.Scalar{ID: tree.NewID(), Value: "a"},
//	}
//
//	edited := tree.Rewrite(doc, func(n tree.Node) tree.Node {
//		if s, ok := n.(*tree.Scalar); ok {
//			return s.WithValue("b")
//		}
//		return n
//	})
//
//	// edited keeps doc's ID; only the scalar and its ancestors are new values.
package tree
