package exchange

import (
	"github.com/dyluth/sapling/pkg/tree"
)

// DefaultRegistry returns a registry holding the codecs for every kind in
// pkg/tree. Field order is part of the wire contract: both peers must register
// the same codecs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDataKinds(r)
	RegisterMarkerKinds(r)
	return r
}

// RegisterDataKinds registers the "data" family.
func RegisterDataKinds(r *Registry) {
	// Documents: markers, source path, bom, documents, suffix
	MustRegister(r, tree.KindDocuments, Codec[*tree.Documents]{
		New: func(id tree.ID) *tree.Documents { return &tree.Documents{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Documents) {
			SendNode(q, b.Markers, a.Markers)
			q.String(b.SourcePath, a.SourcePath)
			q.Bool(b.BOM, a.BOM)
			SendList(q, b.Documents, a.Documents)
			q.String(b.Suffix, a.Suffix)
		},
		Receive: func(q *ReceiveQueue, b *tree.Documents) *tree.Documents {
			n := *b
			n.Markers = ReceiveNode(q, b.Markers)
			n.SourcePath = q.String(b.SourcePath)
			n.BOM = q.Bool(b.BOM)
			n.Documents = ReceiveList(q, b.Documents)
			n.Suffix = q.String(b.Suffix)
			return &n
		},
	})

	// Document: prefix, markers, explicit, block, comments, end
	MustRegister(r, tree.KindDocument, Codec[*tree.Document]{
		New: func(id tree.ID) *tree.Document { return &tree.Document{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Document) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			q.Bool(b.Explicit, a.Explicit)
			SendNode(q, b.Block, a.Block)
			SendList(q, b.Comments, a.Comments)
			q.String(b.End, a.End)
		},
		Receive: func(q *ReceiveQueue, b *tree.Document) *tree.Document {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Explicit = q.Bool(b.Explicit)
			n.Block = ReceiveNode(q, b.Block)
			n.Comments = ReceiveList(q, b.Comments)
			n.End = q.String(b.End)
			return &n
		},
	})

	// Mapping: prefix, markers, anchor, open brace, entries, close brace
	MustRegister(r, tree.KindMapping, Codec[*tree.Mapping]{
		New: func(id tree.ID) *tree.Mapping { return &tree.Mapping{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Mapping) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			q.String(b.Anchor, a.Anchor)
			q.String(b.OpenBrace, a.OpenBrace)
			SendList(q, b.Entries, a.Entries)
			q.String(b.CloseBrace, a.CloseBrace)
		},
		Receive: func(q *ReceiveQueue, b *tree.Mapping) *tree.Mapping {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Anchor = q.String(b.Anchor)
			n.OpenBrace = q.String(b.OpenBrace)
			n.Entries = ReceiveList(q, b.Entries)
			n.CloseBrace = q.String(b.CloseBrace)
			return &n
		},
	})

	// Entry: prefix, markers, comments, key, before colon, value
	MustRegister(r, tree.KindEntry, Codec[*tree.Entry]{
		New: func(id tree.ID) *tree.Entry { return &tree.Entry{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Entry) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			SendList(q, b.Comments, a.Comments)
			SendNode(q, b.Key, a.Key)
			q.String(b.BeforeColon, a.BeforeColon)
			SendNode(q, b.Value, a.Value)
		},
		Receive: func(q *ReceiveQueue, b *tree.Entry) *tree.Entry {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Comments = ReceiveList(q, b.Comments)
			n.Key = ReceiveNode(q, b.Key)
			n.BeforeColon = q.String(b.BeforeColon)
			n.Value = ReceiveNode(q, b.Value)
			return &n
		},
	})

	// Sequence: prefix, markers, anchor, open bracket, elements, close bracket
	MustRegister(r, tree.KindSequence, Codec[*tree.Sequence]{
		New: func(id tree.ID) *tree.Sequence { return &tree.Sequence{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Sequence) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			q.String(b.Anchor, a.Anchor)
			q.String(b.OpenBracket, a.OpenBracket)
			SendList(q, b.Elements, a.Elements)
			q.String(b.CloseBracket, a.CloseBracket)
		},
		Receive: func(q *ReceiveQueue, b *tree.Sequence) *tree.Sequence {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Anchor = q.String(b.Anchor)
			n.OpenBracket = q.String(b.OpenBracket)
			n.Elements = ReceiveList(q, b.Elements)
			n.CloseBracket = q.String(b.CloseBracket)
			return &n
		},
	})

	// Scalar: prefix, markers, anchor, tag, style, value, line comment
	MustRegister(r, tree.KindScalar, Codec[*tree.Scalar]{
		New: func(id tree.ID) *tree.Scalar { return &tree.Scalar{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Scalar) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			q.String(b.Anchor, a.Anchor)
			q.String(b.Tag, a.Tag)
			SendEnum(q, b.Style, a.Style)
			q.String(b.Value, a.Value)
			q.String(b.LineComment, a.LineComment)
		},
		Receive: func(q *ReceiveQueue, b *tree.Scalar) *tree.Scalar {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Anchor = q.String(b.Anchor)
			n.Tag = q.String(b.Tag)
			n.Style = ReceiveEnum(q, b.Style)
			n.Value = q.String(b.Value)
			n.LineComment = q.String(b.LineComment)
			return &n
		},
	})

	// Identifier: prefix, markers, name
	MustRegister(r, tree.KindIdentifier, Codec[*tree.Identifier]{
		New: func(id tree.ID) *tree.Identifier { return &tree.Identifier{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Identifier) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			q.String(b.Name, a.Name)
		},
		Receive: func(q *ReceiveQueue, b *tree.Identifier) *tree.Identifier {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Name = q.String(b.Name)
			return &n
		},
	})

	// Comment: prefix, markers, text
	MustRegister(r, tree.KindComment, Codec[*tree.Comment]{
		New: func(id tree.ID) *tree.Comment { return &tree.Comment{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Comment) {
			q.String(b.Prefix, a.Prefix)
			SendNode(q, b.Markers, a.Markers)
			q.String(b.Text, a.Text)
		},
		Receive: func(q *ReceiveQueue, b *tree.Comment) *tree.Comment {
			n := *b
			n.Prefix = q.String(b.Prefix)
			n.Markers = ReceiveNode(q, b.Markers)
			n.Text = q.String(b.Text)
			return &n
		},
	})

	// Markers: entries
	MustRegister(r, tree.KindMarkers, Codec[*tree.Markers]{
		New: func(id tree.ID) *tree.Markers { return &tree.Markers{ID: id} },
		Send: func(q *SendQueue, b, a *tree.Markers) {
			SendList(q, b.Entries, a.Entries)
		},
		Receive: func(q *ReceiveQueue, b *tree.Markers) *tree.Markers {
			n := *b
			n.Entries = ReceiveList(q, b.Entries)
			return &n
		},
	})
}

// RegisterMarkerKinds registers the "marker" family.
func RegisterMarkerKinds(r *Registry) {
	MustRegister(r, tree.KindSearchResult, Codec[*tree.SearchResult]{
		New: func(id tree.ID) *tree.SearchResult { return &tree.SearchResult{ID: id} },
		Send: func(q *SendQueue, b, a *tree.SearchResult) {
			q.String(b.Description, a.Description)
		},
		Receive: func(q *ReceiveQueue, b *tree.SearchResult) *tree.SearchResult {
			n := *b
			n.Description = q.String(b.Description)
			return &n
		},
	})

	// RawMarker payloads are opaque and always travel as a single blob.
	MustRegister(r, tree.KindRawMarker, Codec[*tree.RawMarker]{
		New: func(id tree.ID) *tree.RawMarker { return &tree.RawMarker{ID: id} },
		Send: func(q *SendQueue, b, a *tree.RawMarker) {
			q.String(b.Type, a.Type)
			q.Bytes(b.Data, a.Data)
		},
		Receive: func(q *ReceiveQueue, b *tree.RawMarker) *tree.RawMarker {
			n := *b
			n.Type = q.String(b.Type)
			n.Data = q.Bytes(b.Data)
			return &n
		},
	})
}
