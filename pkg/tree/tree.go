package tree

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a node for its whole lifetime, across every copy-on-write edit.
type ID string

// NewID returns a fresh random identity.
func NewID() ID {
	return ID(uuid.NewString())
}

// DerivedID returns a name-based identity (UUID v5) scoped by namespace.
// Parsing the same source twice yields the same ids for nodes at the same path,
// which keeps unchanged subtrees cacheable across re-parses.
func DerivedID(namespace ID, path string) ID {
	ns, err := uuid.Parse(string(namespace))
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace))
	}
	return ID(uuid.NewSHA1(ns, []byte(path)).String())
}

// Short returns an abbreviated form of the id for logs and CLI output.
func (id ID) Short() string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Kind discriminates a node's field layout. Kinds are written "family.Name".
type Kind string

// Family returns the family part of the kind ("data" for "data.Scalar").
func (k Kind) Family() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k)[:i]
	}
	return string(k)
}

// Node is implemented by every kind in the tree.
type Node interface {
	Identity() ID
	Kind() Kind
}

// Marker is a side-table entry attached to a node through Markers.
type Marker interface {
	Node
	marker()
}

// Family names.
const (
	FamilyData   = "data"
	FamilyMarker = "marker"
)

// Data family kinds.
const (
	KindDocuments  Kind = "data.Documents"
	KindDocument   Kind = "data.Document"
	KindMapping    Kind = "data.Mapping"
	KindEntry      Kind = "data.Entry"
	KindSequence   Kind = "data.Sequence"
	KindScalar     Kind = "data.Scalar"
	KindIdentifier Kind = "data.Identifier"
	KindComment    Kind = "data.Comment"
	KindMarkers    Kind = "data.Markers"
)

// Marker family kinds.
const (
	KindSearchResult Kind = "marker.SearchResult"
	KindRawMarker    Kind = "marker.RawMarker"
)

// ScalarStyle records how a scalar was written in source.
type ScalarStyle string

const (
	// StylePlain is an unquoted scalar
	StylePlain ScalarStyle = "plain"

	// StyleDoubleQuoted is a "double quoted" scalar
	StyleDoubleQuoted ScalarStyle = "double_quoted"

	// StyleSingleQuoted is a 'single quoted' scalar
	StyleSingleQuoted ScalarStyle = "single_quoted"

	// StyleLiteral is a | block scalar
	StyleLiteral ScalarStyle = "literal"

	// StyleFolded is a > block scalar
	StyleFolded ScalarStyle = "folded"
)

// Validate checks that the style is one of the known values. The empty style is
// treated as plain.
func (s ScalarStyle) Validate() error {
	switch s {
	case "", StylePlain, StyleDoubleQuoted, StyleSingleQuoted, StyleLiteral, StyleFolded:
		return nil
	default:
		return fmt.Errorf("unknown scalar style: %q", string(s))
	}
}

func (s ScalarStyle) String() string {
	if s == "" {
		return string(StylePlain)
	}
	return string(s)
}
