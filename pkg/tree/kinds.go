package tree

// Documents is the root of a parsed source file. It holds one or more documents
// separated by "---".
type Documents struct {
	ID         ID          `json:"id"`
	Markers    *Markers    `json:"markers,omitempty"`
	SourcePath string      `json:"source_path"`         // Path relative to the project root
	BOM        bool        `json:"bom,omitempty"`       // Source began with a byte order mark
	Documents  []*Document `json:"documents"`           // Documents in source order
	Suffix     string      `json:"suffix,omitempty"`    // Trailing whitespace after the last document
}

// Document is a single document within a source file.
type Document struct {
	ID       ID         `json:"id"`
	Prefix   string     `json:"prefix,omitempty"`
	Markers  *Markers   `json:"markers,omitempty"`
	Explicit bool       `json:"explicit,omitempty"` // Document started with an explicit "---"
	Block    Node       `json:"block,omitempty"`    // Mapping, Sequence or Scalar
	Comments []*Comment `json:"comments,omitempty"` // Comments after the block
	End      string     `json:"end,omitempty"`      // "..." terminator, if present
}

// Mapping is an ordered set of key/value entries, either block or flow style.
type Mapping struct {
	ID         ID       `json:"id"`
	Prefix     string   `json:"prefix,omitempty"`
	Markers    *Markers `json:"markers,omitempty"`
	Anchor     string   `json:"anchor,omitempty"`
	OpenBrace  string   `json:"open_brace,omitempty"` // "{" for flow mappings, empty for block
	Entries    []*Entry `json:"entries"`
	CloseBrace string   `json:"close_brace,omitempty"`
}

// Entry is one key/value pair of a Mapping.
type Entry struct {
	ID          ID         `json:"id"`
	Prefix      string     `json:"prefix,omitempty"`
	Markers     *Markers   `json:"markers,omitempty"`
	Comments    []*Comment `json:"comments,omitempty"` // Head comments above the entry
	Key         Node       `json:"key"`                // Identifier or Scalar
	BeforeColon string     `json:"before_colon,omitempty"`
	Value       Node       `json:"value,omitempty"`
}

// Sequence is an ordered list of nodes, either block or flow style.
type Sequence struct {
	ID           ID       `json:"id"`
	Prefix       string   `json:"prefix,omitempty"`
	Markers      *Markers `json:"markers,omitempty"`
	Anchor       string   `json:"anchor,omitempty"`
	OpenBracket  string   `json:"open_bracket,omitempty"` // "[" for flow sequences, empty for block
	Elements     []Node   `json:"elements"`
	CloseBracket string   `json:"close_bracket,omitempty"`
}

// Scalar is a leaf value together with the lexical details needed to print it back.
type Scalar struct {
	ID          ID          `json:"id"`
	Prefix      string      `json:"prefix,omitempty"`
	Markers     *Markers    `json:"markers,omitempty"`
	Anchor      string      `json:"anchor,omitempty"`
	Tag         string      `json:"tag,omitempty"`
	Style       ScalarStyle `json:"style,omitempty"`
	Value       string      `json:"value"`
	LineComment string      `json:"line_comment,omitempty"`
}

// Identifier is a bare identifier literal, used for plain mapping keys.
type Identifier struct {
	ID      ID       `json:"id"`
	Prefix  string   `json:"prefix,omitempty"`
	Markers *Markers `json:"markers,omitempty"`
	Name    string   `json:"name"`
}

// Comment is a comment line without its leading "#".
type Comment struct {
	ID      ID       `json:"id"`
	Prefix  string   `json:"prefix,omitempty"`
	Markers *Markers `json:"markers,omitempty"`
	Text    string   `json:"text"`
}

// Markers is the side table attached to a node.
type Markers struct {
	ID      ID       `json:"id"`
	Entries []Marker `json:"entries"`
}

// SearchResult marks a node matched by a search.
type SearchResult struct {
	ID          ID     `json:"id"`
	Description string `json:"description,omitempty"`
}

// RawMarker carries an opaque payload that sapling passes through untouched.
type RawMarker struct {
	ID   ID     `json:"id"`
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

func (n *Documents) Identity() ID    { return n.ID }
func (n *Document) Identity() ID     { return n.ID }
func (n *Mapping) Identity() ID      { return n.ID }
func (n *Entry) Identity() ID        { return n.ID }
func (n *Sequence) Identity() ID     { return n.ID }
func (n *Scalar) Identity() ID       { return n.ID }
func (n *Identifier) Identity() ID   { return n.ID }
func (n *Comment) Identity() ID      { return n.ID }
func (n *Markers) Identity() ID      { return n.ID }
func (n *SearchResult) Identity() ID { return n.ID }
func (n *RawMarker) Identity() ID    { return n.ID }

func (*Documents) Kind() Kind    { return KindDocuments }
func (*Document) Kind() Kind     { return KindDocument }
func (*Mapping) Kind() Kind      { return KindMapping }
func (*Entry) Kind() Kind        { return KindEntry }
func (*Sequence) Kind() Kind     { return KindSequence }
func (*Scalar) Kind() Kind       { return KindScalar }
func (*Identifier) Kind() Kind   { return KindIdentifier }
func (*Comment) Kind() Kind      { return KindComment }
func (*Markers) Kind() Kind      { return KindMarkers }
func (*SearchResult) Kind() Kind { return KindSearchResult }
func (*RawMarker) Kind() Kind    { return KindRawMarker }

func (*SearchResult) marker() {}
func (*RawMarker) marker()    {}

// Copy-on-write helpers. Each returns a new value with the same ID.

// WithValue returns a copy of s with a new value.
func (s *Scalar) WithValue(value string) *Scalar {
	c := *s
	c.Value = value
	return &c
}

// WithPrefix returns a copy of s with new leading whitespace.
func (s *Scalar) WithPrefix(prefix string) *Scalar {
	c := *s
	c.Prefix = prefix
	return &c
}

// WithMarkers returns a copy of s with a new side table.
func (s *Scalar) WithMarkers(m *Markers) *Scalar {
	c := *s
	c.Markers = m
	return &c
}

// WithName returns a copy of i with a new name.
func (i *Identifier) WithName(name string) *Identifier {
	c := *i
	c.Name = name
	return &c
}

// WithValue returns a copy of e with a new value node.
func (e *Entry) WithValue(value Node) *Entry {
	c := *e
	c.Value = value
	return &c
}

// WithEntries returns a copy of m with new entries.
func (m *Mapping) WithEntries(entries []*Entry) *Mapping {
	c := *m
	c.Entries = entries
	return &c
}

// WithElements returns a copy of s with new elements.
func (s *Sequence) WithElements(elements []Node) *Sequence {
	c := *s
	c.Elements = elements
	return &c
}

// WithBlock returns a copy of d with a new top-level block.
func (d *Document) WithBlock(block Node) *Document {
	c := *d
	c.Block = block
	return &c
}

// WithDocuments returns a copy of d with new documents.
func (d *Documents) WithDocuments(docs []*Document) *Documents {
	c := *d
	c.Documents = docs
	return &c
}

// WithEntries returns a copy of m with new marker entries.
func (m *Markers) WithEntries(entries []Marker) *Markers {
	c := *m
	c.Entries = entries
	return &c
}
