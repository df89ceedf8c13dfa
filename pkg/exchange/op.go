package exchange

import (
	"fmt"
	"strings"

	"github.com/dyluth/sapling/pkg/tree"
)

// OpCode identifies what an operation says about the field it occupies.
// Streams carry no field names: an op's meaning comes from its position.
type OpCode string

const (
	// OpUnchanged keeps the before value of the field
	OpUnchanged OpCode = "unchanged"

	// OpScalar replaces a scalar field with Value
	OpScalar OpCode = "scalar"

	// OpDelete clears a node or list field
	OpDelete OpCode = "delete"

	// OpAdd introduces a node in full: NodeKind and ID, then the node's fields
	OpAdd OpCode = "add"

	// OpChange diffs a node against the before value with the same ID; its fields follow
	OpChange OpCode = "change"

	// OpRef points at a value the peer already holds under ID
	OpRef OpCode = "ref"

	// OpList restructures an ordered list of nodes; see ListEntry
	OpList OpCode = "list"
)

// Op is the atomic unit of the operation stream.
type Op struct {
	Code     OpCode      `json:"op"`
	NodeKind tree.Kind   `json:"kind,omitempty"`
	ID       tree.ID     `json:"id,omitempty"`
	Value    any         `json:"value,omitempty"`
	List     []ListEntry `json:"list,omitempty"`
}

func (o Op) String() string {
	var b strings.Builder
	b.WriteString(string(o.Code))
	if o.NodeKind != "" {
		fmt.Fprintf(&b, " %s", o.NodeKind)
	}
	if o.ID != "" {
		fmt.Fprintf(&b, " #%s", o.ID.Short())
	}
	if o.Code == OpScalar {
		fmt.Fprintf(&b, " %q", fmt.Sprint(o.Value))
	}
	for _, e := range o.List {
		fmt.Fprintf(&b, " %s", e)
	}
	return b.String()
}

// ListAction is the fate of one list element.
type ListAction string

const (
	// ListKeep leaves an element in place with unchanged content
	ListKeep ListAction = "keep"

	// ListMove relocates an element, or keeps it in place with changed content
	ListMove ListAction = "move"

	// ListAdd inserts an element the before list did not contain
	ListAdd ListAction = "add"

	// ListRemove drops a before element
	ListRemove ListAction = "remove"
)

// ListEntry is one step of a list edit. Entries for the after list come first, in
// after order; removals follow in before order. From is the before index (-1 for
// adds) and To the after index (-1 for removals). A keep entry covers Run
// consecutive unchanged elements starting at From/To.
type ListEntry struct {
	Action  ListAction `json:"action"`
	ID      tree.ID    `json:"id"`
	From    int        `json:"from"`
	To      int        `json:"to"`
	Run     int        `json:"run,omitempty"`
	Changed bool       `json:"changed,omitempty"`
}

func (e ListEntry) String() string {
	switch e.Action {
	case ListKeep:
		if e.Run > 1 {
			return fmt.Sprintf("keep(#%s x%d)", e.ID.Short(), e.Run)
		}
		return fmt.Sprintf("keep(#%s)", e.ID.Short())
	case ListMove:
		if e.Changed {
			return fmt.Sprintf("move*(#%s %d->%d)", e.ID.Short(), e.From, e.To)
		}
		return fmt.Sprintf("move(#%s %d->%d)", e.ID.Short(), e.From, e.To)
	case ListAdd:
		return fmt.Sprintf("add(#%s @%d)", e.ID.Short(), e.To)
	case ListRemove:
		return fmt.Sprintf("remove(#%s)", e.ID.Short())
	default:
		return string(e.Action)
	}
}

// span returns the number of elements a keep entry covers.
func (e ListEntry) span() int {
	if e.Action == ListKeep && e.Run > 1 {
		return e.Run
	}
	return 1
}

// Stats summarizes an operation stream.
type Stats struct {
	Ops     int
	ByCode  map[OpCode]int
	Entries map[ListAction]int
}

// Summarize counts the operations and list entries in ops.
func Summarize(ops []Op) Stats {
	s := Stats{
		Ops:     len(ops),
		ByCode:  make(map[OpCode]int),
		Entries: make(map[ListAction]int),
	}
	for _, op := range ops {
		s.ByCode[op.Code]++
		for _, e := range op.List {
			s.Entries[e.Action] += e.span()
		}
	}
	return s
}
