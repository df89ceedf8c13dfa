package tree

// Children returns the direct children of n in field order. Nil children are skipped.
func Children(n Node) []Node {
	var out []Node
	add := func(c Node) {
		if c != nil {
			out = append(out, c)
		}
	}
	addMarkers := func(m *Markers) {
		if m != nil {
			out = append(out, m)
		}
	}

	switch v := n.(type) {
	case *Documents:
		addMarkers(v.Markers)
		for _, d := range v.Documents {
			add(d)
		}
	case *Document:
		addMarkers(v.Markers)
		add(v.Block)
		for _, c := range v.Comments {
			add(c)
		}
	case *Mapping:
		addMarkers(v.Markers)
		for _, e := range v.Entries {
			add(e)
		}
	case *Entry:
		addMarkers(v.Markers)
		for _, c := range v.Comments {
			add(c)
		}
		add(v.Key)
		add(v.Value)
	case *Sequence:
		addMarkers(v.Markers)
		for _, e := range v.Elements {
			add(e)
		}
	case *Scalar:
		addMarkers(v.Markers)
	case *Identifier:
		addMarkers(v.Markers)
	case *Comment:
		addMarkers(v.Markers)
	case *Markers:
		for _, m := range v.Entries {
			add(m)
		}
	}
	return out
}

// Walk visits n and its descendants in pre-order. Returning false from fn skips
// the children of the current node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range Children(n) {
		Walk(c, fn)
	}
}

// Count returns the number of nodes reachable from n, including n.
func Count(n Node) int {
	count := 0
	Walk(n, func(Node) bool {
		count++
		return true
	})
	return count
}

// Find returns the first node with the given id, or nil.
func Find(n Node, id ID) Node {
	var found Node
	Walk(n, func(c Node) bool {
		if found != nil {
			return false
		}
		if c.Identity() == id {
			found = c
			return false
		}
		return true
	})
	return found
}

// Rewrite applies fn bottom-up and rebuilds only the ancestors of nodes that fn
// replaced. Untouched subtrees are shared with the input, so identity comparisons
// against the original stay cheap.
func Rewrite(n Node, fn func(Node) Node) Node {
	if n == nil {
		return nil
	}

	switch v := n.(type) {
	case *Documents:
		markers := rewriteMarkers(v.Markers, fn)
		docs, changed := rewriteSlice(v.Documents, fn)
		if markers != v.Markers || changed {
			c := *v
			c.Markers = markers
			c.Documents = docs
			n = &c
		}
	case *Document:
		markers := rewriteMarkers(v.Markers, fn)
		block := Rewrite(v.Block, fn)
		comments, changed := rewriteSlice(v.Comments, fn)
		if markers != v.Markers || block != v.Block || changed {
			c := *v
			c.Markers = markers
			c.Block = block
			c.Comments = comments
			n = &c
		}
	case *Mapping:
		markers := rewriteMarkers(v.Markers, fn)
		entries, changed := rewriteSlice(v.Entries, fn)
		if markers != v.Markers || changed {
			c := *v
			c.Markers = markers
			c.Entries = entries
			n = &c
		}
	case *Entry:
		markers := rewriteMarkers(v.Markers, fn)
		comments, changed := rewriteSlice(v.Comments, fn)
		key := Rewrite(v.Key, fn)
		value := Rewrite(v.Value, fn)
		if markers != v.Markers || changed || key != v.Key || value != v.Value {
			c := *v
			c.Markers = markers
			c.Comments = comments
			c.Key = key
			c.Value = value
			n = &c
		}
	case *Sequence:
		markers := rewriteMarkers(v.Markers, fn)
		elements, changed := rewriteSlice(v.Elements, fn)
		if markers != v.Markers || changed {
			c := *v
			c.Markers = markers
			c.Elements = elements
			n = &c
		}
	case *Scalar:
		if markers := rewriteMarkers(v.Markers, fn); markers != v.Markers {
			n = v.WithMarkers(markers)
		}
	case *Identifier:
		if markers := rewriteMarkers(v.Markers, fn); markers != v.Markers {
			c := *v
			c.Markers = markers
			n = &c
		}
	case *Comment:
		if markers := rewriteMarkers(v.Markers, fn); markers != v.Markers {
			c := *v
			c.Markers = markers
			n = &c
		}
	case *Markers:
		if entries, changed := rewriteSlice(v.Entries, fn); changed {
			n = v.WithEntries(entries)
		}
	}

	return fn(n)
}

func rewriteMarkers(m *Markers, fn func(Node) Node) *Markers {
	if m == nil {
		return nil
	}
	out, ok := Rewrite(m, fn).(*Markers)
	if !ok {
		return m
	}
	return out
}

// rewriteSlice rewrites each element and reports whether any element changed.
// Elements rewritten to nil, or to a different type, are dropped.
func rewriteSlice[T Node](in []T, fn func(Node) Node) ([]T, bool) {
	if in == nil {
		return nil, false
	}
	out := make([]T, 0, len(in))
	changed := false
	for _, e := range in {
		r := Rewrite(e, fn)
		t, ok := r.(T)
		if !ok {
			changed = true
			continue
		}
		if Node(t) != Node(e) {
			changed = true
		}
		out = append(out, t)
	}
	if !changed {
		return in, false
	}
	return out, true
}
