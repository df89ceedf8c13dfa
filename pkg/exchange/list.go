package exchange

import (
	"fmt"

	"github.com/dyluth/sapling/pkg/tree"
)

// SendList emits an ordered list-of-nodes field.
//
// An identical list is a single unchanged op. Otherwise one list op carries the
// edit plan (see planList) and is followed, in plan order, by the node streams of
// added elements and of moved elements whose content changed.
func SendList[T nodeType](q *SendQueue, before, after []T) {
	if q.err != nil {
		return
	}
	if after == nil {
		if before == nil {
			q.put(Op{Code: OpUnchanged})
		} else {
			q.put(Op{Code: OpDelete})
		}
		return
	}
	if before != nil && sameElements(before, after) {
		q.put(Op{Code: OpUnchanged})
		return
	}

	plan, err := planList(before, after)
	if err != nil {
		q.fail(err)
		return
	}
	q.put(Op{Code: OpList, List: plan})

	for _, e := range plan {
		switch e.Action {
		case ListAdd:
			q.node(nil, after[e.To])
		case ListMove:
			if e.Changed {
				q.node(before[e.From], after[e.To])
			}
		}
	}
}

func sameElements[T nodeType](before, after []T) bool {
	if len(before) != len(after) {
		return false
	}
	for i := range before {
		if before[i] != after[i] {
			return false
		}
	}
	return true
}

// planList computes the list edit from before to after.
//
// Elements are matched by id, first unmatched occurrence first, so duplicated ids
// pair up in order. Among matched elements ("survivors") an element keeps its
// place when it sits at the same index in the before survivors as in the after
// survivors; inserting or removing other elements therefore never turns a keep into
// a move. A matched element that changed position or content is a single move
// (flagged Changed when content differs), never a remove plus an add. Runs of
// consecutive keeps collapse into one entry. Removals follow in before order.
func planList[T nodeType](before, after []T) ([]ListEntry, error) {
	pending := make(map[tree.ID][]int, len(before))
	for i, b := range before {
		if nodeOrNil(b) == nil {
			return nil, fmt.Errorf("nil element at index %d of before list", i)
		}
		id := b.Identity()
		pending[id] = append(pending[id], i)
	}

	matched := make([]int, len(after))
	used := make([]bool, len(before))
	for j, a := range after {
		if nodeOrNil(a) == nil {
			return nil, fmt.Errorf("nil element at index %d of list", j)
		}
		id := a.Identity()
		if idx := pending[id]; len(idx) > 0 {
			matched[j] = idx[0]
			pending[id] = idx[1:]
			used[idx[0]] = true
		} else {
			matched[j] = -1
		}
	}

	survivors := make([]int, 0, len(before))
	for i := range before {
		if used[i] {
			survivors = append(survivors, i)
		}
	}

	plan := make([]ListEntry, 0, len(after))
	k := 0
	for j, a := range after {
		from := matched[j]
		if from < 0 {
			plan = append(plan, ListEntry{Action: ListAdd, ID: a.Identity(), From: -1, To: j})
			continue
		}
		samePos := survivors[k] == from
		k++
		changed := before[from] != a
		if samePos && !changed {
			if n := len(plan); n > 0 {
				last := &plan[n-1]
				if last.Action == ListKeep && last.From+last.span() == from && last.To+last.span() == j {
					last.Run = last.span() + 1
					continue
				}
			}
			plan = append(plan, ListEntry{Action: ListKeep, ID: a.Identity(), From: from, To: j})
			continue
		}
		plan = append(plan, ListEntry{Action: ListMove, ID: a.Identity(), From: from, To: j, Changed: changed})
	}

	for i, b := range before {
		if !used[i] {
			plan = append(plan, ListEntry{Action: ListRemove, ID: b.Identity(), From: i, To: -1})
		}
	}
	return plan, nil
}

// ReceiveList consumes a list-of-nodes field and returns the rebuilt list.
// Every before element must be accounted for exactly once by a keep, move or
// remove entry; anything else is a desync.
func ReceiveList[T nodeType](q *ReceiveQueue, before []T) []T {
	op, ok := q.next()
	if !ok {
		return before
	}
	switch op.Code {
	case OpUnchanged:
		return before
	case OpDelete:
		return nil
	case OpList:
	default:
		q.desync("list", op.Code, "")
		return before
	}

	size := 0
	for _, e := range op.List {
		if e.Action != ListRemove {
			size += e.span()
		}
	}
	out := make([]T, 0, size)
	used := make([]bool, len(before))

	claim := func(e ListEntry, from int) bool {
		if from < 0 || from >= len(before) || used[from] {
			q.desync("list element", op.Code, fmt.Sprintf("%s refers to before index %d", e.Action, from))
			return false
		}
		used[from] = true
		return true
	}

	for _, e := range op.List {
		if q.err != nil {
			return before
		}
		if e.Action != ListRemove && e.To != len(out) {
			q.desync("list element", op.Code, fmt.Sprintf("%s targets index %d, next is %d", e.Action, e.To, len(out)))
			return before
		}

		switch e.Action {
		case ListKeep:
			for i := 0; i < e.span(); i++ {
				if !claim(e, e.From+i) {
					return before
				}
				out = append(out, before[e.From+i])
			}
			if len(out) > 0 && out[len(out)-e.span()].Identity() != e.ID {
				q.desync("list element", op.Code, fmt.Sprintf("keep of #%s found #%s", e.ID, out[len(out)-e.span()].Identity()))
				return before
			}
		case ListMove:
			if !claim(e, e.From) {
				return before
			}
			elem := before[e.From]
			if elem.Identity() != e.ID {
				q.desync("list element", op.Code, fmt.Sprintf("move of #%s found #%s", e.ID, elem.Identity()))
				return before
			}
			if e.Changed {
				elem = ReceiveNode(q, elem)
			}
			out = append(out, elem)
		case ListAdd:
			var zero T
			elem := ReceiveNode(q, zero)
			if q.err != nil {
				return before
			}
			if nodeOrNil(elem) == nil || elem.Identity() != e.ID {
				q.desync("list element", op.Code, fmt.Sprintf("add of #%s decoded a different node", e.ID))
				return before
			}
			out = append(out, elem)
		case ListRemove:
			if !claim(e, e.From) {
				return before
			}
			if before[e.From].Identity() != e.ID {
				q.desync("list element", op.Code, fmt.Sprintf("remove of #%s found #%s", e.ID, before[e.From].Identity()))
				return before
			}
		default:
			q.desync("list element", op.Code, fmt.Sprintf("unknown action %q", e.Action))
			return before
		}
	}

	for i, u := range used {
		if !u {
			q.desync("list element", op.Code, fmt.Sprintf("before index %d was neither kept nor removed", i))
			return before
		}
	}
	return out
}
