// Package exchange implements the identity-cached tree exchange protocol.
//
// # Overview
//
// One peer holds the authoritative version of a tree; the other converges to an
// identical copy by applying an ordered stream of operations. Both sides walk the
// tree in the same fixed per-kind field order, so ops carry no field names: an
// op's meaning is its position.
//
// Each field produces exactly one op:
//   - unchanged: the field keeps its before value
//   - scalar: the field takes Value
//   - delete: a node or list field becomes nil
//   - add: a child node sent in full (kind tag, id, then its fields)
//   - change: a child node with the same id as before, diffed field by field
//   - ref: a child node whose value the peer already holds under ID
//   - list: an edit of an ordered list of nodes (keep, move, add, remove)
//
// # Identity cache
//
// Each session keeps one Cache per direction. The sender's cache is what it
// believes the peer holds; the receiver's cache is what it last rebuilt. An
// exchange works against a Stage, an overlay that is committed only when the
// whole tree went through, so a failed exchange never leaves partial writes.
// A ref the receiver cannot resolve is fetched from the sender through a
// Fetcher (pull-back) before decoding continues.
//
// # Lists
//
// Elements are matched by id. A matched element at the same position among the
// surviving elements, with the same content, is kept; runs of kept elements
// collapse into one entry. Any other matched element is a move, flagged Changed
// and followed by its change stream when its content differs. A move is never
// split into remove plus add. Unmatched after elements are adds; unmatched
// before elements are removes, listed after the after-order entries in before
// order.
//
// # Usage Example
//
//	reg := exchange.DefaultRegistry()
//	out, in := exchange.NewCache(), exchange.NewCache()
//
//	send := &exchange.State{Registry: reg, Stage: out.Stage()}
//	ops, err := exchange.Encode(ctx, send, nil, doc)
//	if err != nil {
//		return err
//	}
//
//	recv := &exchange.State{Registry: reg, Stage: in.Stage()}
//	got, err := exchange.Decode(ctx, recv, nil, ops)
//	if err != nil {
//		recv.Stage.Discard()
//		return err
//	}
//	recv.Stage.Commit()
//	send.Stage.Commit()
package exchange
