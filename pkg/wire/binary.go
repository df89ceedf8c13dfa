package wire

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/tree"
)

// Binary encodes messages in protobuf wire format without generated code.
// Field numbers below are the schema; never renumber them.
type Binary struct{}

// Message fields.
const (
	msgID       protowire.Number = 1
	msgType     protowire.Number = 2
	msgSession  protowire.Number = 3
	msgExchange protowire.Number = 4
	msgRoot     protowire.Number = 5
	msgKind     protowire.Number = 6
	msgBase     protowire.Number = 7
	msgOps      protowire.Number = 8
	msgIDs      protowire.Number = 9
	msgFinal    protowire.Number = 10
	msgError    protowire.Number = 11
	msgCode     protowire.Number = 12
)

// Op fields.
const (
	opCode  protowire.Number = 1
	opKind  protowire.Number = 2
	opID    protowire.Number = 3
	opValue protowire.Number = 4
	opList  protowire.Number = 5
)

// ListEntry fields.
const (
	entryAction  protowire.Number = 1
	entryID      protowire.Number = 2
	entryFrom    protowire.Number = 3
	entryTo      protowire.Number = 4
	entryRun     protowire.Number = 5
	entryChanged protowire.Number = 6
)

// Scalar value fields; exactly one is set.
const (
	valString protowire.Number = 1
	valBool   protowire.Number = 2
	valInt    protowire.Number = 3
	valBytes  protowire.Number = 4
	valFloat  protowire.Number = 5

	// valNilBytes marks a nil blob, which differs from an empty one.
	valNilBytes protowire.Number = 6
)

func (Binary) Name() string { return CodecBinary }

func (Binary) Marshal(m *Message) ([]byte, error) {
	var b []byte
	b = appendString(b, msgID, m.ID)
	b = appendString(b, msgType, string(m.Type))
	b = appendString(b, msgSession, m.Session)
	b = appendString(b, msgExchange, m.Exchange)
	b = appendString(b, msgRoot, string(m.Root))
	b = appendString(b, msgKind, string(m.Kind))
	b = appendString(b, msgBase, string(m.Base))
	for i, op := range m.Ops {
		ob, err := marshalOp(op)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal op %d: %w", i, err)
		}
		b = protowire.AppendTag(b, msgOps, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	for _, id := range m.IDs {
		b = protowire.AppendTag(b, msgIDs, protowire.BytesType)
		b = protowire.AppendString(b, string(id))
	}
	b = appendBool(b, msgFinal, m.Final)
	b = appendString(b, msgError, m.Error)
	b = appendString(b, msgCode, m.Code)
	return b, nil
}

func (Binary) Unmarshal(data []byte, m *Message) error {
	*m = Message{}
	f := fields{b: data}
	for f.next() {
		switch f.num {
		case msgID:
			m.ID = f.str()
		case msgType:
			m.Type = MessageType(f.str())
		case msgSession:
			m.Session = f.str()
		case msgExchange:
			m.Exchange = f.str()
		case msgRoot:
			m.Root = tree.ID(f.str())
		case msgKind:
			m.Kind = tree.Kind(f.str())
		case msgBase:
			m.Base = tree.ID(f.str())
		case msgOps:
			op, err := unmarshalOp(f.bytes())
			if err != nil {
				return fmt.Errorf("failed to unmarshal op %d: %w", len(m.Ops), err)
			}
			m.Ops = append(m.Ops, op)
		case msgIDs:
			m.IDs = append(m.IDs, tree.ID(f.str()))
		case msgFinal:
			m.Final = f.flag()
		case msgError:
			m.Error = f.str()
		case msgCode:
			m.Code = f.str()
		default:
			f.skip()
		}
	}
	if f.err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", f.err)
	}
	return nil
}

func marshalOp(op exchange.Op) ([]byte, error) {
	var b []byte
	b = appendString(b, opCode, string(op.Code))
	b = appendString(b, opKind, string(op.NodeKind))
	b = appendString(b, opID, string(op.ID))
	if op.Value != nil {
		vb, err := marshalValue(op.Value)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, opValue, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	for _, e := range op.List {
		var eb []byte
		eb = appendString(eb, entryAction, string(e.Action))
		eb = appendString(eb, entryID, string(e.ID))
		eb = appendSint(eb, entryFrom, int64(e.From))
		eb = appendSint(eb, entryTo, int64(e.To))
		if e.Run != 0 {
			eb = protowire.AppendTag(eb, entryRun, protowire.VarintType)
			eb = protowire.AppendVarint(eb, uint64(e.Run))
		}
		eb = appendBool(eb, entryChanged, e.Changed)
		b = protowire.AppendTag(b, opList, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b, nil
}

func unmarshalOp(data []byte) (exchange.Op, error) {
	var op exchange.Op
	f := fields{b: data}
	for f.next() {
		switch f.num {
		case opCode:
			op.Code = exchange.OpCode(f.str())
		case opKind:
			op.NodeKind = tree.Kind(f.str())
		case opID:
			op.ID = tree.ID(f.str())
		case opValue:
			v, err := unmarshalValue(f.bytes())
			if err != nil {
				return op, err
			}
			op.Value = v
		case opList:
			e, err := unmarshalEntry(f.bytes())
			if err != nil {
				return op, err
			}
			op.List = append(op.List, e)
		default:
			f.skip()
		}
	}
	return op, f.err
}

func unmarshalEntry(data []byte) (exchange.ListEntry, error) {
	var e exchange.ListEntry
	f := fields{b: data}
	for f.next() {
		switch f.num {
		case entryAction:
			e.Action = exchange.ListAction(f.str())
		case entryID:
			e.ID = tree.ID(f.str())
		case entryFrom:
			e.From = int(f.sint())
		case entryTo:
			e.To = int(f.sint())
		case entryRun:
			e.Run = int(f.varint())
		case entryChanged:
			e.Changed = f.flag()
		default:
			f.skip()
		}
	}
	return e, f.err
}

func marshalValue(v any) ([]byte, error) {
	var b []byte
	switch t := v.(type) {
	case string:
		b = protowire.AppendTag(b, valString, protowire.BytesType)
		b = protowire.AppendString(b, t)
	case bool:
		b = protowire.AppendTag(b, valBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(t))
	case int:
		b = appendSint(b, valInt, int64(t))
	case int32:
		b = appendSint(b, valInt, int64(t))
	case int64:
		b = appendSint(b, valInt, t)
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", t)
		}
		b = appendSint(b, valInt, int64(t))
	case float64:
		b = protowire.AppendTag(b, valFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(t))
	case []byte:
		if t == nil {
			b = appendBool(b, valNilBytes, true)
			break
		}
		b = protowire.AppendTag(b, valBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return marshalValue(i)
		}
		if fl, err := t.Float64(); err == nil {
			return marshalValue(fl)
		}
		return marshalValue(t.String())
	default:
		return nil, fmt.Errorf("unsupported scalar type %T", v)
	}
	return b, nil
}

func unmarshalValue(data []byte) (any, error) {
	var v any
	f := fields{b: data}
	for f.next() {
		switch f.num {
		case valString:
			v = f.str()
		case valBool:
			v = f.flag()
		case valInt:
			v = f.sint()
		case valBytes:
			v = append([]byte{}, f.bytes()...)
		case valNilBytes:
			if f.flag() {
				v = []byte(nil)
			}
		case valFloat:
			v = math.Float64frombits(f.fixed64())
		default:
			f.skip()
		}
	}
	return v, f.err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// fields iterates the fields of one encoded message. Errors are sticky.
type fields struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (f *fields) next() bool {
	if f.err != nil || len(f.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(f.b)
	if n < 0 {
		f.err = protowire.ParseError(n)
		return false
	}
	f.b = f.b[n:]
	f.num, f.typ = num, typ
	return true
}

func (f *fields) want(typ protowire.Type) bool {
	if f.err != nil {
		return false
	}
	if f.typ != typ {
		f.err = fmt.Errorf("field %d has wire type %d, expected %d", f.num, f.typ, typ)
		return false
	}
	return true
}

func (f *fields) consumed(n int) bool {
	if n < 0 {
		f.err = protowire.ParseError(n)
		return false
	}
	f.b = f.b[n:]
	return true
}

func (f *fields) bytes() []byte {
	if !f.want(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(f.b)
	if !f.consumed(n) {
		return nil
	}
	return v
}

func (f *fields) str() string {
	return string(f.bytes())
}

func (f *fields) varint() uint64 {
	if !f.want(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(f.b)
	if !f.consumed(n) {
		return 0
	}
	return v
}

func (f *fields) sint() int64 {
	return protowire.DecodeZigZag(f.varint())
}

func (f *fields) flag() bool {
	return f.varint() != 0
}

func (f *fields) fixed64() uint64 {
	if !f.want(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(f.b)
	if !f.consumed(n) {
		return 0
	}
	return v
}

func (f *fields) skip() {
	n := protowire.ConsumeFieldValue(f.num, f.typ, f.b)
	f.consumed(n)
}
