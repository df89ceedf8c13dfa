package wire

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/dyluth/sapling/pkg/exchange"
	"github.com/dyluth/sapling/pkg/tree"
)

// MessageType identifies the purpose of a message on a session channel.
type MessageType string

const (
	// TypeBatch carries a slice of an exchange's operation stream.
	// The first batch of an exchange names the new root and, when the stream is
	// a diff, the id of the cached tree to decode against (Base).
	TypeBatch MessageType = "batch"

	// TypeAck confirms an exchange was decoded and committed.
	TypeAck MessageType = "ack"

	// TypeError reports that an exchange failed on the receiving side.
	TypeError MessageType = "error"

	// TypeGetObject asks the sender for the full value of Root (pull-back).
	TypeGetObject MessageType = "get_object"

	// TypeObject answers a get_object with a self-contained operation stream.
	TypeObject MessageType = "object"

	// TypeRelease drops IDs from both caches.
	TypeRelease MessageType = "release"

	// TypeClose ends the session.
	TypeClose MessageType = "close"
)

// Error codes carried in Message.Code.
const (
	CodeDesync      = "protocol_desync"
	CodeUnknownKind = "unknown_kind"
	CodeCacheMiss   = "cache_miss"
	CodeTransport   = "transport"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// Message is the envelope every channel carries.
type Message struct {
	ID       string        `json:"id"`
	Type     MessageType   `json:"type"`
	Session  string        `json:"session,omitempty"`
	Exchange string        `json:"exchange,omitempty"` // Exchange the message belongs to
	Root     tree.ID       `json:"root,omitempty"`     // Root of a batch, or the id a get_object/object is about
	Kind     tree.Kind     `json:"kind,omitempty"`
	Base     tree.ID       `json:"base,omitempty"` // Receiver's cached tree the batch diffs against
	Ops      []exchange.Op `json:"ops,omitempty"`
	IDs      []tree.ID     `json:"ids,omitempty"` // Released ids
	Final    bool          `json:"final,omitempty"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
}

// NewID returns a lexically sortable message id.
func NewID() string {
	return ulid.Make().String()
}

// New returns a message of type t with a fresh id.
func New(t MessageType) *Message {
	return &Message{ID: NewID(), Type: t}
}

// Validate checks the fields each message type requires.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	switch m.Type {
	case TypeBatch:
		if m.Exchange == "" {
			return fmt.Errorf("batch message requires an exchange id")
		}
	case TypeAck, TypeError:
		if m.Exchange == "" {
			return fmt.Errorf("%s message requires an exchange id", m.Type)
		}
	case TypeGetObject, TypeObject:
		if m.Root == "" {
			return fmt.Errorf("%s message requires a root id", m.Type)
		}
	case TypeRelease:
		if len(m.IDs) == 0 {
			return fmt.Errorf("release message requires ids")
		}
	case TypeClose:
	default:
		return fmt.Errorf("unknown message type: %q", string(m.Type))
	}
	return nil
}

func (m *Message) String() string {
	switch m.Type {
	case TypeBatch:
		return fmt.Sprintf("batch %s (%d ops, final=%t)", m.Exchange, len(m.Ops), m.Final)
	case TypeError:
		return fmt.Sprintf("error %s: %s", m.Exchange, m.Error)
	case TypeGetObject, TypeObject:
		return fmt.Sprintf("%s #%s", m.Type, m.Root.Short())
	default:
		return string(m.Type)
	}
}
