package wire

import "fmt"

// Type identifies the kind of a datagram.
type Type uint8

const (
	TypeInit Type = iota + 1
	TypeSnapshot
	TypeEvent
	TypeAck
	TypeHeartbeat // reserved, never emitted
)

const (
	HeaderSize = 11
	MaxPayload = 1200

	// EntitySize is the encoded width of one snapshot record.
	EntitySize = 12
	// MaxEntities is how many records fit in a single snapshot datagram.
	MaxEntities = (MaxPayload - 2) / EntitySize

	ackPayloadSize = 5
)

func (t Type) Valid() bool {
	return t >= TypeInit && t <= TypeHeartbeat
}

func (t Type) String() string {
	switch t {
	case TypeInit:
		return "init"
	case TypeSnapshot:
		return "snapshot"
	case TypeEvent:
		return "event"
	case TypeAck:
		return "ack"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Entity is one (entity_id, x, y) record of a snapshot.
type Entity struct {
	ID uint32
	X  float32
	Y  float32
}

// Message is a decoded datagram. Only the fields belonging to Type are
// meaningful; the others stay zero.
type Message struct {
	Type     Type
	SenderID uint32 // client id; 0 before assignment
	Seq      uint32 // snapshot id, event seq or echoed seq depending on Type

	Entities []Entity // SNAPSHOT
	Payload  []byte   // EVENT action, INIT name, HEARTBEAT

	AckedType Type   // ACK
	AckedSeq  uint32 // ACK
}

// NewAck builds the acknowledgement of m addressed to clientID.
func NewAck(clientID uint32, m Message) Message {
	return Message{
		Type:      TypeAck,
		SenderID:  clientID,
		Seq:       m.Seq,
		AckedType: m.Type,
		AckedSeq:  m.Seq,
	}
}

// Acks reports whether m is an ACK for a message of type t with sequence seq.
func (m Message) Acks(t Type, seq uint32) bool {
	return m.Type == TypeAck && m.AckedType == t && m.AckedSeq == seq
}
