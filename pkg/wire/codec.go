package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var be = binary.BigEndian

var (
	ErrTruncated       = errors.New("wire: truncated datagram")
	ErrUnknownType     = errors.New("wire: unknown message type")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// DecodeError describes a datagram Decode refused. It unwraps to ErrTruncated
// or ErrUnknownType.
type DecodeError struct {
	Err  error
	Type uint8
	Have int // bytes present
	Want int // bytes required
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrUnknownType) {
		return fmt.Sprintf("%v: %d", e.Err, e.Type)
	}
	return fmt.Sprintf("%v: have %d bytes, want %d", e.Err, e.Have, e.Want)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serialises m into a freshly allocated datagram.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("encode %v: %w", m.Type, ErrUnknownType)
	}
	n := payloadLen(m)
	if n > MaxPayload {
		return nil, fmt.Errorf("encode %v: %d bytes: %w", m.Type, n, ErrPayloadTooLarge)
	}

	buf := make([]byte, HeaderSize+n)
	buf[0] = byte(m.Type)
	be.PutUint32(buf[1:5], m.SenderID)
	be.PutUint32(buf[5:9], m.Seq)
	be.PutUint16(buf[9:11], uint16(n))

	body := buf[HeaderSize:]
	switch m.Type {
	case TypeSnapshot:
		be.PutUint16(body[0:2], uint16(len(m.Entities)))
		off := 2
		for _, e := range m.Entities {
			be.PutUint32(body[off:], e.ID)
			be.PutUint32(body[off+4:], math.Float32bits(e.X))
			be.PutUint32(body[off+8:], math.Float32bits(e.Y))
			off += EntitySize
		}
	case TypeAck:
		body[0] = byte(m.AckedType)
		be.PutUint32(body[1:5], m.AckedSeq)
	default:
		copy(body, m.Payload)
	}
	return buf, nil
}

func payloadLen(m Message) int {
	switch m.Type {
	case TypeSnapshot:
		return 2 + len(m.Entities)*EntitySize
	case TypeAck:
		return ackPayloadSize
	default:
		return len(m.Payload)
	}
}

// Decode parses a datagram. Bytes past the declared payload are ignored.
// Payloads are not validated beyond their framing. Empty entity lists and
// payloads decode as nil.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, &DecodeError{Err: ErrTruncated, Have: len(b), Want: HeaderSize}
	}
	t := Type(b[0])
	if !t.Valid() {
		return Message{}, &DecodeError{Err: ErrUnknownType, Type: b[0]}
	}
	n := int(be.Uint16(b[9:11]))
	if len(b) < HeaderSize+n {
		return Message{}, &DecodeError{Err: ErrTruncated, Type: b[0], Have: len(b), Want: HeaderSize + n}
	}

	m := Message{
		Type:     t,
		SenderID: be.Uint32(b[1:5]),
		Seq:      be.Uint32(b[5:9]),
	}
	body := b[HeaderSize : HeaderSize+n]

	switch t {
	case TypeSnapshot:
		if len(body) < 2 {
			return Message{}, &DecodeError{Err: ErrTruncated, Type: b[0], Have: len(b), Want: HeaderSize + 2}
		}
		count := int(be.Uint16(body[0:2]))
		if want := 2 + count*EntitySize; len(body) < want {
			return Message{}, &DecodeError{Err: ErrTruncated, Type: b[0], Have: len(b), Want: HeaderSize + want}
		}
		if count > 0 {
			m.Entities = make([]Entity, count)
		}
		off := 2
		for i := range m.Entities {
			m.Entities[i] = Entity{
				ID: be.Uint32(body[off:]),
				X:  math.Float32frombits(be.Uint32(body[off+4:])),
				Y:  math.Float32frombits(be.Uint32(body[off+8:])),
			}
			off += EntitySize
		}
	case TypeAck:
		if len(body) < ackPayloadSize {
			return Message{}, &DecodeError{Err: ErrTruncated, Type: b[0], Have: len(b), Want: HeaderSize + ackPayloadSize}
		}
		m.AckedType = Type(body[0])
		m.AckedSeq = be.Uint32(body[1:5])
	default:
		if n > 0 {
			m.Payload = append([]byte(nil), body...)
		}
	}
	return m, nil
}

// Reason is a short metrics label for an error returned by Decode.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	default:
		return "other"
	}
}
