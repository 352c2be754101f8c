// Package wire defines the datagram format shared by the tickcast server and
// client. Every datagram carries a fixed 11 byte header followed by a
// type-specific payload:
//
//	type:u8 sender_id:u32 sequence_field:u32 payload_len:u16 payload...
//
// All integers are big endian. The meaning of sequence_field depends on the
// message type: snapshot id for SNAPSHOT, client chosen seq for EVENT and the
// echoed sequence of the acknowledged message for ACK.
//
// Typical usage:
//
//	b, err := wire.Encode(wire.Message{Type: wire.TypeEvent, SenderID: id, Seq: 5, Payload: p})
//	m, err := wire.Decode(b)
//
// The codec is pure and does no I/O. Decode errors are never fatal: callers
// drop the datagram and keep reading.
package wire
