// Package protocol implements the framing used between relay and its
// clients.
//
// The protocol is deliberately tiny. A connection carries a sequence of
// frames, back to back, in both directions:
//
//	frame := uvarint(N) body[N]
//
// - `uvarint` is an unsigned LEB128 integer: 7 data bits per byte, least
//   significant group first, the high bit set on every byte but the last. It
//   is never longer than 10 bytes.
// - `body` is the message encoded with the connection's codec (protobuf by
//   default, see the message package).
//
// There are no other delimiters, no request IDs and no responses. Every frame
// a client sends is rebroadcast, unchanged in meaning, to every connected
// client including the sender.
//
// === Errors
//
// A length prefix that runs past 10 bytes, or claims more than the maximum
// frame size, is a framing error. A body the codec can't decode is a decode
// error. In both cases the stream can't be resynchronised so the server drops
// the connection.
//
// === Example
//
// A message with the text "hi" is encoded by the protobuf codec as the 4 bytes
// `12 02 68 69`, so on the wire it is:
//
//	04 12 02 68 69
package protocol
