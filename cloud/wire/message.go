// Package wire frames messages between the coordinator and workers.
//
// Every message is a fixed 25-byte big-endian header followed by the payload:
//
//	offset size field
//	0      2    attempt
//	2      1    tracked flag
//	3      1    reliable flag
//	4      8    sender id
//	12     8    sequence number
//	20     4    payload length
//	24     1    opcode
//
// The payload is opaque here; the application interprets it per opcode.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the length of the fixed header preceding every payload.
const HeaderSize = 25

// MaxPayloadSize rejects frames whose length field is implausible for any
// message this system sends.
const MaxPayloadSize = 256 << 20

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame. It is
	// a signal to wait for more bytes, not a decode failure.
	ErrIncomplete = errors.New("incomplete message")

	// ErrUnknownOpCode is a protocol violation: the opcode is outside the
	// closed set this build understands.
	ErrUnknownOpCode = errors.New("unknown opcode")

	// ErrPayloadTooLarge is a protocol violation: the length field exceeds
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// OpCode selects how the payload is interpreted.
type OpCode uint8

const (
	OpHey            OpCode = iota // handshake; coordinator replies with the worker id
	OpPing                         // liveness probe
	OpPong                         // reply to OpPing
	OpGetObjects                   // coordinator assigns treelets and scene objects
	OpGenerateRays                 // coordinator hands a worker a camera tile
	OpProcessRayBag                // payload is a list of ray bags
	OpRayBagEnqueued               // worker produced a bag for another treelet
	OpRayBagDequeued               // worker consumed a bag
	OpFinishedRays                 // payload is a list of samples
	OpWorkerStats                  // periodic counters
	OpFinishUp                     // coordinator asks the worker to flush and stop
	OpBye                          // final message on a connection

	opCodeCount
)

var opCodeNames = [...]string{
	OpHey:            "Hey",
	OpPing:           "Ping",
	OpPong:           "Pong",
	OpGetObjects:     "GetObjects",
	OpGenerateRays:   "GenerateRays",
	OpProcessRayBag:  "ProcessRayBag",
	OpRayBagEnqueued: "RayBagEnqueued",
	OpRayBagDequeued: "RayBagDequeued",
	OpFinishedRays:   "FinishedRays",
	OpWorkerStats:    "WorkerStats",
	OpFinishUp:       "FinishUp",
	OpBye:            "Bye",
}

// Valid reports whether o is a known opcode.
func (o OpCode) Valid() bool { return o < opCodeCount }

func (o OpCode) String() string {
	if o.Valid() {
		return opCodeNames[o]
	}
	return fmt.Sprintf("OpCode(%d)", uint8(o))
}

// Message is one framed unit.
type Message struct {
	Attempt        uint16
	Tracked        bool
	Reliable       bool
	SenderID       uint64
	SequenceNumber uint64
	OpCode         OpCode
	Payload        []byte
}

// NewMessage returns an untracked, unreliable message.
func NewMessage(sender uint64, op OpCode, payload []byte) Message {
	return Message{SenderID: sender, OpCode: op, Payload: payload}
}

// TotalLength returns the framed length of m.
func (m Message) TotalLength() int { return HeaderSize + len(m.Payload) }

// AppendEncoded appends the framed bytes of m to dst.
func (m Message) AppendEncoded(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, m.Attempt)
	dst = append(dst, boolByte(m.Tracked), boolByte(m.Reliable))
	dst = binary.BigEndian.AppendUint64(dst, m.SenderID)
	dst = binary.BigEndian.AppendUint64(dst, m.SequenceNumber)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Payload)))
	dst = append(dst, byte(m.OpCode))
	return append(dst, m.Payload...)
}

// Encode returns the framed bytes of m.
func (m Message) Encode() []byte {
	return m.AppendEncoded(make([]byte, 0, m.TotalLength()))
}

// ExpectedLength returns the total frame length announced by the header at
// the front of buf, or 0 when fewer than HeaderSize bytes are available.
// Length fields too large to frame saturate at math.MaxUint32.
func ExpectedLength(buf []byte) uint32 {
	if len(buf) < HeaderSize {
		return 0
	}
	total := uint64(HeaderSize) + uint64(binary.BigEndian.Uint32(buf[20:24]))
	if total > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(total)
}

// Decode parses the frame at the front of buf. Bytes after the frame are
// ignored. The returned payload aliases buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrIncomplete, HeaderSize, len(buf))
	}
	plen := binary.BigEndian.Uint32(buf[20:24])
	if plen > MaxPayloadSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, plen)
	}
	op := OpCode(buf[24])
	if !op.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownOpCode, buf[24])
	}
	total := HeaderSize + int(plen)
	if len(buf) < total {
		return Message{}, fmt.Errorf("%w: frame needs %d bytes, have %d", ErrIncomplete, total, len(buf))
	}
	var payload []byte
	if plen > 0 {
		payload = buf[HeaderSize:total:total]
	}
	return Message{
		Attempt:        binary.BigEndian.Uint16(buf[0:2]),
		Tracked:        buf[2] != 0,
		Reliable:       buf[3] != 0,
		SenderID:       binary.BigEndian.Uint64(buf[4:12]),
		SequenceNumber: binary.BigEndian.Uint64(buf[12:20]),
		OpCode:         op,
		Payload:        payload,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
