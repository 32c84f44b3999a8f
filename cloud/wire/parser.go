package wire

import (
	"errors"
	"fmt"
)

// Parser turns an append-only byte stream into messages. Partial frames are
// buffered until the rest arrives, so chunk boundaries do not matter.
//
// Thread-safety: NOT thread-safe. Owned by one connection reader.
type Parser struct {
	raw       []byte
	completed []Message
}

// Parse appends chunk and decodes every complete frame now available.
// A protocol violation poisons the stream; the caller should drop the
// connection.
func (p *Parser) Parse(chunk []byte) error {
	p.raw = append(p.raw, chunk...)
	for len(p.raw) >= HeaderSize {
		msg, err := Decode(p.raw)
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse: %w", err)
		}
		if msg.Payload != nil {
			msg.Payload = append([]byte(nil), msg.Payload...)
		}
		p.completed = append(p.completed, msg)
		p.raw = p.raw[msg.TotalLength():]
	}
	if len(p.raw) == 0 {
		p.raw = nil
	}
	return nil
}

// Empty reports whether no complete message is waiting.
func (p *Parser) Empty() bool { return len(p.completed) == 0 }

// Len returns the number of complete messages waiting.
func (p *Parser) Len() int { return len(p.completed) }

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int { return len(p.raw) }

// Front returns the oldest complete message. Panics if Empty.
func (p *Parser) Front() Message {
	if len(p.completed) == 0 {
		panic("Front: parser has no complete message")
	}
	return p.completed[0]
}

// Pop discards the oldest complete message. Panics if Empty.
func (p *Parser) Pop() {
	if len(p.completed) == 0 {
		panic("Pop: parser has no complete message")
	}
	p.completed[0] = Message{}
	p.completed = p.completed[1:]
}
