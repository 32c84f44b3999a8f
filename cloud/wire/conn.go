package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treelet-sim/treelet-sim/cloud/internal/retry"
)

// ErrClosed is returned by Send after the connection is closed.
var ErrClosed = errors.New("connection closed")

const (
	readBufferSize      = 64 << 10
	defaultQueueDepth   = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Conn is a framed connection. One goroutine runs ReadLoop, another runs
// WriteLoop, and Send only enqueues, so the goroutine owning application
// state never blocks on socket I/O except when the send queue is full.
type Conn struct {
	nc           net.Conn
	senderID     atomic.Uint64
	seq          atomic.Uint64
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	Policy       retry.Policy
	WriteTimeout time.Duration
}

// NewConn wraps nc. senderID stamps every outgoing header.
func NewConn(nc net.Conn, senderID uint64) *Conn {
	c := &Conn{
		nc:           nc,
		out:          make(chan []byte, defaultQueueDepth),
		done:         make(chan struct{}),
		Policy:       retry.DefaultPolicy,
		WriteTimeout: defaultWriteTimeout,
	}
	c.senderID.Store(senderID)
	return c
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string, senderID uint64) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewConn(nc, senderID), nil
}

// SetSenderID changes the id stamped on later messages. Workers learn their
// id from the coordinator's handshake reply.
func (c *Conn) SetSenderID(id uint64) { c.senderID.Store(id) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Send frames payload with the next sequence number and queues it.
func (c *Conn) Send(op OpCode, payload []byte) error {
	return c.SendMessage(Message{OpCode: op, Payload: payload})
}

// SendMessage stamps m with the sender id and next sequence number and
// queues it.
func (c *Conn) SendMessage(m Message) error {
	m.SenderID = c.senderID.Load()
	m.SequenceNumber = c.seq.Add(1) - 1
	return c.enqueue(m.Encode())
}

func (c *Conn) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// CloseAfterFlush lets WriteLoop finish every queued message, then closes.
func (c *Conn) CloseAfterFlush() error {
	return c.enqueue(nil)
}

// Close tears the connection down immediately.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// ReadLoop decodes incoming frames and hands each to deliver in arrival
// order. It returns nil on a clean EOF or after Close, and the parse or read
// error otherwise.
func (c *Conn) ReadLoop(ctx context.Context, deliver func(Message)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	var parser Parser
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if perr := parser.Parse(buf[:n]); perr != nil {
				c.Close()
				return perr
			}
			for !parser.Empty() {
				deliver(parser.Front())
				parser.Pop()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed() {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", c.RemoteAddr(), err)
		}
	}
}

// WriteLoop drains the send queue until Close, CloseAfterFlush or a
// terminal write failure.
func (c *Conn) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.done:
			return nil
		case b := <-c.out:
			if b == nil {
				return c.Close()
			}
			if err := c.write(ctx, b); err != nil {
				c.Close()
				return err
			}
		}
	}
}

// write sends b, retrying timeouts with backoff and resuming after any
// partial write. Other errors are terminal.
func (c *Conn) write(ctx context.Context, b []byte) error {
	off := 0
	return retry.Do(ctx, c.Policy, "write to "+c.RemoteAddr(), func(attempt int) error {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
			return retry.Permanent(err)
		}
		n, err := c.nc.Write(b[off:])
		off += n
		if err == nil {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logrus.Warnf("write to %s timed out after %d/%d bytes", c.RemoteAddr(), off, len(b))
			return err
		}
		return retry.Permanent(err)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
