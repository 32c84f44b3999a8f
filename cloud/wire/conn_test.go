package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_SendAndReceive_OverPipe(t *testing.T) {
	// GIVEN two ends of an in-memory connection
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender := NewConn(a, 7)
	receiver := NewConn(b, 0)
	go sender.WriteLoop(ctx)

	got := make(chan Message, 4)
	go receiver.ReadLoop(ctx, func(m Message) { got <- m })

	// WHEN the sender queues two messages and flushes
	require.NoError(t, sender.Send(OpHey, nil))
	require.NoError(t, sender.Send(OpProcessRayBag, []byte("payload")))
	require.NoError(t, sender.CloseAfterFlush())

	// THEN both arrive in order with increasing sequence numbers
	first := <-got
	second := <-got
	assert.Equal(t, OpHey, first.OpCode)
	assert.Equal(t, uint64(7), first.SenderID)
	assert.Equal(t, uint64(0), first.SequenceNumber)
	assert.Equal(t, OpProcessRayBag, second.OpCode)
	assert.Equal(t, uint64(1), second.SequenceNumber)
	assert.Equal(t, []byte("payload"), second.Payload)
}

func TestConn_SendAfterClose_ReturnsErrClosed(t *testing.T) {
	a, _ := net.Pipe()
	c := NewConn(a, 1)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(OpPing, nil), ErrClosed)
}
