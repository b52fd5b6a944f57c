package transport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

func TestSendQueueFIFO(t *testing.T) {
	q := newSendQueue(4, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		q.enqueue(wire.NewAction("s1", fmt.Sprintf("action-%d", i)))
	}
	assert.Equal(t, 3, q.len())

	drained := q.drain()
	assert.Equal(t, 0, q.len())
	for i, msg := range drained {
		assert.Equal(t, fmt.Sprintf("action-%d", i), msg.ActionText())
	}
}

func TestSendQueueDropsWhenFull(t *testing.T) {
	q := newSendQueue(2, zaptest.NewLogger(t))

	q.enqueue(wire.NewAction("s1", "kept-1"))
	q.enqueue(wire.NewAction("s1", "kept-2"))
	q.enqueue(wire.NewAction("s1", "dropped"))

	drained := q.drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, "kept-1", drained[0].ActionText())
	assert.Equal(t, "kept-2", drained[1].ActionText())
}

func TestSendQueueClear(t *testing.T) {
	q := newSendQueue(4, zaptest.NewLogger(t))
	q.enqueue(wire.NewAction("s1", "stale"))
	q.clear()
	assert.Equal(t, 0, q.len())
	assert.Empty(t, q.drain())
}
