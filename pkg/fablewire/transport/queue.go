package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

// sendQueue holds outbound frames composed while the channel is not yet
// usable. Frames are drained in strict FIFO order the moment the handshake
// confirms, before any newly issued send. The queue performs no
// deduplication; duplicate sends are the caller's responsibility.
type sendQueue struct {
	mu       sync.Mutex
	items    []*wire.Message
	capacity int
	logger   *zap.Logger
}

func newSendQueue(capacity int, logger *zap.Logger) *sendQueue {
	return &sendQueue{
		capacity: capacity,
		logger:   logger,
	}
}

// enqueue appends a frame. When the queue is at capacity the frame is
// dropped with a warning rather than blocking or evicting older frames,
// so that whatever was composed first still goes out first.
func (q *sendQueue) enqueue(msg *wire.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.logger.Warn("Send queue full, dropping frame",
			zap.String("type", msg.Type),
			zap.Int("capacity", q.capacity),
		)
		return
	}
	q.items = append(q.items, msg)
}

// drain removes and returns all queued frames in insertion order.
func (q *sendQueue) drain() []*wire.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// clear discards all queued frames.
func (q *sendQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
