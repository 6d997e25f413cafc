package listener

import (
	"context"
	"sync"
)

// workQueue is an unbounded FIFO queue of invoice ids. Enqueue never blocks
// and never drops, so event consumers stay decoupled from the worker.
type workQueue struct {
	mu     sync.Mutex
	items  []string
	signal chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{
		signal: make(chan struct{}, 1),
	}
}

func (q *workQueue) Enqueue(invoiceId string) {
	q.mu.Lock()
	q.items = append(q.items, invoiceId)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue blocks until an invoice id is available or ctx is cancelled.
func (q *workQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			invoiceId := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return invoiceId, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
