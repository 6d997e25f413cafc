package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueue_FIFO(t *testing.T) {
	queue := newWorkQueue()
	queue.Enqueue("first")
	queue.Enqueue("second")
	queue.Enqueue("third")
	assert.Equal(t, 3, queue.Len())

	ctx := context.Background()
	for _, expected := range []string{"first", "second", "third"} {
		invoiceId, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected, invoiceId)
	}
	assert.Equal(t, 0, queue.Len())
}

func TestWorkQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	queue := newWorkQueue()

	result := make(chan string, 1)
	go func() {
		invoiceId, err := queue.Dequeue(context.Background())
		require.NoError(t, err)
		result <- invoiceId
	}()

	select {
	case <-result:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	queue.Enqueue("inv-1")
	select {
	case invoiceId := <-result:
		assert.Equal(t, "inv-1", invoiceId)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestWorkQueue_DequeueReturnsOnCancel(t *testing.T) {
	queue := newWorkQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := queue.Dequeue(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after cancel")
	}
}

func TestWorkQueue_EnqueueNeverDrops(t *testing.T) {
	queue := newWorkQueue()
	for i := 0; i < 1000; i++ {
		queue.Enqueue("inv")
	}
	assert.Equal(t, 1000, queue.Len())
}
