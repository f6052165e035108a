package segment

import (
	"sync/atomic"

	"github.com/satindergrewal/spufify/internal/audio"
)

// item is either a batch or a drain marker. The writer worker closes the
// marker when it reaches it, which proves every batch queued before the
// marker has been written. gen is the segment generation at enqueue time.
type item struct {
	batch  audio.FrameBatch
	marker chan struct{}
	gen    uint64
}

// Queue is the bounded hand-off channel between the capture goroutine and the
// writer worker.
type Queue struct {
	ch  chan item
	gen atomic.Uint64
}

// NewQueue creates a queue holding up to size batches.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan item, size)}
}

// Offer enqueues b without blocking. It returns false if the queue is full.
func (q *Queue) Offer(b audio.FrameBatch) bool {
	select {
	case q.ch <- item{batch: b, gen: q.gen.Load()}:
		return true
	default:
		return false
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Reset discards everything queued and returns how many items were dropped.
// Pending drain markers are released.
func (q *Queue) Reset() int {
	n := 0
	for {
		select {
		case it := <-q.ch:
			if it.marker != nil {
				close(it.marker)
				continue
			}
			n++
		default:
			return n
		}
	}
}
