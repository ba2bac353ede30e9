// Package locks serializes work per block location using a fixed set of stripes.
// Work entering a stripe runs after all work that entered it earlier, in entry order.
package locks

import (
	"context"
	"slices"
	"sync"

	"github.com/zeebo/xxh3"
)

// DefaultStripes is the stripe count used when none is configured.
const DefaultStripes = 256

// Striped maps keys onto a fixed pool of FIFO queues by hash.
// Distinct keys may share a stripe; equal keys always do.
type Striped struct {
	mu sync.Mutex
	// tails holds, per stripe, the release channel of the ticket that entered last.
	tails []chan struct{}
}

// NewStriped creates a striped queue with n stripes (DefaultStripes when n <= 0).
func NewStriped(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{tails: make([]chan struct{}, n)}
}

func (s *Striped) index(key string) int {
	return int(xxh3.HashString(key) % uint64(len(s.tails)))
}

// Ticket is a place in the queues of one or more stripes.
type Ticket struct {
	prev []chan struct{}
	done chan struct{}
	once sync.Once
}

// Enter queues behind every earlier ticket holding a stripe of keys. Entering
// all stripes happens at once, so tickets spanning several stripes cannot deadlock.
// The caller must Wait before touching the keys and Release exactly when done.
func (s *Striped) Enter(keys ...string) *Ticket {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, s.index(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	t := &Ticket{done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range idx {
		if p := s.tails[i]; p != nil {
			t.prev = append(t.prev, p)
		}
		s.tails[i] = t.done
	}
	return t
}

// Wait blocks until every earlier ticket sharing a stripe has been released, or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	for _, p := range t.prev {
		select {
		case <-p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release hands the stripes to the next tickets. When the ticket gave up
// waiting, its successors are still held until every predecessor is released.
// Calling Release more than once is a no-op.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if t.ready() {
			close(t.done)
			return
		}
		go func() {
			for _, p := range t.prev {
				<-p
			}
			close(t.done)
		}()
	})
}

func (t *Ticket) ready() bool {
	for _, p := range t.prev {
		select {
		case <-p:
		default:
			return false
		}
	}
	return true
}
