// Package memory is the in-process Queue Broker backend: mutex-guarded FIFO
// slices per priority band plus a container/heap min-heap for delayed
// retries, promoted by a time.Ticker polling at sub-second granularity
// ("promoter latency ≤ 1s" default).
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bsn2000/dispatchcore/internal/models"
	"github.com/bsn2000/dispatchcore/internal/queue"
)

type delayedItem struct {
	readyAt  time.Time
	priority models.Priority
	jobID    uuid.UUID
}

type delayedHeap []delayedItem

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)         { *h = append(*h, x.(delayedItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Broker is the in-memory Broker implementation. Zero value is not usable;
// construct with New.
type Broker struct {
	mu      sync.Mutex
	bands   [models.NumBands][]uuid.UUID
	delayed delayedHeap
	notify  chan struct{}

	stop   chan struct{}
	ticker *time.Ticker
}

var _ queue.Broker = (*Broker)(nil)

// New starts a Broker whose delayed-retry promoter ticks every interval.
func New(interval time.Duration) *Broker {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	b := &Broker{
		notify: make(chan struct{}),
		stop:   make(chan struct{}),
		ticker: time.NewTicker(interval),
	}
	heap.Init(&b.delayed)
	go b.promoteLoop()
	return b
}

func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Broker) promoteLoop() {
	for {
		select {
		case <-b.stop:
			return
		case now := <-b.ticker.C:
			b.promoteDue(now)
		}
	}
}

func (b *Broker) promoteDue(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	promoted := false
	for b.delayed.Len() > 0 && !b.delayed[0].readyAt.After(now) {
		item := heap.Pop(&b.delayed).(delayedItem)
		b.bands[item.priority] = append(b.bands[item.priority], item.jobID)
		promoted = true
	}
	if promoted {
		b.wakeLocked()
	}
}

func (b *Broker) Enqueue(ctx context.Context, jobID uuid.UUID, priority models.Priority) error {
	b.mu.Lock()
	b.bands[priority] = append(b.bands[priority], jobID)
	b.wakeLocked()
	b.mu.Unlock()
	return nil
}

func (b *Broker) Schedule(ctx context.Context, jobID uuid.UUID, priority models.Priority, readyAt time.Time) error {
	b.mu.Lock()
	heap.Push(&b.delayed, delayedItem{readyAt: readyAt, priority: priority, jobID: jobID})
	b.mu.Unlock()
	return nil
}

func (b *Broker) tryPop() (uuid.UUID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := models.PriorityCritical; p <= models.PriorityLow; p++ {
		if len(b.bands[p]) > 0 {
			id := b.bands[p][0]
			b.bands[p] = b.bands[p][1:]
			return id, true
		}
	}
	return uuid.Nil, false
}

func (b *Broker) BlockingPop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	var deadlineC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadlineC = timer.C
	}
	for {
		if id, ok := b.tryPop(); ok {
			return id, true, nil
		}

		b.mu.Lock()
		ch := b.notify
		b.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return uuid.Nil, false, ctx.Err()
		case <-deadlineC:
			return uuid.Nil, false, nil
		case <-b.stop:
			return uuid.Nil, false, nil
		}
	}
}

func (b *Broker) Remove(ctx context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.bands {
		band := b.bands[p]
		for i, id := range band {
			if id == jobID {
				b.bands[p] = append(band[:i], band[i+1:]...)
				return nil
			}
		}
	}
	for i, item := range b.delayed {
		if item.jobID == jobID {
			heap.Remove(&b.delayed, i)
			return nil
		}
	}
	return nil
}

func (b *Broker) Depth(ctx context.Context) (map[models.Priority]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.Priority]int, models.NumBands)
	for p := range b.bands {
		out[models.Priority(p)] = len(b.bands[p])
	}
	return out, nil
}

func (b *Broker) Close() error {
	close(b.stop)
	b.ticker.Stop()
	b.mu.Lock()
	b.wakeLocked()
	b.mu.Unlock()
	return nil
}
