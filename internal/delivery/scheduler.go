// Package delivery paces multi-unit responses. The first unit of a response
// is persisted synchronously so the caller sees an immediate reply; the
// remaining units are queued and released one per delivery interval, which
// reads as a person typing successive messages rather than a single dump.
package delivery

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const deliverTimeout = 10 * time.Second

// Sink persists one delivered unit. The production sink appends an
// assistant turn through the conversation store.
type Sink interface {
	Deliver(ctx context.Context, conversationID uuid.UUID, content string, mergeGroup uuid.UUID, ordinal int, metadata map[string]any) error
}

type item struct {
	conversationID uuid.UUID
	content        string
	mergeGroup     uuid.UUID
	ordinal        int
	metadata       map[string]any
	runAt          time.Time
	seq            uint64
}

// itemHeap orders pending units by due time, earliest first, so each merge
// group keeps its own cadence and one group's backlog never delays another's.
// Units due at the same instant keep enqueue order.
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Scheduler owns the deferred-delivery queue and its worker goroutine.
type Scheduler struct {
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	queue chan item
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
	seq   atomic.Uint64
}

// NewScheduler starts a Scheduler releasing deferred units every interval.
// Call Close to stop the worker.
func NewScheduler(sink Sink, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sink:     sink,
		interval: interval,
		logger:   logger,
		queue:    make(chan item, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Dispatch delivers a segmented response. The first unit is delivered
// synchronously with ordinal 1 and its error is returned; units after the
// first are queued with ascending ordinals under a shared merge group and
// delivered one per interval, the last at ordinal N of an N-unit response.
// Every unit's metadata carries the group total under "unit_total" so a gap
// in the persisted ordinal sequence is detectable per turn. Deferred
// failures are logged, not retried, and never block later units.
func (s *Scheduler) Dispatch(ctx context.Context, conversationID uuid.UUID, units []string, metadata map[string]any) (uuid.UUID, error) {
	mergeGroup := uuid.New()
	if len(units) == 0 {
		return mergeGroup, nil
	}

	total := len(units)
	if err := s.sink.Deliver(ctx, conversationID, units[0], mergeGroup, 1, unitMetadata(metadata, total)); err != nil {
		return mergeGroup, fmt.Errorf("deliver first unit: %w", err)
	}

	now := time.Now()
	for i, unit := range units[1:] {
		it := item{
			conversationID: conversationID,
			content:        unit,
			mergeGroup:     mergeGroup,
			ordinal:        i + 2,
			metadata:       unitMetadata(metadata, total),
			runAt:          now.Add(time.Duration(i+1) * s.interval),
			seq:            s.seq.Add(1),
		}
		select {
		case s.queue <- it:
		case <-s.done:
			return mergeGroup, fmt.Errorf("scheduler closed with %d units pending", total-1-i)
		case <-ctx.Done():
			return mergeGroup, ctx.Err()
		}
	}

	return mergeGroup, nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	var pending itemHeap
	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if len(pending) > 0 {
			delay := time.Until(pending[0].runAt)
			if delay <= 0 {
				s.deliver(heap.Pop(&pending).(item))
				continue
			}
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case it := <-s.queue:
			heap.Push(&pending, it)
		case <-timerC:
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			s.drain(&pending)
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// drain flushes everything still queued, then delivers all pending units
// immediately in due order. Shutdown never truncates a merge group.
func (s *Scheduler) drain(pending *itemHeap) {
	for {
		select {
		case it := <-s.queue:
			heap.Push(pending, it)
		default:
			for pending.Len() > 0 {
				s.deliver(heap.Pop(pending).(item))
			}
			return
		}
	}
}

func (s *Scheduler) deliver(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if err := s.sink.Deliver(ctx, it.conversationID, it.content, it.mergeGroup, it.ordinal, it.metadata); err != nil {
		s.logger.Error("deferred delivery failed",
			"conversation_id", it.conversationID,
			"merge_group", it.mergeGroup,
			"ordinal", it.ordinal,
			"error", err)
	}
}

// Close stops the worker goroutine after the queue drains. Units still
// pending are delivered immediately rather than on schedule, so a shutdown
// sacrifices the pacing, never the content.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func unitMetadata(base map[string]any, total int) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["unit_total"] = total
	return out
}
