// Package flush implements the hybrid flush strategy: the size/time
// combinator that decides when the write buffer hands its contents to the
// bulk persister. The flush signal is a buffered channel the worker
// goroutine selects on alongside a done channel; a separate timer goroutine
// raises the same signal when no flush has completed within the configured
// interval.
package flush

import (
	"context"
	"sync"
	"time"

	"accessgraph.dev/event"
)

// PersistFunc hands a snapshot of buffered events to the persister. It is
// called with the events in arrival order and must not retain the slice
// after returning.
type PersistFunc func(ctx context.Context, events []event.Event) error

// Config bounds the two flush triggers.
type Config struct {
	BufferSizeLimit   int
	FlushLoopInterval time.Duration
}

// Strategy buffers events appended by the write buffer and invokes persist
// once either trigger fires. Start must be called before Append, and Stop
// must be called to drain the buffer and stop the background goroutines.
type Strategy struct {
	cfg     Config
	persist PersistFunc

	mu                sync.Mutex
	flushCond         *sync.Cond // signaled when flushInProgress clears
	buffer            []event.Event
	lastFlushComplete time.Time
	flushInProgress   bool

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a Strategy. persist is invoked only while the in-progress flag
// is held (from the worker goroutine or from a Flush caller), so it does not
// need to be safe for concurrent use with itself.
func New(cfg Config, persist PersistFunc) *Strategy {
	if cfg.BufferSizeLimit <= 0 {
		cfg.BufferSizeLimit = 1
	}
	s := &Strategy{
		cfg:     cfg,
		persist: persist,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.flushCond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker task and the timer task as long-lived
// goroutines.
func (s *Strategy) Start(ctx context.Context) {
	s.mu.Lock()
	s.lastFlushComplete = time.Now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.workerLoop(ctx)
	go s.timerLoop(ctx)
}

// Append adds e to the buffer in arrival order and, if the buffer has
// reached BufferSizeLimit, sets the flush signal.
func (s *Strategy) Append(e event.Event) {
	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	atLimit := len(s.buffer) >= s.cfg.BufferSizeLimit
	s.mu.Unlock()

	if atLimit {
		s.raiseSignal()
	}
}

func (s *Strategy) raiseSignal() {
	select {
	case s.signal <- struct{}{}:
	default:
		// a flush is already queued or in progress; coalesce.
	}
}

func (s *Strategy) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.signal:
			s.flush(ctx)
		case <-s.done:
			// Drain whatever was accepted before Stop was called, then exit.
			// Uses the waiting variant so a concurrent in-flight flush can't
			// make the final drain a no-op.
			s.Flush(ctx)
			return
		}
	}
}

func (s *Strategy) timerLoop(ctx context.Context) {
	defer s.wg.Done()
	prevWake := time.Now()
	timer := time.NewTimer(s.cfg.FlushLoopInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
			s.mu.Lock()
			flushedSincePrevWake := s.lastFlushComplete.After(prevWake)
			lastFlush := s.lastFlushComplete
			s.mu.Unlock()

			prevWake = time.Now()
			if !flushedSincePrevWake {
				s.raiseSignal()
				timer.Reset(s.cfg.FlushLoopInterval)
				continue
			}
			// A flush already completed since the previous wake; sleep only
			// until lastFlushComplete + FlushLoopInterval instead of a full
			// fresh interval.
			next := lastFlush.Add(s.cfg.FlushLoopInterval).Sub(time.Now())
			if next <= 0 {
				next = time.Millisecond
			}
			timer.Reset(next)
		}
	}
}

// flush is the background-trigger entry point: it claims the in-progress
// flag and runs one flush, or returns immediately if a flush is already
// running (the triggers coalesce).
func (s *Strategy) flush(ctx context.Context) {
	s.mu.Lock()
	if s.flushInProgress {
		s.mu.Unlock()
		return
	}
	s.flushInProgress = true
	s.mu.Unlock()

	s.run(ctx)
}

// run takes a snapshot of the buffer (exchange with an empty container),
// invokes persist outside the lock, and stamps last_flush_complete on
// success. The caller must have set flushInProgress; run clears it and
// wakes any Flush call waiting for it.
func (s *Strategy) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.flushInProgress = false
		s.flushCond.Broadcast()
		s.mu.Unlock()
	}()

	s.mu.Lock()
	snapshot := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	if err := s.persist(ctx, snapshot); err != nil {
		// Persist failed after its own internal retries; put the events
		// back at the head of the buffer so the next flush retries them
		// rather than silently dropping them.
		s.mu.Lock()
		s.buffer = append(snapshot, s.buffer...)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.lastFlushComplete = time.Now()
	s.mu.Unlock()
}

// Flush synchronously persists the buffer's contents, regardless of whether
// either trigger has fired. Unlike the background triggers it does not
// coalesce with an in-flight flush: it waits for that flush's batch to
// commit, then claims the flag and flushes whatever remains, so the buffer
// is durably in the log when it returns (barring a persist failure, which
// leaves the events re-buffered for retry). The splitter and merger rely
// on this during their pause phase: they drain the source log immediately
// after Flush returns, and anything still in flight would be missed by the
// drain and then deleted from the source.
func (s *Strategy) Flush(ctx context.Context) {
	s.mu.Lock()
	for s.flushInProgress {
		s.flushCond.Wait()
	}
	s.flushInProgress = true
	s.mu.Unlock()

	s.run(ctx)
}

// Stop signals the background goroutines to perform a final flush of
// whatever remains buffered and exit, then waits for them to finish.
func (s *Strategy) Stop() {
	close(s.done)
	s.wg.Wait()
}

// BufferLen reports how many events are currently buffered, awaiting a
// flush. Exposed for tests and observability.
func (s *Strategy) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
