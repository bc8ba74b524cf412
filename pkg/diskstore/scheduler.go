package diskstore

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of asynchronous work executed by the write-behind worker.
type Task func() (any, error)

// Result is the handle to a submitted [Task]'s eventual outcome.
type Result struct {
	done  chan struct{}
	value any
	err   error
}

// Done returns a channel that is closed once the task has executed.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the task has executed and returns its outcome.
func (r *Result) Wait() (any, error) {
	<-r.done

	return r.value, r.err
}

type queuedTask struct {
	task   Task
	result *Result
}

// scheduler is the write-behind scheduler: one dedicated worker goroutine
// draining an unbounded FIFO queue.
//
// Tasks execute strictly in submission order, which is the serialization
// guarantee callers rely on for mutating operations routed through it.
// The queue never rejects or drops tasks; bufferFull is purely an advisory
// backpressure signal.
type scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*queuedTask
	closed bool

	depth   atomic.Int64
	drained chan struct{}

	highWater        int
	gracePeriod      time.Duration
	progressInterval time.Duration
	logger           *slog.Logger
}

func newScheduler(highWater int, gracePeriod, progressInterval time.Duration, logger *slog.Logger) *scheduler {
	s := &scheduler{
		drained:          make(chan struct{}),
		highWater:        highWater,
		gracePeriod:      gracePeriod,
		progressInterval: progressInterval,
		logger:           logger,
	}
	s.cond = sync.NewCond(&s.mu)

	go s.run()

	return s
}

// submit appends a task to the queue. Returns [ErrClosed] after shutdown.
func (s *scheduler) submit(task Task) (*Result, error) {
	result := &Result{done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	s.queue = append(s.queue, &queuedTask{task: task, result: result})
	s.depth.Add(1)
	s.cond.Signal()

	return result, nil
}

// bufferFull reports whether the queue depth exceeds the high-water mark.
// Advisory only: callers are expected to slow down, the scheduler keeps
// accepting tasks regardless.
func (s *scheduler) bufferFull() bool {
	return s.depth.Load() > int64(s.highWater)
}

// queueDepth reports the number of tasks submitted but not yet executed.
func (s *scheduler) queueDepth() int {
	return int(s.depth.Load())
}

// run is the worker loop. Exits once the scheduler is closed and the
// queue is empty.
func (s *scheduler) run() {
	defer close(s.drained)

	for {
		s.mu.Lock()

		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}

		if len(s.queue) == 0 {
			s.mu.Unlock()

			return
		}

		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.depth.Add(-1)
		s.mu.Unlock()

		next.result.value, next.result.err = next.task()
		close(next.result.done)
	}
}

// shutdown stops accepting tasks and waits for the worker to drain,
// logging progress at every interval it is still waiting. Returns whether
// the worker fully drained within the grace period; either way the caller
// proceeds to close the backing file (best-effort shutdown).
func (s *scheduler) shutdown() bool {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	var waited time.Duration

	for waited < s.gracePeriod {
		select {
		case <-s.drained:
			return true
		case <-time.After(s.progressInterval):
			waited += s.progressInterval
			s.logger.Info("waiting for disk writer to drain",
				"waited", waited, "pending", s.queueDepth())
		}
	}

	return false
}
