package bmq

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// workerPool runs dispatched jobs on three lanes of worker goroutines:
// general (command handlers), batch (timers and batch work) and reply
// (request reply callbacks).  A lane configured with zero workers falls back
// to the general lane, so a single general worker is always sufficient for
// forward progress.  Pool sizes are a hard cap: saturation queues jobs, it
// never spawns extra workers.
type workerPool struct {
	queues [3]*laneQueue
	sizes  [3]int
	wg     sync.WaitGroup
	log    *zap.Logger
	m      *metrics
}

type job struct {
	lane Lane
	fn   func()
}

// laneQueue is an unbounded FIFO drained by the lane's workers.  Jobs are
// enqueued by the proxy in arrival order, preserving per-connection
// delivery order into the pool.
type laneQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
}

func newLaneQueue() *laneQueue {
	q := &laneQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *laneQueue) push(fn func()) {
	q.mu.Lock()
	if !q.closed {
		q.jobs = append(q.jobs, fn)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// pop blocks until a job is available or the queue is closed.
func (q *laneQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.jobs) == 0 {
		return nil, false
	}
	fn := q.jobs[0]
	q.jobs = q.jobs[1:]
	return fn, true
}

func (q *laneQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *laneQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// newWorkerPool builds and starts the pool.  general is clamped to at least
// one worker; batch and reply may be zero to disable their dedicated lanes.
func newWorkerPool(general, batch, reply int, log *zap.Logger, m *metrics) *workerPool {
	if general <= 0 {
		general = 1
	}
	if batch < 0 {
		batch = 0
	}
	if reply < 0 {
		reply = 0
	}
	p := &workerPool{
		sizes: [3]int{general, batch, reply},
		log:   log,
		m:     m,
	}
	for lane := range p.queues {
		if p.sizes[lane] > 0 {
			p.queues[lane] = newLaneQueue()
		}
	}
	for lane, n := range p.sizes {
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.worker(Lane(lane), i)
		}
	}
	return p
}

// enqueue schedules a job on the given lane, falling back to the general
// lane when the dedicated lane has no workers.
func (p *workerPool) enqueue(lane Lane, fn func()) {
	q := p.queues[lane]
	if q == nil {
		lane = LaneGeneral
		q = p.queues[LaneGeneral]
	}
	if p.m != nil {
		p.m.jobsQueued.WithLabelValues(lane.String()).Inc()
	}
	q.push(fn)
}

// worker drains its lane's queue until shutdown.  A panicking handler is
// logged and the worker continues; the framework never terminates on
// handler error.
func (p *workerPool) worker(lane Lane, id int) {
	defer p.wg.Done()
	q := p.queues[lane]
	for {
		fn, ok := q.pop()
		if !ok {
			return
		}
		p.run(lane, id, fn)
	}
}

func (p *workerPool) run(lane Lane, id int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic",
				zap.String("lane", lane.String()),
				zap.Int("worker", id),
				zap.String("panic", fmt.Sprint(r)))
			if p.m != nil {
				p.m.handlerPanics.Inc()
			}
		}
	}()
	fn()
	if p.m != nil {
		p.m.jobsDone.WithLabelValues(lane.String()).Inc()
	}
}

// shutdown closes all queues and joins the workers.  Queued jobs still run;
// nothing new can be enqueued afterwards.
func (p *workerPool) shutdown() {
	for _, q := range p.queues {
		if q != nil {
			q.close()
		}
	}
	p.wg.Wait()
}
