package wasmrun

import (
	"sync"
	"sync/atomic"

	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// Job is a zero-argument, one-shot unit of work submitted to a Pool.
type Job func()

// Pool is a fixed-but-resizable goroutine pool that executes blocking guest
// invocations off the HTTP request path. It is the Go re-specification of
// the spec's OS-thread pool (see SPEC_FULL.md §10 REDESIGN FLAGS): Go's
// scheduler already multiplexes goroutines onto OS threads, so "thread" here
// names a pool worker goroutine, not a pinned kernel thread.
type Pool struct {
	name string

	queueMu  sync.Mutex
	queueCV  *sync.Cond
	jobs     []Job

	joinMu sync.Mutex
	joinCV *sync.Cond

	target    atomic.Uint64
	active    atomic.Uint64
	panicked  atomic.Uint64
	liveCount atomic.Uint64
}

// New spawns n workers under the given pool name.
func New(name string, n uint64) *Pool {
	p := &Pool{name: name}
	p.queueCV = sync.NewCond(&p.queueMu)
	p.joinCV = sync.NewCond(&p.joinMu)
	p.target.Store(n)
	for i := uint64(0); i < n; i++ {
		p.spawnWorker()
	}
	return p
}

// Execute enqueues job and wakes one worker. It never blocks and never
// returns an error: submission is always accepted, execution is FIFO.
func (p *Pool) Execute(job Job) {
	p.queueMu.Lock()
	p.jobs = append(p.jobs, job)
	p.queueMu.Unlock()
	p.queueCV.Signal()
}

// SetThreadNum resizes the pool's target worker count. Growing spawns new
// workers immediately; shrinking lets the excess workers exit on their next
// loop iteration once they observe active > target.
func (p *Pool) SetThreadNum(n uint64) {
	old := p.target.Swap(n)
	if n > old {
		for i := old; i < n; i++ {
			p.spawnWorker()
		}
	}
	// Shrinking needs no action here: surplus workers notice
	// active > target the next time they loop and exit on their own.
	p.queueCV.Broadcast()
}

func (p *Pool) ThreadNum() uint64         { return p.target.Load() }
func (p *Pool) ActiveThreadNum() uint64   { return p.active.Load() }
func (p *Pool) PanickedThreadNum() uint64 { return p.panicked.Load() }

// QueuedJobNum reports how many jobs are waiting to start.
func (p *Pool) QueuedJobNum() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.jobs)
}

// Join blocks until both the active-worker count and the job queue are
// empty.
func (p *Pool) Join() {
	p.joinMu.Lock()
	for p.active.Load() != 0 || p.QueuedJobNum() != 0 {
		p.joinCV.Wait()
	}
	p.joinMu.Unlock()
}

func (p *Pool) spawnWorker() {
	p.liveCount.Add(1)
	go p.workerLoop()
}

// workerLoop is the body run by every pool worker goroutine. A deferred
// sentinel runs on every exit path — normal shrink, or panic — mirroring the
// spec's scope-exit sentinel: it decrements liveCount/active, wakes joiners
// if the pool went idle, and replaces itself if the exit was a panic.
func (p *Pool) workerLoop() {
	ranJob := false
	defer func() {
		p.liveCount.Add(^uint64(0)) // -1

		if r := recover(); r != nil {
			if ranJob {
				// The panic unwound out of runJob before we reached the
				// normal post-job decrement below, so this worker is still
				// counted active: account for it here.
				p.active.Add(^uint64(0)) // -1
			}
			p.panicked.Add(1)
			log.Errorf("wasmrun: pool %q: worker panicked: %v", p.name, r)
			p.notifyIfIdle()
			p.spawnWorker()
			return
		}

		p.notifyIfIdle()
	}()

	for {
		p.queueMu.Lock()
		for len(p.jobs) == 0 {
			if p.active.Load() > p.target.Load() {
				// Controlled shrink: SetThreadNum lowered the target and
				// broadcast woke us with nothing queued. Exit in place.
				p.queueMu.Unlock()
				return
			}
			p.queueCV.Wait()
		}
		job := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.active.Add(1)
		p.queueMu.Unlock()

		ranJob = true
		p.runJob(job)
		ranJob = false

		p.active.Add(^uint64(0)) // -1
		p.notifyIfIdle()
	}
}

// runJob executes job. A panic here unwinds through workerLoop's own defer,
// which records it and spawns a replacement worker.
func (p *Pool) runJob(job Job) {
	job()
}

func (p *Pool) notifyIfIdle() {
	if p.active.Load() == 0 && p.QueuedJobNum() == 0 {
		p.joinMu.Lock()
		p.joinCV.Broadcast()
		p.joinMu.Unlock()
	}
}
