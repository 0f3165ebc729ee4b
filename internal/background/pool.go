// Package background provides the fixed-size worker pools that run flush
// and compaction jobs off the foreground transaction path.
//
// Foreground commits never wait on a pool; they only enqueue. Close drains:
// intake stops, queued and in-flight jobs run to completion, then workers
// exit. Transient job failures are retried a fixed number of times before
// being surfaced to the pool's logger; transaction-path errors never pass
// through here.
package background

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x6flab/tidesdb/internal/logging"
)

// ErrPoolClosed is returned by Submit after Close has begun.
var ErrPoolClosed = errors.New("background: pool is closed")

// maxAttempts is how many times a failed job is retried before giving up.
const maxAttempts = 3

// retryBackoff is the delay between attempts.
const retryBackoff = 50 * time.Millisecond

// Job is one unit of background work. A nil return means success; an error
// triggers a bounded retry.
type Job func() error

// Pool runs jobs on a fixed number of workers.
type Pool struct {
	name   string
	logger logging.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	closed atomic.Bool

	// pending counts enqueued-but-unfinished jobs so Wait can block on a
	// quiesced pool without closing it.
	pending sync.WaitGroup
}

// NewPool starts a pool with the given worker count. A count below one is
// raised to one.
func NewPool(name string, workers int, logger logging.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:   name,
		logger: logging.OrDefault(logger),
		jobs:   make(chan Job, workers*8),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a job, blocking if the queue is full.
func (p *Pool) Submit(job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.pending.Add(1)
	p.jobs <- job
	return nil
}

// Wait blocks until every job submitted so far has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close stops intake, drains all queued and running jobs, and waits for the
// workers to exit. Safe to call once.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
		p.pending.Done()
	}
}

// run executes one job with bounded retry.
func (p *Pool) run(job Job) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = job(); err == nil {
			return
		}
		if attempt < maxAttempts {
			p.logger.Warnf("[%s] job failed (attempt %d/%d), retrying: %v",
				p.name, attempt, maxAttempts, err)
			time.Sleep(retryBackoff)
		}
	}
	p.logger.Errorf("[%s] job failed after %d attempts: %v", p.name, maxAttempts, err)
}
