package engine

import (
	"sync"
	"time"

	"github.com/objectfs/swiftmount/internal/index"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// pendingJob is a deferred operation waiting for its node to become
// quiescent (neither uploading nor downloading) before it can run. It is
// the Go translation of the original's FileOperation record: two function
// references examined by a single background loop, rather than a class
// hierarchy or dynamic dispatch.
type pendingJob struct {
	path         string
	attempts     int
	preExecution func() error
	execute      func() error
}

// jobExecutor is the Job-executor rule: a FIFO queue of pendingJobs drained
// by one goroutine, which requeues a job to the front when its node is
// mid-transfer and to the back (bounded by maxAttempts) when its node is
// altogether missing. This guarantees at most one concurrent remote
// operation per path, since a job only runs once Uploading/Downloading are
// both clear.
type jobExecutor struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*pendingJob

	index         index.Store
	maxAttempts   int
	retryInterval time.Duration
	logger        *utils.Logger

	running bool
	wg      sync.WaitGroup
}

func newJobExecutor(idx index.Store, maxAttempts int, retryInterval time.Duration, logger *utils.Logger) *jobExecutor {
	if maxAttempts <= 0 {
		maxAttempts = 50
	}
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	je := &jobExecutor{
		index:         idx,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		logger:        logger,
	}
	je.cond = sync.NewCond(&je.mu)
	return je
}

// Start launches the background loop.
func (je *jobExecutor) Start() {
	je.mu.Lock()
	je.running = true
	je.mu.Unlock()

	je.wg.Add(1)
	go je.run()
}

// Stop marks the executor stopped, lets the loop finish the jobs already
// queued, and waits for it to return. Defer still appends after Stop, but
// nothing runs a job deferred then.
func (je *jobExecutor) Stop() {
	je.mu.Lock()
	je.running = false
	je.mu.Unlock()
	je.cond.Broadcast()
	je.wg.Wait()
}

// QueueLen reports how many jobs are currently deferred. Used by
// internal/metrics to publish a gauge.
func (je *jobExecutor) QueueLen() int {
	je.mu.Lock()
	defer je.mu.Unlock()
	return len(je.queue)
}

// Defer enqueues a job at the back of the queue.
func (je *jobExecutor) Defer(job *pendingJob) {
	je.mu.Lock()
	je.queue = append(je.queue, job)
	je.mu.Unlock()
	je.cond.Broadcast()
}

func (je *jobExecutor) run() {
	defer je.wg.Done()

	for {
		je.mu.Lock()
		for len(je.queue) == 0 && je.running {
			je.cond.Wait()
		}
		if len(je.queue) == 0 {
			je.mu.Unlock()
			return
		}
		job := je.queue[0]
		je.queue = je.queue[1:]
		je.mu.Unlock()

		je.step(job)
	}
}

func (je *jobExecutor) step(job *pendingJob) {
	node, ok, err := je.index.GetByPath(job.path, true, time.Time{})
	if err != nil || !ok {
		job.attempts++
		if job.attempts >= je.maxAttempts {
			je.logger.Error("job-executor: dropping job for %q after %d attempts, node never became available", job.path, job.attempts)
			return
		}
		time.Sleep(je.retryInterval)
		je.Defer(job)
		return
	}

	if node.Uploading || node.Downloading {
		time.Sleep(je.retryInterval)
		je.mu.Lock()
		je.queue = append([]*pendingJob{job}, je.queue...)
		je.mu.Unlock()
		je.cond.Broadcast()
		return
	}

	if err := job.preExecution(); err != nil {
		je.logger.Error("job-executor: pre-execution failed for %q: %v", job.path, err)
		return
	}
	if err := job.execute(); err != nil {
		je.logger.Error("job-executor: execution failed for %q: %v", job.path, err)
	}
}
