// Package worker runs object-store mutations off the FUSE request path: a
// fixed pool of goroutines drains a FIFO queue of upload/download/metadata
// jobs against a Backend, and a single dispatch goroutine matches each
// completed job back to the callback its submitter registered by job ID.
// The shape is the multiprocessing worker/task-queue/response-queue split
// the original mount daemon used, translated into goroutines and channels.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/fsnode"
)

// Command identifies the object-store operation a Task performs.
type Command int

const (
	CmdUpload Command = iota
	CmdDownload
	CmdSetMetadata
	CmdMove
	CmdDelete
)

// String returns a human-readable command name, used in logging.
func (c Command) String() string {
	switch c {
	case CmdUpload:
		return "UPLOAD"
	case CmdDownload:
		return "DOWNLOAD"
	case CmdSetMetadata:
		return "SET_METADATA"
	case CmdMove:
		return "MOVE"
	case CmdDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Backend is the subset of internal/objectstore.Adapter the pool drives.
// Accepting an interface here, rather than a concrete *objectstore.Adapter,
// lets tests substitute a fake backend without standing up a Swift server.
type Backend interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, node *fsnode.Node) error
	Download(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)
	SetMetadata(ctx context.Context, path string, node *fsnode.Node) error
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
}

// Task describes one asynchronous object-store operation. JobID is filled
// in by Submit if left empty. Callback, if non-nil, is invoked exactly once
// from the pool's dispatch goroutine with the Task's Response.
type Task struct {
	JobID   string
	Command Command
	Context context.Context

	Path     string // object path for every command
	DestPath string // CmdMove destination

	// CmdUpload reads LocalPath from disk and uploads it as Path, tagged
	// with Node's fs-* metadata.
	LocalPath string
	Node      *fsnode.Node

	// CmdDownload writes the requested byte range to LocalPath starting at
	// Offset, creating the file if needed; existing bytes beyond the written
	// range are left in place (the file is not truncated).
	Offset, Length int64

	Callback func(Response)
}

// Response reports the outcome of a completed Task.
type Response struct {
	JobID   string
	Command Command
	Err     error
}

// Pool is a bounded goroutine pool draining a FIFO task queue against a
// Backend, dispatching each Response to the callback registered for its
// JobID.
type Pool struct {
	backend    Backend
	numWorkers int

	tasks     chan *Task
	responses chan Response

	mu        sync.Mutex
	callbacks map[string]func(Response)
	started   bool

	// submitWg tracks Submit calls that have passed the started check and
	// are about to send on tasks, so Stop can wait for them to finish
	// sending before it closes tasks — closing a channel a Submit is still
	// sending on would panic.
	submitWg   sync.WaitGroup
	workerWg   sync.WaitGroup
	dispatchWg sync.WaitGroup
}

// NewPool creates a Pool with numWorkers worker goroutines and a task queue
// buffered to queueSize. Call Start before Submit.
func NewPool(backend Backend, numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = numWorkers
	}
	return &Pool{
		backend:    backend,
		numWorkers: numWorkers,
		tasks:      make(chan *Task, queueSize),
		responses:  make(chan Response, queueSize),
		callbacks:  make(map[string]func(Response)),
	}
}

// Start launches the worker goroutines and the response dispatcher.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	for i := 0; i < p.numWorkers; i++ {
		p.workerWg.Add(1)
		go p.runWorker()
	}
	p.dispatchWg.Add(1)
	go p.dispatchResponses()

	return nil
}

// Stop stops accepting new submissions, waits for any Submit already in
// flight to finish enqueuing, then closes the task queue and waits for
// every worker to drain it, and finally closes the response queue and
// waits for the dispatcher to drain that. Tasks already queued are still
// executed; Submit after Stop returns an error.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	p.started = false
	p.mu.Unlock()

	p.submitWg.Wait()
	close(p.tasks)
	p.workerWg.Wait()
	close(p.responses)
	p.dispatchWg.Wait()
	return nil
}

// QueueDepth reports how many tasks are currently buffered, waiting for a
// worker. Used by internal/metrics to publish a gauge.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// NumWorkers reports the configured worker goroutine count.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Submit enqueues a task for execution, assigning it a JobID if it doesn't
// already have one, and registering its callback under that JobID. It
// blocks if the task queue is full, applying backpressure to the caller
// rather than growing the queue without bound.
func (p *Pool) Submit(t *Task) (string, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return "", fmt.Errorf("worker pool not started")
	}
	if t.JobID == "" {
		t.JobID = uuid.NewString()
	}
	if t.Context == nil {
		t.Context = context.Background()
	}
	if t.Callback != nil {
		p.callbacks[t.JobID] = t.Callback
	}
	p.submitWg.Add(1)
	p.mu.Unlock()
	defer p.submitWg.Done()

	p.tasks <- t
	return t.JobID, nil
}

func (p *Pool) runWorker() {
	defer p.workerWg.Done()
	for t := range p.tasks {
		err := p.execute(t)
		p.responses <- Response{JobID: t.JobID, Command: t.Command, Err: err}
	}
}

func (p *Pool) execute(t *Task) error {
	switch t.Command {
	case CmdUpload:
		return p.executeUpload(t)
	case CmdDownload:
		return p.executeDownload(t)
	case CmdSetMetadata:
		return p.backend.SetMetadata(t.Context, t.Path, t.Node)
	case CmdMove:
		return p.backend.Move(t.Context, t.Path, t.DestPath)
	case CmdDelete:
		return p.backend.Delete(t.Context, t.Path)
	default:
		return fmt.Errorf("unknown worker command %v", t.Command)
	}
}

func (p *Pool) executeUpload(t *Task) error {
	// A directory or symlink task carries no local content; its object
	// body is always empty, so skip opening a LocalPath that isn't there.
	if t.LocalPath == "" {
		return p.backend.Upload(t.Context, t.Path, emptyReader{}, 0, t.Node)
	}

	f, err := os.Open(t.LocalPath)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, err, "opening upload source failed").
			WithComponent("worker").WithOperation("Upload").WithPath(t.Path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, err, "stat of upload source failed").
			WithComponent("worker").WithOperation("Upload").WithPath(t.Path)
	}

	return p.backend.Upload(t.Context, t.Path, f, info.Size(), t.Node)
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func (p *Pool) executeDownload(t *Task) error {
	rc, err := p.backend.Download(t.Context, t.Path, t.Offset, t.Length)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(t.LocalPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, err, "opening download destination failed").
			WithComponent("worker").WithOperation("Download").WithPath(t.Path)
	}
	defer f.Close()

	if _, err := f.Seek(t.Offset, io.SeekStart); err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, err, "seeking download destination failed").
			WithComponent("worker").WithOperation("Download").WithPath(t.Path)
	}

	if _, err := io.Copy(f, rc); err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, err, "writing downloaded content failed").
			WithComponent("worker").WithOperation("Download").WithPath(t.Path)
	}
	return nil
}

// dispatchResponses matches each Response to the callback registered for
// its JobID and runs it, then forgets the registration. It exits once Stop
// closes the responses channel after every worker has exited.
func (p *Pool) dispatchResponses() {
	defer p.dispatchWg.Done()

	for resp := range p.responses {
		p.mu.Lock()
		cb := p.callbacks[resp.JobID]
		delete(p.callbacks, resp.JobID)
		p.mu.Unlock()

		if cb != nil {
			cb(resp)
		}
	}
}
