// Package worker implements the three isolated execution units that perform
// blocking disk and log I/O on behalf of sessions: a Reader for directory
// listings and file streaming, a Writer through which every filesystem
// mutation is funneled, and a LogWriter that appends to the transfer log
// store.
//
// Each role is a single goroutine draining a FIFO request channel, so the
// connection-handling path never blocks on disk, requests within one role
// are processed strictly in order, and conflicting mutations are serialized
// by construction.
package worker

import (
	"context"
	"sync"

	"github.com/clisend/clisend/pkg/protocol"
	"github.com/clisend/clisend/pkg/translog"
)

type result struct {
	value any
	err   error
}

type request struct {
	op    any
	reply chan result
}

// role is the shared request/response plumbing of one worker goroutine.
type role struct {
	name string
	reqs chan request
	done chan struct{}

	// mu orders submits against stop: a submit holds the read lock across
	// its enqueue, so once stop has taken the write lock and set stopped,
	// no request can land in the queue anymore and the drain below is
	// guaranteed to see everything.
	mu      sync.RWMutex
	stopped bool
}

func newRole(name string, queue int) *role {
	return &role{
		name: name,
		reqs: make(chan request, queue),
		done: make(chan struct{}),
	}
}

// run services requests until stop, then fails whatever is still queued and
// exits; no request can arrive after the drain.
func (r *role) run(handle func(op any) (any, error)) {
	for {
		select {
		case req := <-r.reqs:
			value, err := handle(req.op)
			req.reply <- result{value, err}
		case <-r.done:
			for {
				select {
				case req := <-r.reqs:
					req.reply <- result{nil, r.unavailable()}
				default:
					return
				}
			}
		}
	}
}

// submit queues op and waits for its result. Context cancellation abandons
// the wait; the role still executes the operation but the result is
// discarded (the reply channel is buffered).
func (r *role) submit(ctx context.Context, op any) (any, error) {
	reply := make(chan result, 1)

	r.mu.RLock()
	if r.stopped {
		r.mu.RUnlock()
		return nil, r.unavailable()
	}
	select {
	case r.reqs <- request{op: op, reply: reply}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *role) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	close(r.done)
}

func (r *role) unavailable() error {
	return protocol.Errorf(protocol.ReasonUnavailable, "%s worker is not running", r.name)
}

// Pool bundles the three roles. One Pool serves all sessions of a server.
type Pool struct {
	Reader *Reader
	Writer *Writer
	Log    *LogWriter
}

// queueDepth bounds how many requests may sit in front of each role before
// submitters block. Sessions submit one request at a time, so this only
// smooths bursts across sessions.
const queueDepth = 64

// NewPool starts the three worker goroutines. maxFileSize caps uploads
// (zero means unlimited); store receives the log appends.
func NewPool(store *translog.Store, maxFileSize int64) *Pool {
	return &Pool{
		Reader: newReader(),
		Writer: newWriter(maxFileSize),
		Log:    newLogWriter(store),
	}
}

// Stop shuts the roles down. In-flight operations finish; queued ones fail
// with SERVICE_UNAVAILABLE.
func (p *Pool) Stop() {
	p.Reader.stop()
	p.Writer.stop()
	p.Log.stop()
}
