// Package pool runs index ranges across a fixed set of worker goroutines.
package pool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by ParallelFor after Close.
var ErrClosed = errors.New("pool: closed")

// Range is a half-open index interval [Begin, End).
type Range struct {
	Begin int
	End   int
}

// Len is the number of indices in the range.
func (r Range) Len() int { return r.End - r.Begin }

// Func processes the chunk [begin, end) on worker number worker.
type Func func(begin, end, worker int)

type task struct {
	fn     Func
	chunk  Range
	worker int
	wg     *sync.WaitGroup
	errs   chan<- error
}

// Pool is a fixed-size set of workers with a single join point per call.
type Pool struct {
	threads int
	tasks   chan task

	mu     sync.RWMutex
	closed bool
	done   sync.WaitGroup
}

// New starts a pool with the given number of workers. threads <= 0 uses the
// number of logical CPUs.
func New(threads int) *Pool {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	p := &Pool{
		threads: threads,
		tasks:   make(chan task, threads),
	}
	p.done.Add(threads)
	for i := 0; i < threads; i++ {
		go p.work()
	}
	return p
}

// Threads reports the number of workers.
func (p *Pool) Threads() int { return p.threads }

func (p *Pool) work() {
	defer p.done.Done()
	for t := range p.tasks {
		t.run()
	}
}

func (t task) run() {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			t.errs <- errors.Errorf("pool: worker %d panicked on [%d, %d): %v", t.worker, t.chunk.Begin, t.chunk.End, r)
		}
	}()
	t.fn(t.chunk.Begin, t.chunk.End, t.worker)
}

// Partition splits [begin, end) into at most Threads() contiguous, disjoint
// chunks that together cover the whole range. The first size%threads chunks
// take one extra index. Empty chunks are dropped.
func (p *Pool) Partition(begin, end int) []Range {
	return Partition(begin, end, p.threads)
}

// Partition is the chunking used by Pool, exposed for callers that need the
// boundaries without running anything.
func Partition(begin, end, threads int) []Range {
	size := end - begin
	if size <= 0 {
		return nil
	}
	if threads < 1 {
		threads = 1
	}
	if threads > size {
		threads = size
	}

	chunks := make([]Range, 0, threads)
	base, extra := size/threads, size%threads
	start := begin
	for i := 0; i < threads; i++ {
		n := base
		if i < extra {
			n++
		}
		chunks = append(chunks, Range{Begin: start, End: start + n})
		start += n
	}
	return chunks
}

// ParallelFor runs fn over every chunk of [begin, end) and blocks until all
// chunks have finished. A panic in any chunk is returned as an error once
// every chunk has completed.
func (p *Pool) ParallelFor(begin, end int, fn Func) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	chunks := p.Partition(begin, end)
	if len(chunks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(chunks))
	wg.Add(len(chunks))
	for i, c := range chunks {
		p.tasks <- task{fn: fn, chunk: c, worker: i, wg: &wg, errs: errs}
	}
	wg.Wait()
	close(errs)

	return <-errs
}

// Close stops the workers. It waits for in-flight ParallelFor calls.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
	p.done.Wait()
}
