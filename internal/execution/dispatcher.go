package execution

import (
	"context"
	"hash/fnv"
	"sync"
)

// Dispatcher routes work to a fixed set of serial workers keyed by instrument.
// Every task for one instrument runs on the same worker, in submission order.
type Dispatcher struct {
	workers []*worker

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts n workers, each with a queue of the given depth.
func NewDispatcher(n, queue int) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	d := &Dispatcher{workers: make([]*worker, n)}
	for i := range d.workers {
		d.workers[i] = newWorker(queue)
		d.wg.Add(1)
		go d.workers[i].run(&d.wg)
	}
	return d
}

func (d *Dispatcher) pick(key string) *worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return d.workers[h.Sum32()%uint32(len(d.workers))]
}

// Dispatch queues fn on the worker owning key. It returns false once the dispatcher is closed.
func (d *Dispatcher) Dispatch(key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.pick(key).ch <- fn
	return true
}

// Do queues fn and waits for it to finish. A queued fn always runs even if ctx ends first.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	if !d.Dispatch(key, func() {
		defer close(done)
		fn()
	}) {
		return errDispatcherClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, lets queued tasks finish and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

type worker struct {
	ch chan func()
}

func newWorker(queue int) *worker {
	return &worker{ch: make(chan func(), queue)}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for fn := range w.ch {
		fn()
	}
}
