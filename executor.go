package realtime

import "sync"

// executor runs posted functions one at a time, in order, on its own
// goroutine. Posting never blocks.
type executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	busy    bool
	stopped bool
	posted  uint64
	done    chan struct{}
}

func newExecutor() *executor {
	e := &executor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// post queues fn and reports whether it was accepted. A stopped executor
// rejects new work.
func (e *executor) post(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	e.queue = append(e.queue, fn)
	e.posted++
	e.cond.Signal()
	return true
}

// stop rejects further posts. Work already queued still runs.
func (e *executor) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	e.cond.Signal()
}

func (e *executor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.busy = true
		e.mu.Unlock()

		fn()

		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}
}

// idle reports whether nothing is queued or running, along with the number
// of posts seen so far.
func (e *executor) idle() (bool, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.queue) == 0 && !e.busy, e.posted
}

// call runs fn on the executor and waits for it. It returns false when the
// executor is stopped.
func (e *executor) call(fn func()) bool {
	ran := make(chan struct{})
	ok := e.post(func() {
		fn()
		close(ran)
	})
	if !ok {
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}
