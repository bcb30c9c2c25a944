package runtime

import "sync"

// Future is a one-shot producer/consumer channel between two tasks on the
// same shard. Continuations registered with Then run as tasks on the owning
// reactor; Wait is for alien threads only and must never be called from a
// reactor thread.
type Future[T any] struct {
	s *futureState[T]
}

// Promise resolves its Future exactly once.
type Promise[T any] struct {
	s *futureState[T]
}

type futureState[T any] struct {
	r       *Reactor
	queueID int

	mu           sync.Mutex
	done         bool
	value        T
	err          error
	continuation func(T, error)
	waiters      []chan struct{}
}

// NewPromise creates a linked promise/future pair owned by r. Continuations
// run on queueID.
func NewPromise[T any](r *Reactor, queueID int) (*Promise[T], Future[T]) {
	s := &futureState[T]{r: r, queueID: queueID}
	return &Promise[T]{s: s}, Future[T]{s: s}
}

// Resolve delivers the value and wakes any Wait callers. A registered
// continuation is queued on the owning reactor with AddTaskTo, which is
// owning-shard only, so a future with a continuation is resolved on that shard.
func (p *Promise[T]) Resolve(v T, err error) {
	s := p.s
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.value = v
	s.err = err
	cont := s.continuation
	s.continuation = nil
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	if cont != nil {
		s.schedule(cont, v, err)
	}
	for _, w := range waiters {
		close(w)
	}
}

func (s *futureState[T]) schedule(cont func(T, error), v T, err error) {
	if s.r != nil {
		s.r.AddTaskTo(s.queueID, NewTask(func() { cont(v, err) }))
		return
	}
	cont(v, err)
}

// Then registers the continuation; it runs as a task on the owning reactor
// once the future resolves, immediately if it already has. Call from the
// owning shard; alien threads use Wait instead.
func (f Future[T]) Then(cont func(T, error)) {
	s := f.s
	s.mu.Lock()
	if s.done {
		v, err := s.value, s.err
		s.mu.Unlock()
		s.schedule(cont, v, err)
		return
	}
	s.continuation = cont
	s.mu.Unlock()
}

// Done reports whether the future has resolved.
func (f Future[T]) Done() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.done
}

// Wait blocks until resolution and returns the outcome. Alien threads only:
// a reactor thread blocking here would deadlock its own shard.
func (f Future[T]) Wait() (T, error) {
	s := f.s
	s.mu.Lock()
	if s.done {
		defer s.mu.Unlock()
		return s.value, s.err
	}
	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	<-w
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}
