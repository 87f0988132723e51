package gateway

import (
	"context"
	"sync"
)

// Loop runs posted functions one at a time on a single goroutine. Every
// change to a session's directories, correlators, bridge and transfers goes
// through it.
type Loop struct {
	tasks chan func()
	stop  chan struct{}
	once  sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan func(), 256),
		stop:  make(chan struct{}),
	}
}

// Post queues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// Call runs fn on the loop and waits for it to return. It must not be used
// from inside the loop.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.stop:
		return false
	}
}

// Run executes posted functions until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.stop }
