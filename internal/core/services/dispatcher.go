package services

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const dispatcherQueueSize = 1024

// dispatcher runs queued callbacks one at a time on a single goroutine so
// session state is only ever mutated from one place.
type dispatcher struct {
	logger *zap.SugaredLogger

	callbackCh chan func()
	closeCh    chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once
}

func newDispatcher(logger *zap.SugaredLogger) *dispatcher {
	d := &dispatcher{
		logger:     logger,
		callbackCh: make(chan func(), dispatcherQueueSize),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.closeCh:
			return
		case fn := <-d.callbackCh:
			d.run(fn)
		}
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("session callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Post queues fn. It reports false once the dispatcher is closed.
func (d *dispatcher) Post(fn func()) bool {
	select {
	case <-d.closeCh:
		return false
	default:
	}
	select {
	case d.callbackCh <- fn:
		return true
	case <-d.closeCh:
		return false
	}
}

// Close stops the loop; queued callbacks that have not started are dropped.
func (d *dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
	})
	<-d.doneCh
}
