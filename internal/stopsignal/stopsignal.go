// Package stopsignal implements the process-wide "stop on first hit"
// latch (C10): a single boolean that, once set, cannot be cleared
// within a run, observed both by non-blocking polls at loop heads and
// by blocking waiters inside in-flight runners.
package stopsignal

import "sync"

// Source identifies what raised the stop signal, for logging only.
type Source string

const (
	SourceHit       Source = "hit"
	SourceInterrupt Source = "interrupt"
	SourceFatal     Source = "fatal"
)

// Signal is a single latched stop flag. The zero value is unset, ready
// to use; it must not be copied after first use.
type Signal struct {
	once   sync.Once
	ch     chan struct{}
	initMu sync.Mutex
	src    Source
}

func (s *Signal) lazyInit() {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
}

func (s *Signal) channel() chan struct{} {
	s.lazyInit()
	return s.ch
}

// Raise sets the latch idempotently, recording src on the first call
// only. Safe to call concurrently and repeatedly.
func (s *Signal) Raise(src Source) {
	ch := s.channel()
	s.once.Do(func() {
		s.src = src
		close(ch)
	})
}

// Stopped is a non-blocking poll, intended for loop heads: "before
// dequeuing, before spawning, and after each completion" per the
// dispatcher's stop-propagation contract.
func (s *Signal) Stopped() bool {
	select {
	case <-s.channel():
		return true
	default:
		return false
	}
}

// Done returns a channel that closes the moment the latch is raised,
// for use in select statements by blocking runners.
func (s *Signal) Done() <-chan struct{} {
	return s.channel()
}

// Source reports what raised the signal; only meaningful once Stopped()
// is true.
func (s *Signal) Source() Source {
	return s.src
}

// NotifyHit is the narrow capability injected into the output parser so
// it can raise the stop signal without importing the dispatcher or
// knowing about the broader Signal type.
type NotifyHit func()

// AsNotifyHit adapts a Signal into a NotifyHit capability.
func (s *Signal) AsNotifyHit() NotifyHit {
	return func() { s.Raise(SourceHit) }
}
