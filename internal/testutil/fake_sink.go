// Package testutil provides configurable test fakes for relay interfaces.
package testutil

import (
	"context"
	"sync"
	"time"

	relay "github.com/eugener/relay/internal"
)

// RecordingSink is a relay.Sink that records every signal it accepts.
type RecordingSink struct {
	// OpenFn, when set, overrides Open.
	OpenFn func(h relay.Handle) error
	// DeliverFn, when set, is consulted before recording; a non-nil error
	// rejects the signal.
	DeliverFn func(ctx context.Context, s relay.Signal) error

	mu      sync.Mutex
	opened  []relay.Handle
	gone    map[relay.Handle]chan struct{}
	signals []relay.Signal
	notify  chan struct{}
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		gone:   make(map[relay.Handle]chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Open records h.
func (s *RecordingSink) Open(h relay.Handle) error {
	if s.OpenFn != nil {
		if err := s.OpenFn(h); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.opened = append(s.opened, h)
	s.goneLocked(h)
	s.mu.Unlock()
	return nil
}

// Gone returns the channel closed by Leave. It implements
// relay.ConsumerWatcher.
func (s *RecordingSink) Gone(h relay.Handle) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goneLocked(h)
}

// Leave simulates the consumer of h going away.
func (s *RecordingSink) Leave(h relay.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.goneLocked(h)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (s *RecordingSink) goneLocked(h relay.Handle) chan struct{} {
	ch, ok := s.gone[h]
	if !ok {
		ch = make(chan struct{})
		s.gone[h] = ch
	}
	return ch
}

// Deliver records sig unless DeliverFn rejects it.
func (s *RecordingSink) Deliver(ctx context.Context, sig relay.Signal) error {
	if s.DeliverFn != nil {
		if err := s.DeliverFn(ctx, sig); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Opened returns the handles passed to Open.
func (s *RecordingSink) Opened() []relay.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Handle(nil), s.opened...)
}

// Signals returns a copy of the recorded signals.
func (s *RecordingSink) Signals() []relay.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Signal(nil), s.signals...)
}

// Chunks returns the data of recorded chunk signals in order.
func (s *RecordingSink) Chunks() []string {
	var out []string
	for _, sig := range s.Signals() {
		if sig.Kind == relay.SignalChunk {
			out = append(out, sig.Data)
		}
	}
	return out
}

// WaitTerminal blocks until a terminal signal has been recorded or timeout
// elapses. It returns the terminal signal and whether one arrived.
func (s *RecordingSink) WaitTerminal(timeout time.Duration) (relay.Signal, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, sig := range s.Signals() {
			if sig.Terminal() {
				return sig, true
			}
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return relay.Signal{}, false
		}
	}
}
