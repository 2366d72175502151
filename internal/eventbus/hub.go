// Package eventbus delivers stream signals from relay pipelines to their
// subscribers through per-handle mailboxes.
//
// The Hub lives for the whole process. A mailbox is opened when a stream
// starts and removed once its subscriber has consumed the terminal signal,
// leaves, or never shows up.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/eugener/relay/internal"
)

// Outcome records how a finished stream ended, for late subscribers.
type Outcome int

const (
	// OutcomeCompleted: the terminal stream-end signal was consumed.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed: the terminal stream-error signal was consumed.
	OutcomeFailed
	// OutcomeCancelled: the subscriber left or cancelled before the end.
	OutcomeCancelled
	// OutcomeAbandoned: nobody consumed the stream in time.
	OutcomeAbandoned
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Options configures a Hub.
type Options struct {
	MailboxSize    int           // buffered signals per stream
	DeliverTimeout time.Duration // how long Deliver waits on a full mailbox
	OrphanTTL      time.Duration // unsubscribed or finished-but-unread lifetime
	TombstoneTTL   time.Duration // how long finished handles are remembered
	TombstoneMax   int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MailboxSize:    256,
		DeliverTimeout: 5 * time.Second,
		OrphanTTL:      2 * time.Minute,
		TombstoneTTL:   10 * time.Minute,
		TombstoneMax:   100_000,
	}
}

type mailbox struct {
	handle  relay.Handle
	ch      chan relay.Signal // chunk signals only
	ended   chan struct{}     // closed once terminal is set
	done    chan struct{}     // closed when the consumer side goes away
	once    sync.Once
	created time.Time

	// guarded by Hub.mu
	subscribed   bool
	finished     bool
	finishedAt   time.Time
	terminal     relay.Signal
	terminalRead bool
	outcome      Outcome
}

func (m *mailbox) close() { m.once.Do(func() { close(m.done) }) }

// Hub is the process-wide registry of stream mailboxes. It implements relay.Sink.
type Hub struct {
	opts  Options
	tombs *otter.Cache[relay.Handle, Outcome]
	now   func() time.Time

	mu    sync.Mutex
	boxes map[relay.Handle]*mailbox
}

// New creates a Hub. Zero option fields take their defaults.
func New(opts Options) (*Hub, error) {
	def := DefaultOptions()
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = def.MailboxSize
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = def.DeliverTimeout
	}
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = def.OrphanTTL
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = def.TombstoneTTL
	}
	if opts.TombstoneMax <= 0 {
		opts.TombstoneMax = def.TombstoneMax
	}

	tombs, err := otter.New(&otter.Options[relay.Handle, Outcome]{
		MaximumSize:      opts.TombstoneMax,
		ExpiryCalculator: otter.ExpiryWriting[relay.Handle, Outcome](opts.TombstoneTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create tombstone cache: %w", err)
	}
	return &Hub{
		opts:  opts,
		tombs: tombs,
		now:   time.Now,
		boxes: make(map[relay.Handle]*mailbox),
	}, nil
}

// Open registers a mailbox for h. Handles are never reused.
func (h *Hub) Open(handle relay.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.boxes[handle]; ok {
		return fmt.Errorf("stream %s: %w", handle, relay.ErrConflict)
	}
	if _, ok := h.tombs.GetIfPresent(handle); ok {
		return fmt.Errorf("stream %s: %w", handle, relay.ErrConflict)
	}
	h.boxes[handle] = &mailbox{
		handle:  handle,
		ch:      make(chan relay.Signal, h.opts.MailboxSize),
		ended:   make(chan struct{}),
		done:    make(chan struct{}),
		created: h.now(),
	}
	return nil
}

// Deliver enqueues s into its stream's mailbox. It fails with
// relay.ErrSinkClosed once the consumer side has gone away. A chunk signal
// fails with relay.ErrSinkFull when the mailbox stays full for the deliver
// timeout; the terminal signal never waits for room.
func (h *Hub) Deliver(ctx context.Context, s relay.Signal) error {
	if s.Terminal() {
		return h.finish(s)
	}
	h.mu.Lock()
	mb := h.boxes[s.Handle]
	h.mu.Unlock()
	if mb == nil {
		return fmt.Errorf("stream %s: %w", s.Handle, relay.ErrSinkClosed)
	}

	select {
	case <-mb.done:
		return fmt.Errorf("stream %s: %w", s.Handle, relay.ErrSinkClosed)
	default:
	}
	select {
	case mb.ch <- s:
		return nil
	default:
	}

	timer := time.NewTimer(h.opts.DeliverTimeout)
	defer timer.Stop()
	select {
	case mb.ch <- s:
		return nil
	case <-mb.done:
		return fmt.Errorf("stream %s: %w", s.Handle, relay.ErrSinkClosed)
	case <-timer.C:
		return fmt.Errorf("stream %s: %w after %s", s.Handle, relay.ErrSinkFull, h.opts.DeliverTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish records the terminal signal outside the bounded chunk queue.
func (h *Hub) finish(s relay.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb := h.boxes[s.Handle]
	if mb == nil {
		return fmt.Errorf("stream %s: %w", s.Handle, relay.ErrSinkClosed)
	}
	if mb.finished {
		return fmt.Errorf("stream %s already ended: %w", s.Handle, relay.ErrConflict)
	}
	mb.finished = true
	mb.finishedAt = h.now()
	mb.terminal = s
	mb.outcome = OutcomeCompleted
	if s.Kind == relay.SignalError {
		mb.outcome = OutcomeFailed
	}
	close(mb.ended)
	return nil
}

// Gone returns a channel closed when the consumer side of handle goes away:
// cancelled, detached early or reaped. Unknown handles yield a closed channel.
// It implements relay.ConsumerWatcher.
func (h *Hub) Gone(handle relay.Handle) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mb := h.boxes[handle]; mb != nil {
		return mb.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Subscription is the single consumer attached to one stream.
//
// Chunk signals arrive on C in order. Once Ended is closed no further chunk
// is sent; the consumer drains C and then reads the final signal with
// Terminal.
type Subscription struct {
	C <-chan relay.Signal

	hub *Hub
	mb  *mailbox
}

// Handle returns the subscribed stream handle.
func (s *Subscription) Handle() relay.Handle { return s.mb.handle }

// Done is closed when the stream is cancelled from elsewhere or reaped.
func (s *Subscription) Done() <-chan struct{} { return s.mb.done }

// Ended is closed once the stream's terminal signal has been recorded.
func (s *Subscription) Ended() <-chan struct{} { return s.mb.ended }

// Terminal returns the terminal signal and marks it consumed. It must only
// be called after Ended is closed.
func (s *Subscription) Terminal() relay.Signal {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.mb.terminalRead = true
	return s.mb.terminal
}

// Close detaches the subscriber. After the terminal signal has been read the
// stream is retired with its outcome; otherwise the stream is cancelled.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	outcome := OutcomeCancelled
	if s.mb.terminalRead {
		outcome = s.mb.outcome
	}
	h.retireLocked(s.mb, outcome)
}

// Subscribe attaches the single consumer of a stream. It fails with
// relay.ErrNotFound for unknown handles, relay.ErrGone for finished ones and
// relay.ErrConflict when a consumer is already attached.
func (h *Hub) Subscribe(handle relay.Handle) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb := h.boxes[handle]
	if mb == nil {
		if outcome, ok := h.tombs.GetIfPresent(handle); ok {
			return nil, fmt.Errorf("stream %s %s: %w", handle, outcome, relay.ErrGone)
		}
		return nil, fmt.Errorf("stream %s: %w", handle, relay.ErrNotFound)
	}
	if mb.subscribed {
		return nil, fmt.Errorf("stream %s already has a subscriber: %w", handle, relay.ErrConflict)
	}
	mb.subscribed = true
	return &Subscription{C: mb.ch, hub: h, mb: mb}, nil
}

// Cancel closes a stream's mailbox from the consumer side. Gone fires and
// further deliveries fail.
func (h *Hub) Cancel(handle relay.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb := h.boxes[handle]
	if mb == nil {
		if _, ok := h.tombs.GetIfPresent(handle); ok {
			return fmt.Errorf("stream %s: %w", handle, relay.ErrGone)
		}
		return fmt.Errorf("stream %s: %w", handle, relay.ErrNotFound)
	}
	h.retireLocked(mb, OutcomeCancelled)
	return nil
}

// Outcome returns the recorded outcome of a retired stream.
func (h *Hub) Outcome(handle relay.Handle) (Outcome, bool) {
	return h.tombs.GetIfPresent(handle)
}

// Reap retires mailboxes nobody subscribed to within the orphan TTL and
// finished mailboxes whose signals were not consumed within it. It returns
// the number of mailboxes retired.
func (h *Hub) Reap(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, mb := range h.boxes {
		switch {
		case mb.finished && !mb.terminalRead && now.Sub(mb.finishedAt) > h.opts.OrphanTTL:
		case !mb.subscribed && now.Sub(mb.created) > h.opts.OrphanTTL:
		default:
			continue
		}
		h.retireLocked(mb, OutcomeAbandoned)
		n++
	}
	return n
}

// Len returns the number of open mailboxes.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boxes)
}

func (h *Hub) retireLocked(mb *mailbox, outcome Outcome) {
	if h.boxes[mb.handle] != mb {
		return
	}
	delete(h.boxes, mb.handle)
	mb.close()
	h.tombs.Set(mb.handle, outcome)
}
