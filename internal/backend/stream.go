package backend

import (
	"sync"

	"github.com/google/uuid"
)

// Stream is a Subscription fed by a backend implementation. Offer never
// blocks the producer: events queue until the consumer reads them, and are
// delivered in the order offered.
type Stream struct {
	id    string
	table string

	mu     sync.Mutex
	queue  []ChangeEvent
	ended  bool
	err    error
	notify chan struct{}

	done    chan struct{}
	out     chan ChangeEvent
	once    sync.Once
	onClose func()
}

// NewStream starts a stream for table. onClose, when set, runs once when the
// consumer unsubscribes.
func NewStream(table string, onClose func()) *Stream {
	s := &Stream{
		id:      uuid.NewString(),
		table:   table,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan ChangeEvent),
		onClose: onClose,
	}
	go s.run()
	return s
}

func (s *Stream) ID() string                  { return s.id }
func (s *Stream) Table() string               { return s.table }
func (s *Stream) Events() <-chan ChangeEvent { return s.out }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Offer queues ev for delivery. It reports false once the stream has ended.
func (s *Stream) Offer(ev ChangeEvent) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return false
	default:
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

// End stops accepting events. Queued events are still delivered before the
// channel closes. A non-nil err is reported through Err.
func (s *Stream) End(err error) {
	s.mu.Lock()
	if !s.ended {
		s.ended = true
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

// Unsubscribe closes the stream immediately, dropping anything queued.
func (s *Stream) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
