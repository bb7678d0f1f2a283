package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// MessageWriter sends a batch of messages to the client.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs []*bayeux.Message) error
}

type MessageWriterFunc func(ctx context.Context, msgs []*bayeux.Message) error

func (f MessageWriterFunc) WriteMessages(ctx context.Context, msgs []*bayeux.Message) error {
	return f(ctx, msgs)
}

// Stream is the persistent scheduler of a connection that can push
// messages at any time. Run drains the session queue on every wakeup;
// writes from Run and Send never overlap.
type Stream struct {
	session   *sessions.Session
	transport sessions.Transport
	w         MessageWriter

	writeMu sync.Mutex

	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason error
}

var _ sessions.Scheduler = (*Stream)(nil)

// NewStream creates the scheduler for s connected through t, writing to w.
func NewStream(s *sessions.Session, t sessions.Transport, w MessageWriter) *Stream {
	return &Stream{
		session:   s,
		transport: t,
		w:         w,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (st *Stream) Schedule() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (st *Stream) Cancel() { st.finish(ErrReplaced) }

func (st *Stream) Destroy() { st.finish(ErrDestroyed) }

func (st *Stream) finish(reason error) {
	st.once.Do(func() {
		st.mu.Lock()
		st.reason = reason
		st.mu.Unlock()
		close(st.done)
	})
}

func (st *Stream) err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reason
}

// Run attaches the stream to its session and delivers queued messages until
// ctx ends, the stream is replaced or destroyed, or a write fails. Session
// expiry is suspended while it runs.
func (st *Stream) Run(ctx context.Context) error {
	s := st.session
	s.CancelExpiration(true)
	s.SetScheduler(st)
	defer func() {
		s.DetachScheduler(st)
		s.ScheduleExpiration(st.transport.Options().Interval)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.done:
			return st.err()
		case <-st.wake:
			if s.MetaConnectDeliveryOnly() {
				continue
			}
			if msgs := s.TakeQueue(nil); len(msgs) > 0 {
				if err := st.write(ctx, msgs); err != nil {
					return err
				}
			}
		}
	}
}

// Send writes replies to the client, preceded by the session queue when
// Replies allows it.
func (st *Stream) Send(ctx context.Context, replies []*bayeux.Message) error {
	return st.write(ctx, Replies(st.session, replies))
}

func (st *Stream) write(ctx context.Context, msgs []*bayeux.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if err := st.w.WriteMessages(ctx, msgs); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}
