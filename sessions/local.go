package sessions

import (
	"log/slog"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// LocalReceiver consumes messages flushed from a local session.
type LocalReceiver interface {
	Receive(msg *bayeux.Message)
}

// LocalReceiverFunc adapts a function to LocalReceiver.
type LocalReceiverFunc func(msg *bayeux.Message)

func (f LocalReceiverFunc) Receive(msg *bayeux.Message) { f(msg) }

// deliverLocal hands each message to the receiver as a mutable copy.
func (s *Session) deliverLocal(msgs []*bayeux.Message) {
	for _, msg := range msgs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Info("session.local_receive.panic", slog.Any("panic", r), slog.String("channel", msg.Channel()))
				}
			}()
			s.local.Receive(msg.Copy())
		}()
	}
}
