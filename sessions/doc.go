// Package sessions implements the server side of a Bayeux client session:
// the per-client outbound queue together with the rules that decide when and
// how queued messages leave the server.
//
// A Session is owned by a registry (see server.Server) that implements Owner.
// Transports never read the queue directly; they register a Scheduler and
// are woken when there is something to send, at which point they call
// TakeQueue.
//
// # Delivery pipeline
//
//	Deliver(sender, msg)
//	  -> Owner.ExtendOutgoing        server-wide outgoing extensions
//	  -> self-delivery check         broadcast-to-publisher policy
//	  -> session extensions          reverse registration order, may replace or veto
//	  -> msg.Freeze()
//	  -> MessageListener fold        first false drops the message
//	  -> enqueue                     MaxQueueListener consulted when over capacity
//	  -> wakeup                      lazy timer or Flush, unless batching
//
// Flush wakes the attached Scheduler. A one-shot scheduler (a suspended
// long-poll) is detached by the wakeup that uses it. A local session has no
// scheduler and hands each message to its LocalReceiver instead.
//
// # Locking
//
// Every piece of mutable session state is guarded by a single mutex. Calls
// into schedulers, channels, receivers and most listeners happen after the
// mutex is released: the locked half of an operation returns a small action
// value that the unlocked half executes. MaxQueueListener and DeQueueListener
// run with the mutex held because they inspect the queue; they must not call
// back into the session.
//
// # Failure model
//
// Extensions and listeners are user code. A panic inside one is recovered,
// logged, and treated as "continue": the message is not lost because of a
// faulty callback.
package sessions
