package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/metrics"
)

// replyTimeout bounds one-way replies sent back to a message's sender
const replyTimeout = 10 * time.Second

// Handler processes one inbound message. It must not block the transport:
// long work is queued and answered later through rc.
type Handler func(ctx context.Context, msg *message.Message, rc ReceiverContext)

// ReceiverContext answers an inbound message
type ReceiverContext interface {
	// From is the sender's transport address
	From() string
	// Reply answers the message. A request gets the reply as its response;
	// a one-way message gets it as a one-way message back to the sender.
	Reply(reply *message.Message) error
	// Reject answers the message with err as a wire error code
	Reject(err error) error
}

// Transport moves messages between nodes and the FM
type Transport interface {
	// Address is the address other transports reach this one at
	Address() string
	SendOneWay(ctx context.Context, target string, msg *message.Message) error
	// Request sends msg and waits for the reply. A reply carrying an error
	// code is returned together with that error.
	Request(ctx context.Context, target string, msg *message.Message) (*message.Message, error)
	RegisterHandler(action message.Action, h Handler)
	UnregisterHandler(action message.Action)
	Close() error
}

// dispatcher routes inbound messages to registered handlers
type dispatcher struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[message.Action]Handler
	closed   bool
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		logger:   logger,
		handlers: make(map[message.Action]Handler),
	}
}

func (d *dispatcher) RegisterHandler(action message.Action, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

func (d *dispatcher) UnregisterHandler(action message.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, action)
}

func (d *dispatcher) close() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.closed = true
	return true
}

func (d *dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// dispatch runs the handler for msg inline
func (d *dispatcher) dispatch(ctx context.Context, msg *message.Message, rc ReceiverContext) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Action]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		_ = rc.Reject(errors.Wrap(errcode.ErrObjectClosed, "transport"))
		return
	}
	if !ok {
		d.logger.Debug().
			Str("action", string(msg.Action)).
			Str("from", rc.From()).
			Msg("No handler registered, dropping message")
		_ = rc.Reject(errors.Wrapf(errcode.ErrInvalidArgument, "no handler for %s", msg.Action))
		return
	}
	h(ctx, msg, rc)
}

type sendFunc func(ctx context.Context, target string, msg *message.Message) error

// receiverContext answers requests through a channel and one-way messages
// through a send back to the sender
type receiverContext struct {
	from    string
	request *message.Message
	send    sendFunc
	replies chan *message.Message
	logger  zerolog.Logger

	once sync.Once
}

func newRequestContext(from string, request *message.Message) *receiverContext {
	return &receiverContext{
		from:    from,
		request: request,
		replies: make(chan *message.Message, 1),
	}
}

func newOneWayContext(from string, request *message.Message, send sendFunc, logger zerolog.Logger) *receiverContext {
	return &receiverContext{
		from:    from,
		request: request,
		send:    send,
		logger:  logger,
	}
}

func (rc *receiverContext) From() string {
	return rc.from
}

func (rc *receiverContext) Reply(reply *message.Message) error {
	if reply.ActivityID == "" {
		reply.ActivityID = rc.request.ActivityID
	}

	if rc.replies != nil {
		sent := false
		rc.once.Do(func() {
			rc.replies <- reply
			sent = true
		})
		if !sent {
			return errors.Wrapf(errcode.ErrInvalidArgument, "%s already answered", rc.request.Action)
		}
		return nil
	}

	if reply.ErrorCode != "" {
		// one-way senders retry on their own schedule
		rc.logger.Debug().
			Str("action", string(rc.request.Action)).
			Str("error_code", reply.ErrorCode).
			Msg("One-way message rejected")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	return rc.send(ctx, rc.from, reply)
}

func (rc *receiverContext) Reject(err error) error {
	return rc.Reply(message.ErrorReply(rc.request, err))
}

// wait blocks until the handler replied or ctx is done
func (rc *receiverContext) wait(ctx context.Context) (*message.Message, error) {
	select {
	case reply := <-rc.replies:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(errcode.ErrTimeout, "no reply to %s: %v", rc.request.Action, ctx.Err())
	}
}

// replyError surfaces the error code of a reply
func replyError(reply *message.Message) (*message.Message, error) {
	if err := reply.Err(); err != nil {
		return reply, err
	}
	return reply, nil
}

func countSent(msg *message.Message) {
	metrics.MessagesSent.WithLabelValues(string(msg.Action)).Inc()
}
