package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
)

type link struct {
	from, to string
}

// InmemNetwork connects in-process transports. Links can be cut to
// simulate partitions: one-way messages over a cut link are lost and
// requests time out.
type InmemNetwork struct {
	mu         sync.RWMutex
	transports map[string]*InmemTransport
	cut        map[link]bool
}

func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		transports: make(map[string]*InmemTransport),
		cut:        make(map[link]bool),
	}
}

// NewTransport attaches a transport at addr, replacing any previous one
func (n *InmemNetwork) NewTransport(addr string) *InmemTransport {
	t := &InmemTransport{
		network:    n,
		addr:       addr,
		dispatcher: newDispatcher(log.WithComponent("transport").With().Str("address", addr).Logger()),
	}
	n.mu.Lock()
	n.transports[addr] = t
	n.mu.Unlock()
	return t
}

// Cut drops traffic from one address to another
func (n *InmemNetwork) Cut(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{from, to}] = true
}

// Heal restores traffic cut by Cut
func (n *InmemNetwork) Heal(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, link{from, to})
}

func (n *InmemNetwork) route(from, to string) (*InmemTransport, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	dst, ok := n.transports[to]
	if !ok || dst.isClosed() {
		return nil, false, errors.Wrapf(errcode.ErrUnreachable, "no transport at %s", to)
	}
	return dst, n.cut[link{from, to}], nil
}

func (n *InmemNetwork) detach(t *InmemTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.transports[t.addr] == t {
		delete(n.transports, t.addr)
	}
}

// InmemTransport is a Transport on an InmemNetwork
type InmemTransport struct {
	*dispatcher
	network *InmemNetwork
	addr    string
}

func (t *InmemTransport) Address() string {
	return t.addr
}

func (t *InmemTransport) SendOneWay(ctx context.Context, target string, msg *message.Message) error {
	if t.isClosed() {
		return errors.Wrap(errcode.ErrObjectClosed, "transport")
	}
	dst, cut, err := t.network.route(t.addr, target)
	if err != nil {
		return err
	}
	countSent(msg)
	if cut {
		return nil
	}

	in := msg.Clone()
	in.From = t.addr
	rc := newOneWayContext(t.addr, in, dst.SendOneWay, dst.logger)
	go dst.dispatch(context.Background(), in, rc)
	return nil
}

func (t *InmemTransport) Request(ctx context.Context, target string, msg *message.Message) (*message.Message, error) {
	if t.isClosed() {
		return nil, errors.Wrap(errcode.ErrObjectClosed, "transport")
	}
	dst, cut, err := t.network.route(t.addr, target)
	if err != nil {
		return nil, err
	}
	countSent(msg)

	in := msg.Clone()
	in.From = t.addr
	rc := newRequestContext(t.addr, in)
	if !cut {
		go dst.dispatch(ctx, in, rc)
	}
	reply, err := rc.wait(ctx)
	if err != nil {
		return nil, err
	}
	return replyError(reply.Clone())
}

func (t *InmemTransport) Close() error {
	if t.close() {
		t.network.detach(t)
	}
	return nil
}
