package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/types"
)

// FMTransport addresses the FM from a node. Messages about the FM's own
// partition go to the FM master (FMM) instead.
type FMTransport struct {
	t        Transport
	priority message.Priority

	mu      sync.RWMutex
	fmAddr  string
	fmmAddr string
}

// NewFMTransport sends to fmAddr with the given priority. The FMM is
// assumed to share the address until told otherwise.
func NewFMTransport(t Transport, fmAddr string, priority message.Priority) *FMTransport {
	return &FMTransport{
		t:        t,
		priority: priority,
		fmAddr:   fmAddr,
		fmmAddr:  fmAddr,
	}
}

// Transport returns the underlying transport
func (f *FMTransport) Transport() Transport {
	return f.t
}

func (f *FMTransport) FMAddress() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fmAddr
}

func (f *FMTransport) SetFMAddress(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fmAddr = addr
}

func (f *FMTransport) SetFMMAddress(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fmmAddr = addr
}

func (f *FMTransport) target(id types.FailoverUnitID) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id.IsFM() {
		return f.fmmAddr
	}
	return f.fmAddr
}

func (f *FMTransport) prepare(msg *message.Message) {
	if msg.Priority < f.priority {
		msg.Priority = f.priority
	}
}

// SendToFM sends a one-way message about the failover unit id
func (f *FMTransport) SendToFM(ctx context.Context, id types.FailoverUnitID, msg *message.Message) error {
	f.prepare(msg)
	return f.t.SendOneWay(ctx, f.target(id), msg)
}

// RequestFM sends a request about the failover unit id. A NotPrimary reply
// naming the new primary redirects later messages there.
func (f *FMTransport) RequestFM(ctx context.Context, id types.FailoverUnitID, msg *message.Message) (*message.Message, error) {
	f.prepare(msg)
	reply, err := f.t.Request(ctx, f.target(id), msg)
	if err != nil && errors.Is(err, errcode.ErrNotPrimary) && reply != nil {
		var body message.NotPrimaryBody
		if derr := reply.Decode(&body); derr == nil && body.PrimaryAddress != "" {
			if id.IsFM() {
				f.SetFMMAddress(body.PrimaryAddress)
			} else {
				f.SetFMAddress(body.PrimaryAddress)
			}
		}
	}
	return reply, err
}
