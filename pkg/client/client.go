package client

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

// DefaultTimeout bounds one administrative request including redirects
const DefaultTimeout = 30 * time.Second

// redirects bounds how often a NotPrimary answer is followed
const redirects = 3

// Client sends administrative requests to the failover manager
type Client struct {
	trans   transport.Transport
	fm      *transport.FMTransport
	timeout time.Duration
}

// NewClient connects to the FM replica set through any replica at fmAddr.
// A nil tlsConfig uses plaintext.
func NewClient(fmAddr string, tlsConfig *tls.Config) *Client {
	return NewClientWithTransport(transport.NewGRPCTransport(transport.GRPCOptions{TLS: tlsConfig}), fmAddr)
}

// NewClientWithTransport uses t to reach the FM; the client owns t
func NewClientWithTransport(t transport.Transport, fmAddr string) *Client {
	return &Client{
		trans:   t,
		fm:      transport.NewFMTransport(t, fmAddr, message.PriorityHigh),
		timeout: DefaultTimeout,
	}
}

// SetTimeout changes the bound of each request
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// FMAddress is where the next request goes; it follows redirects
func (c *Client) FMAddress() string {
	return c.fm.FMAddress()
}

// Close closes the connection
func (c *Client) Close() error {
	return c.trans.Close()
}

// CreateFailoverUnit creates one partition of a service
func (c *Client) CreateFailoverUnit(ctx context.Context, req message.CreateFailoverUnitBody) (types.FailoverUnitID, error) {
	reply, err := c.request(ctx, message.ActionCreateFailoverUnit, req)
	if err != nil {
		return types.FailoverUnitID{}, err
	}
	var body message.CreateFailoverUnitReplyBody
	if err := reply.Decode(&body); err != nil {
		return types.FailoverUnitID{}, err
	}
	return body.FailoverUnitID, nil
}

// StartFabricUpgrade asks the FM to roll the cluster to desc
func (c *Client) StartFabricUpgrade(ctx context.Context, desc types.FabricUpgradeDescription) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	_, err := c.request(ctx, message.ActionFabricUpgradeRequest, message.FabricUpgradeRequestBody{Upgrade: desc})
	return err
}

// ListFailoverUnits returns the units changed after since; the zero
// version lists all of them
func (c *Client) ListFailoverUnits(ctx context.Context, since types.ServiceLocationVersion) (*message.QueryFailoverUnitsReplyBody, error) {
	reply, err := c.request(ctx, message.ActionQueryFailoverUnits, message.QueryFailoverUnitsBody{Since: since})
	if err != nil {
		return nil, err
	}
	var body message.QueryFailoverUnitsReplyBody
	if err := reply.Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

// request follows NotPrimary answers from secondaries to the primary
func (c *Client) request(ctx context.Context, action message.Action, body interface{}) (*message.Message, error) {
	msg, err := message.New(action, body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for attempt := 0; ; attempt++ {
		reply, err := c.fm.RequestFM(ctx, types.FailoverUnitID{}, msg)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, errcode.ErrNotPrimary) || attempt == redirects {
			return nil, errors.Wrapf(err, "%s request to %s failed", action, c.fm.FMAddress())
		}
	}
}
