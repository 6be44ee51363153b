package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/types"
)

func heartbeat(t *testing.T, nodeID string) *message.Message {
	t.Helper()
	m, err := message.New(message.ActionNodeHeartbeat, message.HeartbeatBody{
		Node: types.NodeInstance{NodeID: nodeID, InstanceID: 1},
	})
	require.NoError(t, err)
	return m
}

// echoHandler answers every request with an Ack
func echoHandler(ctx context.Context, msg *message.Message, rc ReceiverContext) {
	reply, _ := message.Reply(msg, message.ActionAck, nil)
	_ = rc.Reply(reply)
}

func TestInmemRequestReply(t *testing.T) {
	network := NewInmemNetwork()
	fm := network.NewTransport("fm")
	node := network.NewTransport("n1")
	fm.RegisterHandler(message.ActionNodeHeartbeat, echoHandler)

	req := heartbeat(t, "N1")
	reply, err := node.Request(context.Background(), "fm", req)
	require.NoError(t, err)
	assert.Equal(t, message.ActionAck, reply.Action)
	assert.Equal(t, req.ActivityID, reply.ActivityID)
}

func TestInmemOneWayReplyReturnsToSender(t *testing.T) {
	network := NewInmemNetwork()
	fm := network.NewTransport("fm")
	node := network.NewTransport("n1")

	fm.RegisterHandler(message.ActionReplicaUp, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		assert.Equal(t, "n1", rc.From())
		reply, _ := message.Reply(msg, message.ActionReplicaUpReply, message.ReplicaUpReplyBody{})
		_ = rc.Reply(reply)
	})
	got := make(chan *message.Message, 1)
	node.RegisterHandler(message.ActionReplicaUpReply, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		got <- msg
	})

	req, err := message.New(message.ActionReplicaUp, message.ReplicaUpMessageBody{})
	require.NoError(t, err)
	require.NoError(t, node.SendOneWay(context.Background(), "fm", req))

	select {
	case reply := <-got:
		assert.Equal(t, req.ActivityID, reply.ActivityID)
		assert.Equal(t, "fm", reply.From)
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestInmemRejectCarriesErrorCode(t *testing.T) {
	network := NewInmemNetwork()
	fm := network.NewTransport("fm")
	node := network.NewTransport("n1")
	fm.RegisterHandler(message.ActionNodeHeartbeat, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		_ = rc.Reject(errors.Wrap(errcode.ErrServiceBusy, "queue full"))
	})

	_, err := node.Request(context.Background(), "fm", heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrServiceBusy))
	assert.True(t, errcode.IsRetryable(err))

	// no handler registered for this action
	m, _ := message.New(message.ActionLoadReport, message.LoadReportBody{})
	_, err = node.Request(context.Background(), "fm", m)
	assert.True(t, errors.Is(err, errcode.ErrInvalidArgument))
}

func TestInmemCutLinkTimesOut(t *testing.T) {
	network := NewInmemNetwork()
	fm := network.NewTransport("fm")
	node := network.NewTransport("n1")
	fm.RegisterHandler(message.ActionNodeHeartbeat, echoHandler)

	network.Cut("n1", "fm")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := node.Request(ctx, "fm", heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrTimeout))

	network.Heal("n1", "fm")
	_, err = node.Request(context.Background(), "fm", heartbeat(t, "N1"))
	assert.NoError(t, err)
}

func TestInmemUnknownOrClosedTarget(t *testing.T) {
	network := NewInmemNetwork()
	fm := network.NewTransport("fm")
	node := network.NewTransport("n1")

	err := node.SendOneWay(context.Background(), "nowhere", heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrUnreachable))

	require.NoError(t, fm.Close())
	err = node.SendOneWay(context.Background(), "fm", heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrUnreachable))

	require.NoError(t, node.Close())
	err = node.SendOneWay(context.Background(), "fm", heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrObjectClosed))
}

func TestFMTransportFollowsNotPrimary(t *testing.T) {
	network := NewInmemNetwork()
	old := network.NewTransport("fm-old")
	primary := network.NewTransport("fm-new")
	node := network.NewTransport("n1")

	old.RegisterHandler(message.ActionNodeHeartbeat, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		_ = rc.Reply(message.NotPrimaryReply(msg, errcode.ErrNotPrimary, "fm-new"))
	})
	primary.RegisterHandler(message.ActionNodeHeartbeat, echoHandler)

	fmTransport := NewFMTransport(node, "fm-old", message.PriorityHigh)
	id := types.NewFailoverUnitID()

	_, err := fmTransport.RequestFM(context.Background(), id, heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrNotPrimary))
	assert.Equal(t, "fm-new", fmTransport.FMAddress())

	req := heartbeat(t, "N1")
	_, err = fmTransport.RequestFM(context.Background(), id, req)
	require.NoError(t, err)
	assert.Equal(t, message.PriorityHigh, req.Priority)

	// the FM partition still goes to the master
	_, err = fmTransport.RequestFM(context.Background(), types.FMFailoverUnitID, heartbeat(t, "N1"))
	assert.True(t, errors.Is(err, errcode.ErrNotPrimary))
}

func newBufconnPair(t *testing.T) (server, client *GRPCTransport) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}

	server = NewGRPCTransport(GRPCOptions{Address: "fm"})
	go func() { _ = server.Serve(lis) }()
	client = NewGRPCTransport(GRPCOptions{Address: "n1", Dialer: dialer})
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestGRPCRequestReply(t *testing.T) {
	server, client := newBufconnPair(t)
	server.RegisterHandler(message.ActionNodeHeartbeat, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		assert.Equal(t, "n1", rc.From())
		var body message.HeartbeatBody
		if err := msg.Decode(&body); err != nil {
			_ = rc.Reject(err)
			return
		}
		reply, _ := message.Reply(msg, message.ActionAck, body)
		_ = rc.Reply(reply)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := heartbeat(t, "N7")
	reply, err := client.Request(ctx, "bufnet", req)
	require.NoError(t, err)
	assert.Equal(t, req.ActivityID, reply.ActivityID)

	var body message.HeartbeatBody
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, "N7", body.Node.NodeID)
}

func TestGRPCRejectAndOneWay(t *testing.T) {
	server, client := newBufconnPair(t)
	server.RegisterHandler(message.ActionPLBSafetyCheck, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		_ = rc.Reject(errors.Wrap(errcode.ErrApplicationNotUpgrading, "application app"))
	})
	got := make(chan *message.Message, 1)
	server.RegisterHandler(message.ActionNodeHeartbeat, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {
		got <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := message.New(message.ActionPLBSafetyCheck, message.PLBSafetyCheckBody{ApplicationID: "app"})
	require.NoError(t, err)
	_, err = client.Request(ctx, "bufnet", m)
	assert.True(t, errors.Is(err, errcode.ErrApplicationNotUpgrading))

	require.NoError(t, client.SendOneWay(ctx, "bufnet", heartbeat(t, "N1")))
	select {
	case msg := <-got:
		assert.Equal(t, "n1", msg.From)
	case <-ctx.Done():
		t.Fatal("one-way message not delivered")
	}
}

func TestGRPCRequestTimesOutWithoutReply(t *testing.T) {
	server, client := newBufconnPair(t)
	server.RegisterHandler(message.ActionNodeHeartbeat, func(ctx context.Context, msg *message.Message, rc ReceiverContext) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, "bufnet", heartbeat(t, "N1"))
	assert.True(t, errcode.IsRetryable(err))
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "Send", methodName(sendMethod))
	assert.Equal(t, "Request", methodName(requestMethod))
	assert.Equal(t, "bare", methodName("bare"))
}
