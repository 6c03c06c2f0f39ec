package localnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-beaconp2p"
	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

const blockTopic = "/eth2/beacon_block/ssz"

func template(discovery bool) *config.Config {
	cfg := config.NewConfig()
	cfg.Transport = cfg.Transport.WithListenIP("127.0.0.1").WithTCPPort(0).WithUDPPort(0)
	cfg.Discovery.Enabled = discovery
	cfg.RPC = cfg.RPC.WithHandshake(false)
	cfg.Gossip = cfg.Gossip.WithTopics(blockTopic)
	return cfg
}

func newNetwork(t *testing.T, tmpl *config.Config, extra int) Network {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := New(ctx, tmpl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	require.NoError(t, n.AddNodes(ctx, extra))
	require.Equal(t, extra+1, n.NodeCount())
	return n
}

func driveCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// subscribedCounter 统计每个节点看到的 PeerSubscribed
func subscribedCounter(size int) ([]int, func(int, types.Event)) {
	counts := make([]int, size)
	return counts, func(i int, ev types.Event) {
		if e, ok := ev.(types.PeerSubscribed); ok && e.Topic == types.TopicHash(blockTopic) {
			counts[i]++
		}
	}
}

// ════════════════════════════════════════════════════════════════════════════
// 发现
// ════════════════════════════════════════════════════════════════════════════

func TestNetwork_Discovery(t *testing.T) {
	n := newNetwork(t, template(true), 7)
	nodes := n.Nodes()
	boot := nodes[0]

	err := n.Drive(driveCtx(t), nil, func() bool {
		if boot.KnownPeerCount() < len(nodes)-1 {
			return false
		}
		for _, svc := range nodes[1:] {
			if svc.ConnectedPeerCount() == 0 {
				return false
			}
		}
		return true
	})
	require.NoError(t, err)

	for _, svc := range nodes[1:] {
		assert.Equal(t, types.ConnConnected, svc.PeerState(boot.LocalID()))
	}
}

func TestNetwork_ConcurrentAdd(t *testing.T) {
	n := newNetwork(t, template(false), 0)

	ctx := driveCtx(t)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				n.PollAll()
			}
		}
	}()

	require.NoError(t, n.AddNodes(ctx, 4))
	close(stop)
	<-done
	assert.Equal(t, 5, n.NodeCount())

	_, err := n.Node(5)
	assert.ErrorIs(t, err, ErrNoSuchNode)
}

// ════════════════════════════════════════════════════════════════════════════
// 广播
// ════════════════════════════════════════════════════════════════════════════

func TestNetwork_FullMeshPublish(t *testing.T) {
	const size = 13
	n := newNetwork(t, template(false), size-1)
	nodes := n.Nodes()
	require.NoError(t, ConnectFullMesh(nodes))

	subs, onSub := subscribedCounter(size)
	require.NoError(t, n.Drive(driveCtx(t), onSub, func() bool {
		for _, c := range subs {
			if c < size-1 {
				return false
			}
		}
		return true
	}))

	msg := types.Message{Kind: types.KindBeaconBlock, Data: []byte("block at slot 1")}
	_, err := nodes[0].Publish([]string{blockTopic}, msg)
	require.NoError(t, err)

	received := make([]int, size)
	onMsg := func(i int, ev types.Event) {
		e, ok := ev.(types.PubsubMessage)
		if !ok {
			return
		}
		assert.Equal(t, msg, e.Message)
		assert.Equal(t, []types.TopicHash{types.TopicHash(blockTopic)}, e.Topics)
		received[i]++
	}
	total := func() int {
		sum := 0
		for _, c := range received {
			sum += c
		}
		return sum
	}
	require.NoError(t, n.Drive(driveCtx(t), onMsg, func() bool { return total() >= size-1 }))

	// 再跑几轮，确认没有重复交付
	for i := 0; i < 20; i++ {
		for j, events := range n.PollAll() {
			for _, ev := range events {
				onMsg(j, ev)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, received[0], "publisher does not receive its own message")
	for i := 1; i < size; i++ {
		assert.Equal(t, 1, received[i], "node %d", i)
	}
}

func TestNetwork_BridgedMeshForward(t *testing.T) {
	const half = 6
	n := newNetwork(t, template(false), 2*half-1)
	nodes := n.Nodes()
	mesh1, mesh2 := nodes[:half], nodes[half:]
	require.NoError(t, ConnectFullMesh(mesh1))
	require.NoError(t, ConnectFullMesh(mesh2))
	// 边界节点：mesh1 的最后一个与 mesh2 的第一个
	require.NoError(t, Connect(mesh1[half-1], mesh2[0]))

	want := make([]int, 2*half)
	for i := range want {
		want[i] = half - 1
	}
	want[half-1]++
	want[half]++

	subs, onSub := subscribedCounter(2 * half)
	require.NoError(t, n.Drive(driveCtx(t), onSub, func() bool {
		for i, c := range subs {
			if c < want[i] {
				return false
			}
		}
		return true
	}))

	msg := types.Message{Kind: types.KindBeaconBlock, Data: []byte("bridged")}
	_, err := mesh1[0].Publish([]string{blockTopic}, msg)
	require.NoError(t, err)

	received := make([]int, 2*half)
	sources := make([]types.NodeID, 2*half)
	onMsg := func(i int, ev types.Event) {
		if e, ok := ev.(types.PubsubMessage); ok {
			received[i]++
			sources[i] = e.Source
		}
	}
	require.NoError(t, n.Drive(driveCtx(t), onMsg, func() bool {
		for i := 1; i < 2*half; i++ {
			if received[i] == 0 {
				return false
			}
		}
		return true
	}))

	for i := 0; i < 20; i++ {
		for j, events := range n.PollAll() {
			for _, ev := range events {
				onMsg(j, ev)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i := 1; i < 2*half; i++ {
		assert.Equal(t, 1, received[i], "node %d", i)
	}
	assert.Equal(t, mesh1[half-1].LocalID(), sources[half], "mesh2 receives through the border peer")
}

// ════════════════════════════════════════════════════════════════════════════
// RPC
// ════════════════════════════════════════════════════════════════════════════

func TestNetwork_RPCHello(t *testing.T) {
	n := newNetwork(t, template(false), 1)
	a, b := n.Nodes()[0], n.Nodes()[1]
	require.NoError(t, Connect(a, b))

	connected := false
	require.NoError(t, n.Drive(driveCtx(t), func(i int, ev types.Event) {
		if e, ok := ev.(types.PeerDialed); ok && i == 0 && e.Peer == b.LocalID() {
			connected = true
		}
	}, func() bool { return connected }))

	req := &types.HelloMessage{FinalizedEpoch: 1, HeadSlot: 1}
	id, err := a.SendRequest(b.LocalID(), req)
	require.NoError(t, err)
	require.Equal(t, types.RequestID(1), id)

	var got *types.RPC
	require.NoError(t, n.Drive(driveCtx(t), func(i int, ev types.Event) {
		if e, ok := ev.(types.RPC); ok && i == 1 {
			got = &e
		}
	}, func() bool { return got != nil }))

	assert.Equal(t, a.LocalID(), got.Peer)
	assert.Equal(t, types.RPCRequest{ID: 1, Body: req}, got.Event)

	require.NoError(t, b.SendResponse(a.LocalID(), 1, req))
	var resp *types.RPCResponse
	require.NoError(t, n.Drive(driveCtx(t), func(i int, ev types.Event) {
		if e, ok := ev.(types.RPC); ok && i == 0 {
			if r, ok := e.Event.(types.RPCResponse); ok {
				resp = &r
			}
		}
	}, func() bool { return resp != nil }))
	assert.Equal(t, types.RequestID(1), resp.ID)
	assert.Equal(t, req, resp.Body)
}

func TestNetwork_DisconnectPurge(t *testing.T) {
	n := newNetwork(t, template(false), 1)
	a, b := n.Nodes()[0], n.Nodes()[1]
	require.NoError(t, Connect(a, b))

	subscribed := false
	require.NoError(t, n.Drive(driveCtx(t), func(i int, ev types.Event) {
		if e, ok := ev.(types.PeerSubscribed); ok && i == 0 && e.Peer == b.LocalID() {
			subscribed = true
		}
	}, func() bool { return subscribed }))
	require.Contains(t, a.MeshPeers(types.TopicHash(blockTopic)), b.LocalID())

	_, err := a.SendRequest(b.LocalID(), &types.BlocksByRoot{Roots: []types.Root{{1}}})
	require.NoError(t, err)

	require.NoError(t, a.Disconnect(b.LocalID()))
	assert.Empty(t, a.PendingRequests(b.LocalID()))
	assert.NotContains(t, a.MeshPeers(types.TopicHash(blockTopic)), b.LocalID())
	assert.Empty(t, a.PeerTopics(b.LocalID()))

	gone := false
	require.NoError(t, n.Drive(driveCtx(t), func(i int, ev types.Event) {
		if e, ok := ev.(types.PeerDisconnected); ok && i == 1 && e.Peer == a.LocalID() {
			gone = true
		}
	}, func() bool { return gone }))
	assert.Empty(t, b.ConnectedPeers())
}

func TestNetwork_Closed(t *testing.T) {
	ctx := driveCtx(t)
	n, err := New(ctx, template(false))
	require.NoError(t, err)
	require.NoError(t, n.Close())

	_, err = n.AddNode(ctx, nil)
	assert.ErrorIs(t, err, beaconp2p.ErrClosed)
}
