package beaconp2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/transport"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
// 测试辅助
// ════════════════════════════════════════════════════════════════════════════

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Transport = cfg.Transport.WithListenIP("127.0.0.1").WithTCPPort(0).WithUDPPort(0)
	cfg.Discovery.Enabled = false
	cfg.RPC = cfg.RPC.WithHandshake(false)
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *recorder {
	t.Helper()
	svc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return &recorder{svc: svc}
}

// recorder 记录 Poll 返回的全部事件
type recorder struct {
	svc    *Service
	events []types.Event
}

func (r *recorder) poll() {
	r.events = append(r.events, r.svc.Poll()...)
}

func (r *recorder) find(pred func(types.Event) bool) (types.Event, bool) {
	for _, ev := range r.events {
		if pred(ev) {
			return ev, true
		}
	}
	return nil, false
}

// waitFor 轮询所有节点直到 target 记录到满足 pred 的事件
func waitFor(t *testing.T, all []*recorder, target *recorder, pred func(types.Event) bool) types.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range all {
			r.poll()
		}
		if ev, ok := target.find(pred); ok {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event on %s", target.svc.LocalID().ShortString())
	return nil
}

func connect(t *testing.T, a, b *recorder) {
	t.Helper()
	addr, ok := b.svc.LocalRecord().TCPMultiaddr()
	require.True(t, ok)
	require.NoError(t, a.svc.Dial(addr))

	bid, aid := b.svc.LocalID(), a.svc.LocalID()
	all := []*recorder{a, b}
	waitFor(t, all, a, func(ev types.Event) bool {
		e, ok := ev.(types.PeerDialed)
		return ok && e.Peer == bid
	})
	waitFor(t, all, b, func(ev types.Event) bool {
		e, ok := ev.(types.PeerConnected)
		return ok && e.Peer == aid
	})
}

// silentListener 接受 TCP 连接但从不应答身份交换
func silentListener(t *testing.T) ma.Multiaddr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	addr, err := manet.FromNetAddr(l.Addr())
	require.NoError(t, err)
	return addr
}

// ════════════════════════════════════════════════════════════════════════════
// 生命周期
// ════════════════════════════════════════════════════════════════════════════

func TestNew_InvalidBootstrap(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery = cfg.Discovery.WithBootstrapRecords("bpr:not-a-record")

	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidBootstrap)
}

func TestService_NotStarted(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Subscribe("/eth2/beacon_block/ssz")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.SendRequest(types.NodeID{1}, &types.HelloMessage{})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, svc.Poll())
}

func TestService_Options(t *testing.T) {
	reg := prometheus.NewRegistry()
	clk := clock.NewMock()
	var host *transport.Host

	svc, err := New(testConfig(),
		WithRegistry(reg),
		WithClock(clk),
		WithFxOptions(fx.Invoke(func(h *transport.Host) { host = h })),
	)
	require.NoError(t, err)
	defer svc.Close()

	require.NotNil(t, host)
	assert.Same(t, reg, svc.Metrics())

	require.NoError(t, svc.Start(context.Background()))
	svc.Poll()
	assert.Equal(t, float64(0), testutil.ToFloat64(svc.metrics.PeersConnected))
	n, err := testutil.GatherAndCount(reg, "beaconp2p_peers_connected")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = New(testConfig(), WithClock(nil))
	assert.Error(t, err)
}

func TestService_StartTwice(t *testing.T) {
	r := startService(t, testConfig())
	assert.ErrorIs(t, r.svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, r.svc.Close())
	assert.NoError(t, r.svc.Close())
	_, err := r.svc.Publish([]string{"/eth2/beacon_block/ssz"}, types.Message{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestService_LocalRecordPersistsSeq(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Storage = cfg.Storage.WithDataDir(dir)

	svc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	first := svc.LocalRecord()
	require.NoError(t, svc.Close())
	assert.Equal(t, uint64(1), first.Seq)
	require.NoError(t, first.Verify())

	svc, err = New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	second := svc.LocalRecord()
	assert.Equal(t, first.NodeID, second.NodeID, "key is reused from the data dir")
	assert.Equal(t, uint64(2), second.Seq)
}

// ════════════════════════════════════════════════════════════════════════════
// RPC
// ════════════════════════════════════════════════════════════════════════════

func TestService_RPCRoundTrip(t *testing.T) {
	a := startService(t, testConfig())
	b := startService(t, testConfig())
	connect(t, a, b)
	all := []*recorder{a, b}
	aid, bid := a.svc.LocalID(), b.svc.LocalID()

	hello := &types.HelloMessage{FinalizedEpoch: 1, HeadSlot: 1}
	id, err := a.svc.SendRequest(bid, hello)
	require.NoError(t, err)
	assert.Equal(t, types.RequestID(1), id)

	ev := waitFor(t, all, b, func(ev types.Event) bool {
		e, ok := ev.(types.RPC)
		if !ok {
			return false
		}
		_, ok = e.Event.(types.RPCRequest)
		return ok
	})
	got := ev.(types.RPC)
	assert.Equal(t, aid, got.Peer)
	req := got.Event.(types.RPCRequest)
	assert.Equal(t, types.RequestID(1), req.ID)
	assert.Equal(t, hello, req.Body)

	require.NoError(t, b.svc.SendResponse(aid, req.ID, hello))

	ev = waitFor(t, all, a, func(ev types.Event) bool {
		e, ok := ev.(types.RPC)
		if !ok {
			return false
		}
		_, ok = e.Event.(types.RPCResponse)
		return ok
	})
	resp := ev.(types.RPC).Event.(types.RPCResponse)
	assert.Equal(t, types.RequestID(1), resp.ID)
	assert.Equal(t, hello, resp.Body)
	assert.Empty(t, a.svc.PendingRequests(bid))

	// 同一请求只能回复一次
	assert.ErrorIs(t, b.svc.SendResponse(aid, req.ID, hello), ErrNoPendingRequest)
}

func TestService_Handshake(t *testing.T) {
	cfgA := testConfig()
	cfgA.RPC = cfgA.RPC.WithHandshake(true)
	cfgA.RPC.HeadSlot = 42
	cfgB := testConfig()
	cfgB.RPC = cfgB.RPC.WithHandshake(true)
	cfgB.RPC.ForkVersion = "0x01020304"

	a := startService(t, cfgA)
	b := startService(t, cfgB)
	connect(t, a, b)
	all := []*recorder{a, b}

	isHello := func(ev types.Event) bool {
		e, ok := ev.(types.RPC)
		if !ok {
			return false
		}
		req, ok := e.Event.(types.RPCRequest)
		return ok && req.Body.RequestKind() == types.RequestHello
	}

	ev := waitFor(t, all, b, isHello)
	body := ev.(types.RPC).Event.(types.RPCRequest).Body.(*types.HelloMessage)
	assert.Equal(t, uint64(42), body.HeadSlot)

	ev = waitFor(t, all, a, isHello)
	body = ev.(types.RPC).Event.(types.RPCRequest).Body.(*types.HelloMessage)
	assert.Equal(t, types.Version{1, 2, 3, 4}, body.ForkVersion)
}

func TestService_SendRequestUnknownPeer(t *testing.T) {
	a := startService(t, testConfig())
	_, err := a.svc.SendRequest(types.NodeID{7}, &types.HelloMessage{})
	assert.ErrorIs(t, err, ErrPeerNotConnected)
	assert.ErrorIs(t, a.svc.Disconnect(types.NodeID{7}), ErrPeerNotConnected)
}

// ════════════════════════════════════════════════════════════════════════════
// 连接状态
// ════════════════════════════════════════════════════════════════════════════

func TestService_DisconnectPurges(t *testing.T) {
	a := startService(t, testConfig())
	b := startService(t, testConfig())
	connect(t, a, b)
	aid, bid := a.svc.LocalID(), b.svc.LocalID()

	_, err := a.svc.Subscribe("/eth2/beacon_block/ssz")
	require.NoError(t, err)
	_, err = a.svc.SendRequest(bid, &types.BlocksByRange{StartSlot: 1, Count: 4, Step: 1})
	require.NoError(t, err)
	require.Len(t, a.svc.PendingRequests(bid), 1)
	assert.Equal(t, types.ConnConnected, a.svc.PeerState(bid))

	require.NoError(t, a.svc.Disconnect(bid))
	assert.Empty(t, a.svc.PendingRequests(bid))
	assert.Equal(t, types.ConnDisconnected, a.svc.PeerState(bid))
	assert.NotContains(t, a.svc.ConnectedPeers(), bid)

	events := a.svc.Poll()
	var seen bool
	for _, ev := range events {
		if e, ok := ev.(types.PeerDisconnected); ok && e.Peer == bid {
			seen = true
		}
	}
	assert.True(t, seen)

	waitFor(t, []*recorder{a, b}, b, func(ev types.Event) bool {
		e, ok := ev.(types.PeerDisconnected)
		return ok && e.Peer == aid
	})
}

func TestService_CancelDial(t *testing.T) {
	a := startService(t, testConfig())
	b := startService(t, testConfig())
	all := []*recorder{a, b}
	bid := b.svc.LocalID()

	stuck := types.PeerInfo{ID: types.NodeID{9}, Addrs: []ma.Multiaddr{silentListener(t)}}
	require.NoError(t, a.svc.DialPeer(stuck))
	require.NoError(t, a.svc.DialPeer(b.svc.LocalRecord().Info()))
	assert.Equal(t, types.ConnDialing, a.svc.PeerState(stuck.ID))

	require.True(t, a.svc.CancelDial(stuck.Addrs[0]))

	waitFor(t, all, a, func(ev types.Event) bool {
		e, ok := ev.(types.PeerDialed)
		return ok && e.Peer == bid
	})
	ev := waitFor(t, all, a, func(ev types.Event) bool {
		_, ok := ev.(types.DialFailed)
		return ok
	})
	failed := ev.(types.DialFailed)
	assert.True(t, failed.Addr.Equal(stuck.Addrs[0]))
	assert.ErrorIs(t, failed.Err, context.Canceled)

	failures := 0
	for _, ev := range a.events {
		if _, ok := ev.(types.DialFailed); ok {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "only the cancelled dial fails")
	assert.Equal(t, types.ConnIdle, a.svc.PeerState(stuck.ID))
	assert.Equal(t, types.ConnConnected, a.svc.PeerState(bid))
	assert.False(t, a.svc.CancelDial(stuck.Addrs[0]))
}

func TestService_DialPeerWithoutTCP(t *testing.T) {
	a := startService(t, testConfig())
	require.NoError(t, a.svc.DialPeer(types.PeerInfo{ID: types.NodeID{3}}))

	a.poll()
	ev, ok := a.find(func(ev types.Event) bool {
		_, ok := ev.(types.DialFailed)
		return ok
	})
	require.True(t, ok)
	assert.ErrorIs(t, ev.(types.DialFailed).Err, transport.ErrNoTCPAddress)
	assert.Equal(t, types.ConnIdle, a.svc.PeerState(types.NodeID{3}))
}

func TestService_IdempotentSubscribe(t *testing.T) {
	a := startService(t, testConfig())

	ok, err := a.svc.Subscribe("/eth2/beacon_block/ssz")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.svc.Subscribe("/eth2/beacon_block/ssz")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, a.svc.Subscriptions(), 1)

	_, err = a.svc.Subscribe("/other/beacon_block/ssz")
	assert.ErrorIs(t, err, ErrUnknownTopic)
	_, err = a.svc.Publish([]string{"/eth2/beacon_block"}, types.Message{Data: []byte{1}})
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.ErrorIs(t, err, types.ErrInvalidTopic)
}

// ════════════════════════════════════════════════════════════════════════════
// 发现
// ════════════════════════════════════════════════════════════════════════════

func TestService_DiscoveryDials(t *testing.T) {
	bootCfg := testConfig()
	bootCfg.Discovery.Enabled = true
	boot := startService(t, bootCfg)

	cfg := testConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery = cfg.Discovery.WithBootstrapRecords(boot.svc.LocalRecord().EncodeText())
	node := startService(t, cfg)

	bootID := boot.svc.LocalID()
	all := []*recorder{boot, node}
	waitFor(t, all, node, func(ev types.Event) bool {
		e, ok := ev.(types.PeerDiscovered)
		return ok && e.Peer.ID == bootID
	})
	waitFor(t, all, node, func(ev types.Event) bool {
		e, ok := ev.(types.PeerDialed)
		return ok && e.Peer == bootID
	})
	assert.Equal(t, 1, node.svc.KnownPeerCount())
	assert.Equal(t, 1, node.svc.ConnectedPeerCount())
}
