package dht

import (
	"fmt"
	"net"
	"sort"
	"testing"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

func newRecord(t *testing.T, id *identity.Identity, seq uint64, port int) *identity.PeerRecord {
	t.Helper()
	addr := ma.StringCast(fmt.Sprintf("/ip4/127.0.0.1/udp/%d", port))
	rec, err := identity.NewPeerRecord(id, seq, []ma.Multiaddr{addr})
	require.NoError(t, err)
	return rec
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

type datagram struct {
	from, to *net.UDPAddr
	data     []byte
}

// fakeNet 内存 UDP 网络，报文在 pump 时按序投递
type fakeNet struct {
	nodes map[string]*Discovery
	queue []datagram
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[string]*Discovery)}
}

func (n *fakeNet) pump() {
	for len(n.queue) > 0 {
		p := n.queue[0]
		n.queue = n.queue[1:]
		if d, ok := n.nodes[p.to.String()]; ok {
			d.HandlePacket(p.from, p.data)
		}
	}
}

type endpoint struct {
	net  *fakeNet
	addr *net.UDPAddr
}

func (e *endpoint) SendPacket(to *net.UDPAddr, data []byte) error {
	e.net.queue = append(e.net.queue, datagram{from: e.addr, to: to, data: append([]byte(nil), data...)})
	return nil
}

type testNode struct {
	*Discovery
	rec  *identity.PeerRecord
	addr *net.UDPAddr
}

func newTestNode(t *testing.T, fn *fakeNet, port int, cfg config.DiscoveryConfig, clk clock.Clock, register bool) *testNode {
	t.Helper()
	id := newIdentity(t)
	rec := newRecord(t, id, 1, port)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	d := New(cfg, id, &endpoint{net: fn, addr: addr}, clk)
	d.SetLocalRecord(rec)
	if register {
		fn.nodes[addr.String()] = d
	}
	return &testNode{Discovery: d, rec: rec, addr: addr}
}

func discovered(events []types.Event) []types.NodeID {
	var out []types.NodeID
	for _, ev := range events {
		if pd, ok := ev.(types.PeerDiscovered); ok {
			out = append(out, pd.Peer.ID)
		}
	}
	return out
}

// ============================================================================
//                              路由表
// ============================================================================

// TestRoutingTable_Basic 测试插入、版本合并与自身过滤
func TestRoutingTable_Basic(t *testing.T) {
	local := newIdentity(t)
	rt := NewRoutingTable(local.ID(), 16)
	now := clock.NewMock().Now()

	assert.Equal(t, AddIgnored, rt.Add(newRecord(t, local, 1, 1000), true, now))
	assert.Equal(t, 0, rt.Len())

	peer := newIdentity(t)
	assert.Equal(t, AddInserted, rt.Add(newRecord(t, peer, 1, 1001), true, now))
	assert.Equal(t, AddUpdated, rt.Add(newRecord(t, peer, 2, 1002), false, now))
	assert.Equal(t, AddIgnored, rt.Add(newRecord(t, peer, 1, 1001), false, now))
	assert.Equal(t, AddRefreshed, rt.Add(newRecord(t, peer, 2, 1002), true, now))

	e := rt.Get(peer.ID())
	require.NotNil(t, e)
	assert.Equal(t, uint64(2), e.Record.Seq)
	assert.Equal(t, types.LogDistance(local.ID(), peer.ID()), e.Distance)
	assert.Equal(t, 1, rt.Len())

	assert.True(t, rt.Remove(peer.ID()))
	assert.False(t, rt.Remove(peer.ID()))
	assert.Nil(t, rt.Get(peer.ID()))
}

// TestRoutingTable_Eviction 测试满桶淘汰最久未见的未连接节点
func TestRoutingTable_Eviction(t *testing.T) {
	local := newIdentity(t)
	rt := NewRoutingTable(local.ID(), 2)
	now := clock.NewMock().Now()

	// 收集落在最远桶中的节点
	var ids []*identity.Identity
	for len(ids) < 4 {
		id := newIdentity(t)
		if rt.BucketIndex(id.ID()) == NumBuckets-1 {
			ids = append(ids, id)
		}
	}
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]

	require.Equal(t, AddInserted, rt.Add(newRecord(t, a, 1, 1), true, now))
	require.Equal(t, AddInserted, rt.Add(newRecord(t, b, 1, 2), true, now))
	require.Equal(t, AddInserted, rt.Add(newRecord(t, c, 1, 3), true, now))
	assert.Nil(t, rt.Get(a.ID()), "最久未见的节点应被淘汰")
	assert.Equal(t, 2, rt.Len())

	// 全部已连接时新节点只进入替换缓存
	rt.SetConnected(b.ID(), true, now)
	rt.SetConnected(c.ID(), true, now)
	assert.Equal(t, 2, rt.ConnectedCount())
	assert.Equal(t, AddIgnored, rt.Add(newRecord(t, d, 1, 4), true, now))
	assert.Nil(t, rt.Get(d.ID()))

	// 移除后从替换缓存补充
	require.True(t, rt.Remove(b.ID()))
	assert.NotNil(t, rt.Get(d.ID()))
	assert.Equal(t, 2, rt.Len())
	assert.Equal(t, 1, rt.ConnectedCount())

	bucket := rt.Bucket(NumBuckets - 1)
	require.Len(t, bucket, 2)
	assert.Equal(t, c.ID(), bucket[0].Record.NodeID)
}

// TestRoutingTable_Closest 测试按距离排序
func TestRoutingTable_Closest(t *testing.T) {
	local := newIdentity(t)
	rt := NewRoutingTable(local.ID(), 16)
	now := clock.NewMock().Now()
	for i := 0; i < 20; i++ {
		rt.Add(newRecord(t, newIdentity(t), 1, 2000+i), true, now)
	}

	target := newIdentity(t).ID()
	closest := rt.Closest(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		assert.LessOrEqual(t, types.CompareDistance(target, closest[i-1].NodeID, closest[i].NodeID), 0)
	}
	for _, r := range rt.Records() {
		if types.CompareDistance(target, r.NodeID, closest[4].NodeID) < 0 {
			assert.Contains(t, closest, r)
		}
	}
}

// ============================================================================
//                              报文
// ============================================================================

// TestPacket_RoundTrip 测试报文编解码
func TestPacket_RoundTrip(t *testing.T) {
	sender := newRecord(t, newIdentity(t), 3, 3000)
	other := newRecord(t, newIdentity(t), 1, 3001)
	target := newIdentity(t).ID()

	find := &packet{kind: kindFindNode, reqID: 7, target: target, sender: sender}
	got, err := unmarshalPacket(find.marshal())
	require.NoError(t, err)
	assert.Equal(t, kindFindNode, got.kind)
	assert.Equal(t, uint64(7), got.reqID)
	assert.Equal(t, target, got.target)
	assert.True(t, sender.Equal(got.sender))

	nodes := &packet{kind: kindNodes, reqID: 7, sender: sender, records: []*identity.PeerRecord{other}}
	got, err = unmarshalPacket(nodes.marshal())
	require.NoError(t, err)
	require.Len(t, got.records, 1)
	assert.True(t, other.Equal(got.records[0]))
	assert.NoError(t, got.records[0].Verify())

	_, err = unmarshalPacket([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedPacket)
	_, err = unmarshalPacket((&packet{kind: kindFindNode, reqID: 1}).marshal())
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

// ============================================================================
//                              Discovery
// ============================================================================

// TestDiscovery_Bootstrap 测试经由引导节点互相发现
func TestDiscovery_Bootstrap(t *testing.T) {
	fn := newFakeNet()
	clk := clock.NewMock()
	cfg := config.DefaultDiscoveryConfig()

	boot := newTestNode(t, fn, 30000, cfg, clk, true)
	var nodes []*testNode
	for i := 1; i <= 5; i++ {
		n := newTestNode(t, fn, 30000+i, cfg, clk, true)
		assert.Equal(t, 1, n.Bootstrap([]*identity.PeerRecord{boot.rec}))
		fn.pump()
		nodes = append(nodes, n)
	}

	assert.Equal(t, 5, boot.KnownPeerCount())
	for _, id := range discovered(boot.PopEvents()) {
		assert.NotEqual(t, boot.rec.NodeID, id)
	}

	last := nodes[len(nodes)-1]
	assert.Equal(t, 5, last.KnownPeerCount())
	assert.Len(t, discovered(last.PopEvents()), 5)

	for _, n := range nodes {
		n.Tick()
		assert.Equal(t, 0, n.ActiveLookups())
		assert.Nil(t, n.Table().Get(n.rec.NodeID))
	}
}

// lookupChain 每个节点只认识下一个离 target 更近的节点：a → hops[0] → hops[1] → hops[2] → target
type lookupChain struct {
	net    *fakeNet
	a      *testNode
	hops   []*testNode
	target *testNode
}

func newLookupChain(t *testing.T, base int, cfg config.DiscoveryConfig) *lookupChain {
	t.Helper()
	fn := newFakeNet()
	clk := clock.NewMock()
	c := &lookupChain{net: fn}
	c.a = newTestNode(t, fn, base, cfg, clk, true)
	c.target = newTestNode(t, fn, base+1, cfg, clk, true)
	for i := 0; i < 3; i++ {
		c.hops = append(c.hops, newTestNode(t, fn, base+2+i, cfg, clk, true))
	}
	goal := c.target.rec.NodeID
	// 由远到近
	sort.Slice(c.hops, func(i, j int) bool {
		return types.CompareDistance(goal, c.hops[i].rec.NodeID, c.hops[j].rec.NodeID) > 0
	})

	c.a.AddRecord(c.hops[0].rec, true)
	for i := 0; i < len(c.hops)-1; i++ {
		c.hops[i].AddRecord(c.hops[i+1].rec, true)
	}
	c.hops[len(c.hops)-1].AddRecord(c.target.rec, true)
	return c
}

// start 发起查找并返回其状态
func (c *lookupChain) start(t *testing.T) *lookup {
	t.Helper()
	c.a.Lookup(c.target.rec.NodeID)
	require.Equal(t, 1, c.a.ActiveLookups())
	return c.a.lookups[0]
}

// TestDiscovery_MultiRoundLookup 测试经由逐步靠近的节点多轮找到目标，无改进的一轮后结束
func TestDiscovery_MultiRoundLookup(t *testing.T) {
	c := newLookupChain(t, 36000, config.DefaultDiscoveryConfig())
	l := c.start(t)
	assert.Equal(t, 1, l.round)

	c.net.pump()

	assert.True(t, l.done)
	// 三跳各一轮，询问 target 的一轮没有更近的结果
	assert.Equal(t, 4, l.round)
	assert.False(t, l.improved)
	require.NotEmpty(t, l.candidates)
	assert.Equal(t, c.target.rec.NodeID, l.candidates[0].NodeID)
	assert.NotNil(t, c.a.Table().Get(c.target.rec.NodeID))
	assert.Contains(t, discovered(c.a.PopEvents()), c.target.rec.NodeID)

	c.a.Tick()
	assert.Equal(t, 0, c.a.ActiveLookups())
}

// TestDiscovery_LookupMaxRounds 测试达到轮次上限时即使仍有改进也结束
func TestDiscovery_LookupMaxRounds(t *testing.T) {
	cfg := config.DefaultDiscoveryConfig()
	cfg.MaxRounds = 2
	c := newLookupChain(t, 37000, cfg)
	l := c.start(t)

	c.net.pump()

	assert.True(t, l.done)
	assert.Equal(t, 2, l.round)
	assert.True(t, l.improved, "the last round still found a closer peer")
	assert.Equal(t, c.hops[2].rec.NodeID, l.candidates[0].NodeID)
	assert.Nil(t, c.a.Table().Get(c.target.rec.NodeID))
	assert.NotContains(t, discovered(c.a.PopEvents()), c.target.rec.NodeID)
}

// TestDiscovery_RecordUpgrade 测试更高序列号的记录再次产生 PeerDiscovered
func TestDiscovery_RecordUpgrade(t *testing.T) {
	fn := newFakeNet()
	clk := clock.NewMock()
	cfg := config.DefaultDiscoveryConfig()

	a := newTestNode(t, fn, 31000, cfg, clk, true)
	peer := newIdentity(t)

	a.Bootstrap([]*identity.PeerRecord{newRecord(t, peer, 1, 31001)})
	assert.Len(t, discovered(a.PopEvents()), 1)

	a.Bootstrap([]*identity.PeerRecord{newRecord(t, peer, 1, 31001)})
	assert.Empty(t, discovered(a.PopEvents()))

	a.Bootstrap([]*identity.PeerRecord{newRecord(t, peer, 2, 31002)})
	assert.Len(t, discovered(a.PopEvents()), 1)
	assert.Equal(t, uint64(2), a.Table().Get(peer.ID()).Record.Seq)
}

// TestDiscovery_QueryTimeout 测试查询超时结束查找并移除无响应节点
func TestDiscovery_QueryTimeout(t *testing.T) {
	fn := newFakeNet()
	clk := clock.NewMock()
	cfg := config.DefaultDiscoveryConfig()

	a := newTestNode(t, fn, 32000, cfg, clk, true)
	silent := newTestNode(t, fn, 32001, cfg, clk, false)

	a.Bootstrap([]*identity.PeerRecord{silent.rec})
	assert.Equal(t, 1, a.ActiveLookups())
	fn.pump()

	for i := 0; i < maxFailures; i++ {
		if i > 0 {
			a.Lookup(silent.rec.NodeID)
		}
		clk.Add(cfg.QueryTimeout.Std())
		a.Tick()
		assert.Equal(t, 0, a.ActiveLookups())
	}
	assert.Equal(t, 0, a.KnownPeerCount())
}

// TestDiscovery_ConnectedNotRemoved 测试已连接节点超时后仍保留
func TestDiscovery_ConnectedNotRemoved(t *testing.T) {
	fn := newFakeNet()
	clk := clock.NewMock()
	cfg := config.DefaultDiscoveryConfig()

	a := newTestNode(t, fn, 33000, cfg, clk, true)
	silent := newTestNode(t, fn, 33001, cfg, clk, false)
	a.Bootstrap([]*identity.PeerRecord{silent.rec})
	a.SetConnected(silent.rec.NodeID, true)
	assert.Equal(t, 1, a.ConnectedPeerCount())

	for i := 0; i < maxFailures+1; i++ {
		a.Lookup(silent.rec.NodeID)
		clk.Add(cfg.QueryTimeout.Std())
		a.Tick()
	}
	assert.Equal(t, 1, a.KnownPeerCount())
}

// TestDiscovery_RateLimit 测试入站 FINDNODE 限流
func TestDiscovery_RateLimit(t *testing.T) {
	fn := newFakeNet()
	clk := clock.NewMock()
	cfg := config.DefaultDiscoveryConfig()
	cfg.FindNodeRate = 1
	cfg.FindNodeBurst = 2

	server := newTestNode(t, fn, 34000, cfg, clk, true)
	client := newTestNode(t, fn, 34001, cfg, clk, false)

	for i := 1; i <= 5; i++ {
		p := &packet{kind: kindFindNode, reqID: uint64(i), target: client.rec.NodeID, sender: client.rec}
		server.HandlePacket(client.addr, p.marshal())
	}
	assert.Len(t, fn.queue, 2)

	clk.Add(cfg.QueryTimeout.Std())
	p := &packet{kind: kindFindNode, reqID: 6, target: client.rec.NodeID, sender: client.rec}
	server.HandlePacket(client.addr, p.marshal())
	assert.Len(t, fn.queue, 3)
}

// TestDiscovery_UnsolicitedNodes 测试丢弃未请求的 NODES
func TestDiscovery_UnsolicitedNodes(t *testing.T) {
	fn := newFakeNet()
	clk := clock.NewMock()
	cfg := config.DefaultDiscoveryConfig()

	a := newTestNode(t, fn, 35000, cfg, clk, true)
	b := newTestNode(t, fn, 35001, cfg, clk, false)
	other := newRecord(t, newIdentity(t), 1, 35002)

	p := &packet{kind: kindNodes, reqID: 99, sender: b.rec, records: []*identity.PeerRecord{other}}
	a.HandlePacket(b.addr, p.marshal())
	assert.Equal(t, 0, a.KnownPeerCount())
	assert.Empty(t, a.PopEvents())
}
