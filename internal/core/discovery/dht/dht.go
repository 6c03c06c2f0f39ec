package dht

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("core/dht")

const (
	// limiterCacheSize 限流器缓存的发送方数量
	limiterCacheSize = 1024

	// maxFailures 连续超时次数达到后从路由表移除（已连接节点除外）
	maxFailures = 3
)

// Sender 发送 UDP 报文
type Sender interface {
	SendPacket(to *net.UDPAddr, data []byte) error
}

// query 一个未完成的 FINDNODE
type query struct {
	lookup   *lookup
	peer     types.NodeID
	deadline time.Time
}

// ============================================================================
//                              Discovery
// ============================================================================

// Discovery 节点发现
//
// 所有方法都在所有者的 poll 中调用，不做内部同步。
type Discovery struct {
	cfg    config.DiscoveryConfig
	local  *identity.Identity
	record *identity.PeerRecord
	table  *RoutingTable
	sender Sender
	clock  clock.Clock

	nextReqID   uint64
	queries     map[uint64]*query
	lookups     []*lookup
	failures    map[types.NodeID]int
	limiters    *lru.Cache[string, *rate.Limiter]
	nextRefresh time.Time

	events []types.Event
}

// New 创建 Discovery
func New(cfg config.DiscoveryConfig, local *identity.Identity, sender Sender, clk clock.Clock) *Discovery {
	if clk == nil {
		clk = clock.New()
	}
	limiters, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	return &Discovery{
		cfg:         cfg,
		local:       local,
		table:       NewRoutingTable(local.ID(), cfg.BucketSize),
		sender:      sender,
		clock:       clk,
		queries:     make(map[uint64]*query),
		failures:    make(map[types.NodeID]int),
		limiters:    limiters,
		nextRefresh: clk.Now().Add(cfg.RefreshInterval.Std()),
	}
}

// SetLocalRecord 更新本地记录（地址或序列号变化后）
func (d *Discovery) SetLocalRecord(rec *identity.PeerRecord) {
	d.record = rec
}

// LocalRecord 返回本地记录
func (d *Discovery) LocalRecord() *identity.PeerRecord {
	return d.record
}

// Table 返回路由表
func (d *Discovery) Table() *RoutingTable {
	return d.table
}

// ConnectedPeerCount 返回路由表中已连接的节点数
func (d *Discovery) ConnectedPeerCount() int {
	return d.table.ConnectedCount()
}

// KnownPeerCount 返回路由表中的节点数
func (d *Discovery) KnownPeerCount() int {
	return d.table.Len()
}

// SetConnected 同步连接状态
func (d *Discovery) SetConnected(id types.NodeID, connected bool) {
	d.table.SetConnected(id, connected, d.clock.Now())
	if connected {
		delete(d.failures, id)
	}
}

// AddRecord 加入通过其他途径（如连接握手）获得的已验证记录
func (d *Discovery) AddRecord(rec *identity.PeerRecord, seen bool) AddResult {
	return d.table.Add(rec, seen, d.clock.Now())
}

// Closest 返回距 target 最近的 n 条记录
func (d *Discovery) Closest(target types.NodeID, n int) []*identity.PeerRecord {
	return d.table.Closest(target, n)
}

// ActiveLookups 返回进行中的查找数
func (d *Discovery) ActiveLookups() int {
	return len(d.lookups)
}

// PopEvents 取出待交付的事件
func (d *Discovery) PopEvents() []types.Event {
	out := d.events
	d.events = nil
	return out
}

// ============================================================================
//                              引导与查找
// ============================================================================

// Bootstrap 加入引导记录并查找自身 ID
//
// 记录必须已通过验证。返回被接受的记录数。
func (d *Discovery) Bootstrap(records []*identity.PeerRecord) int {
	n := 0
	for _, rec := range records {
		if d.learn(rec, false) {
			n++
		}
	}
	logger.Debug("引导完成", "records", len(records), "accepted", n)
	if d.table.Len() > 0 {
		d.Lookup(d.local.ID())
	}
	return n
}

// Lookup 启动对 target 的迭代查找，返回查找编号
func (d *Discovery) Lookup(target types.NodeID) uint64 {
	d.nextReqID++
	l := newLookup(d.nextReqID, d.local.ID(), target, d.table.Closest(target, d.cfg.BucketSize))
	d.lookups = append(d.lookups, l)
	d.advance(l)
	return l.id
}

// advance 本轮结束时推进查找
func (d *Discovery) advance(l *lookup) {
	for l.inFlight == 0 && !l.done {
		if !l.shouldContinue(d.cfg.MaxRounds) {
			l.done = true
			break
		}
		peers := l.next(d.cfg.BucketSize, d.cfg.Alpha)
		if len(peers) == 0 {
			l.done = true
			break
		}
		for _, p := range peers {
			d.sendFindNode(l, p)
		}
	}
	if l.done {
		logger.Debug("查找结束", "target", l.target.ShortString(), "rounds", l.round, "candidates", len(l.candidates))
	}
}

func (d *Discovery) sendFindNode(l *lookup, rec *identity.PeerRecord) {
	addr, ok := rec.UDPAddr()
	if !ok || d.record == nil {
		return
	}
	d.nextReqID++
	p := &packet{kind: kindFindNode, reqID: d.nextReqID, target: l.target, sender: d.record}
	if err := d.sender.SendPacket(addr, p.marshal()); err != nil {
		logger.Debug("发送 FINDNODE 失败", "peer", rec.NodeID.ShortString(), "err", err)
		return
	}
	d.queries[p.reqID] = &query{
		lookup:   l,
		peer:     rec.NodeID,
		deadline: d.clock.Now().Add(d.cfg.QueryTimeout.Std()),
	}
	l.inFlight++
}

// Tick 处理超时、推进查找并在需要时发起刷新查找
func (d *Discovery) Tick() {
	now := d.clock.Now()

	for id, q := range d.queries {
		if now.Before(q.deadline) {
			continue
		}
		delete(d.queries, id)
		q.lookup.inFlight--
		d.recordFailure(q.peer)
	}

	live := d.lookups[:0]
	for _, l := range d.lookups {
		d.advance(l)
		if !l.done || l.inFlight > 0 {
			live = append(live, l)
		}
	}
	for i := len(live); i < len(d.lookups); i++ {
		d.lookups[i] = nil
	}
	d.lookups = live

	if !now.Before(d.nextRefresh) {
		d.nextRefresh = now.Add(d.cfg.RefreshInterval.Std())
		if d.table.Len() > 0 {
			d.Lookup(randomID())
		}
	}
}

func (d *Discovery) recordFailure(id types.NodeID) {
	e := d.table.Get(id)
	if e == nil || e.Connected {
		return
	}
	d.failures[id]++
	if d.failures[id] >= maxFailures {
		delete(d.failures, id)
		d.table.Remove(id)
		logger.Debug("移除无响应节点", "peer", id.ShortString())
	}
}

// learn 合并记录，新的或升级的记录产生 PeerDiscovered
func (d *Discovery) learn(rec *identity.PeerRecord, seen bool) bool {
	if rec.NodeID == d.local.ID() {
		return false
	}
	res := d.table.Add(rec, seen, d.clock.Now())
	if res.Changed() {
		d.events = append(d.events, types.PeerDiscovered{Peer: rec.Info()})
	}
	return res != AddIgnored
}

// ============================================================================
//                              报文处理
// ============================================================================

// HandlePacket 处理一个 UDP 报文
//
// 格式错误、签名无效、超出限流或无法匹配的报文被记录后丢弃。
func (d *Discovery) HandlePacket(from *net.UDPAddr, data []byte) {
	p, err := unmarshalPacket(data)
	if err != nil {
		logger.Debug("丢弃报文", "from", from, "err", err)
		return
	}
	if err := p.sender.Verify(); err != nil {
		logger.Debug("发送方记录无效", "from", from, "err", err)
		return
	}
	if p.sender.NodeID == d.local.ID() {
		return
	}

	switch p.kind {
	case kindFindNode:
		if !d.allow(from) {
			logger.Debug("FINDNODE 超出限流", "from", from)
			return
		}
		d.learn(p.sender, true)
		d.handleFindNode(from, p)
	case kindNodes:
		d.handleNodes(p)
	}
}

func (d *Discovery) handleFindNode(from *net.UDPAddr, p *packet) {
	if d.record == nil {
		return
	}
	var records []*identity.PeerRecord
	for _, r := range d.table.Closest(p.target, d.cfg.BucketSize+1) {
		if r.NodeID == p.sender.NodeID {
			continue
		}
		if len(records) == maxNodesPerPacket {
			break
		}
		records = append(records, r)
	}
	resp := &packet{kind: kindNodes, reqID: p.reqID, sender: d.record, records: records}
	if err := d.sender.SendPacket(from, resp.marshal()); err != nil {
		logger.Debug("发送 NODES 失败", "to", from, "err", err)
	}
}

func (d *Discovery) handleNodes(p *packet) {
	q, ok := d.queries[p.reqID]
	if !ok || q.peer != p.sender.NodeID {
		logger.Debug("未请求的 NODES", "peer", p.sender.NodeID.ShortString(), "req", p.reqID)
		return
	}
	delete(d.queries, p.reqID)
	delete(d.failures, q.peer)
	d.learn(p.sender, true)

	l := q.lookup
	for _, rec := range p.records {
		if err := rec.Verify(); err != nil {
			logger.Debug("NODES 中的记录无效", "peer", rec.NodeID.ShortString(), "err", err)
			continue
		}
		d.learn(rec, false)
		l.add(rec)
	}
	l.inFlight--
	d.advance(l)
}

// allow 按发送方 IP 限流
func (d *Discovery) allow(from *net.UDPAddr) bool {
	key := from.IP.String()
	lim, ok := d.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.FindNodeRate), d.cfg.FindNodeBurst)
		d.limiters.Add(key, lim)
	}
	return lim.AllowN(d.clock.Now(), 1)
}

func randomID() types.NodeID {
	var id types.NodeID
	_, _ = rand.Read(id[:])
	return id
}
