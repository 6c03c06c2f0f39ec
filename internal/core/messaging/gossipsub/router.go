package gossipsub

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/snappy"
	"github.com/minio/sha256-simd"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/metrics"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("core/gossipsub")

// maxMessageSize 解压后载荷上限
const maxMessageSize = 10 << 20

// Sender 向对端发送 gossip 帧
//
// 返回 false 表示对端不可达或发送队列已满。
type Sender interface {
	Send(id types.NodeID, data []byte) bool
}

// ============================================================================
//                              Router
// ============================================================================

// Router 主题订阅、mesh 维护与消息传播
type Router struct {
	cfg     config.GossipConfig
	local   types.NodeID
	sender  Sender
	clock   clock.Clock
	metrics *metrics.Metrics

	subs  map[types.TopicHash]types.Topic
	peers map[types.NodeID]*peerState
	mesh  map[types.TopicHash]map[types.NodeID]struct{}
	seen  *seenCache
	cache *msgCache

	// backoff PRUNE 之后到期前不互相 GRAFT
	backoff map[meshKey]time.Time
	// regraft 未能入队的 GRAFT，下次心跳重发
	regraft map[meshKey]struct{}

	nextHeartbeat time.Time
	events        []types.Event
}

// New 创建 Router
func New(cfg config.GossipConfig, local types.NodeID, sender Sender, clk clock.Clock, m *metrics.Metrics) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Router{
		cfg:           cfg,
		local:         local,
		sender:        sender,
		clock:         clk,
		metrics:       m,
		subs:          make(map[types.TopicHash]types.Topic),
		peers:         make(map[types.NodeID]*peerState),
		mesh:          make(map[types.TopicHash]map[types.NodeID]struct{}),
		seen:          newSeenCache(cfg.SeenCacheSize, cfg.SeenTTL.Std(), clk),
		cache:         newMsgCache(cfg.HistoryGossip, cfg.HistoryLength),
		backoff:       make(map[meshKey]time.Time),
		regraft:       make(map[meshKey]struct{}),
		nextHeartbeat: clk.Now().Add(cfg.HeartbeatInterval.Std()),
	}
}

// Topic 解析主题名称并检查命名空间
func (r *Router) Topic(name string) (types.Topic, error) {
	t, err := types.ParseTopic(name)
	if err != nil {
		return types.Topic{}, fmt.Errorf("%w: %q", err, name)
	}
	if t.Namespace != r.cfg.Namespace {
		return types.Topic{}, fmt.Errorf("%w: %q", ErrForeignNamespace, name)
	}
	return t, nil
}

// PopEvents 取出待交付的事件
func (r *Router) PopEvents() []types.Event {
	out := r.events
	r.events = nil
	return out
}

// ============================================================================
//                              对端
// ============================================================================

// AddPeer 登记新连接的对端并发送本地订阅
func (r *Router) AddPeer(id types.NodeID) {
	if _, ok := r.peers[id]; ok {
		return
	}
	r.peers[id] = &peerState{
		id:          id,
		connectedAt: r.clock.Now(),
		topics:      make(map[types.TopicHash]struct{}),
	}
	if len(r.subs) == 0 {
		return
	}
	f := &frame{}
	for _, t := range r.Subscriptions() {
		f.subs = append(f.subs, subOpt{subscribe: true, topic: string(t)})
	}
	r.send(id, f)
}

// RemovePeer 清除对端的订阅与 mesh 成员关系，不产生事件
func (r *Router) RemovePeer(id types.NodeID) {
	p, ok := r.peers[id]
	if !ok {
		return
	}
	for t := range p.topics {
		r.removeFromMesh(t, id)
	}
	for k := range r.regraft {
		if k.peer == id {
			delete(r.regraft, k)
		}
	}
	delete(r.peers, id)
}

// PeerTopics 返回对端订阅的主题
func (r *Router) PeerTopics(id types.NodeID) []types.TopicHash {
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	out := make([]types.TopicHash, 0, len(p.topics))
	for t := range p.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MeshPeers 返回主题 mesh 中的对端
func (r *Router) MeshPeers(topic types.TopicHash) []types.NodeID {
	out := make([]types.NodeID, 0, len(r.mesh[topic]))
	for id := range r.mesh[topic] {
		out = append(out, id)
	}
	r.byConnectedAt(out)
	return out
}

// ============================================================================
//                              订阅
// ============================================================================

// Subscribe 订阅主题并通知所有对端
//
// 已订阅时返回 false，不产生任何消息。
func (r *Router) Subscribe(name string) (bool, error) {
	t, err := r.Topic(name)
	if err != nil {
		return false, err
	}
	h := t.Hash()
	if _, ok := r.subs[h]; ok {
		return false, nil
	}
	r.subs[h] = t
	r.announce(subOpt{subscribe: true, topic: string(h)})
	// 订阅前作为转发目标加入的对端未必把本节点放进它们的 mesh
	for id := range r.mesh[h] {
		r.send(id, &frame{graft: []string{string(h)}})
	}
	logger.Debug("订阅主题", "topic", h)
	return true, nil
}

// Unsubscribe 取消订阅并通知所有对端
func (r *Router) Unsubscribe(name string) (bool, error) {
	t, err := r.Topic(name)
	if err != nil {
		return false, err
	}
	h := t.Hash()
	if _, ok := r.subs[h]; !ok {
		return false, nil
	}
	delete(r.subs, h)
	r.announce(subOpt{subscribe: false, topic: string(h)})
	logger.Debug("取消订阅", "topic", h)
	return true, nil
}

// Subscribed 是否已订阅
func (r *Router) Subscribed(topic types.TopicHash) bool {
	_, ok := r.subs[topic]
	return ok
}

// Subscriptions 返回本地订阅（按名称排序）
func (r *Router) Subscriptions() []types.TopicHash {
	out := make([]types.TopicHash, 0, len(r.subs))
	for h := range r.subs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) announce(s subOpt) {
	for id := range r.peers {
		r.send(id, &frame{subs: []subOpt{s}})
	}
}

// ============================================================================
//                              发布与接收
// ============================================================================

// Publish 发布消息到 mesh
//
// 所有主题必须属于本节点命名空间且编码一致。ssz_snappy 主题的载荷
// 在线路上压缩。返回内容派生的消息 ID。
func (r *Router) Publish(names []string, msg types.Message) (types.MessageID, error) {
	var id types.MessageID
	if len(names) == 0 {
		return id, ErrNoTopics
	}
	topics := make([]types.Topic, 0, len(names))
	for _, n := range names {
		t, err := r.Topic(n)
		if err != nil {
			return id, err
		}
		if len(topics) > 0 && t.Encoding != topics[0].Encoding {
			return id, ErrMixedEncoding
		}
		topics = append(topics, t)
	}

	wm := wireMessage{data: encode(topics[0].Encoding, msg.Data)}
	for _, t := range topics {
		wm.topics = append(wm.topics, t.String())
	}
	id = messageID(wm)
	if !r.seen.add(id) {
		return id, ErrDuplicateMessage
	}

	targets := r.meshTargets(topics, r.local)
	f := &frame{messages: []wireMessage{wm}}
	for _, p := range targets {
		r.send(p, f)
	}
	r.cache.put(id, wm, topicHashes(topics))
	r.metrics.MessagesPublished.Inc()
	logger.Debug("发布消息", "id", id, "topics", wm.topics, "peers", len(targets))
	return id, nil
}

// HandleFrame 处理来自对端的 gossip 帧
func (r *Router) HandleFrame(from types.NodeID, data []byte) {
	p, ok := r.peers[from]
	if !ok {
		logger.Debug("未登记对端的帧", "peer", from.ShortString())
		return
	}
	f, err := unmarshalFrame(data)
	if err != nil {
		logger.Debug("丢弃 gossip 帧", "peer", from.ShortString(), "err", err)
		r.metrics.Dropped(metrics.ReasonMalformed)
		return
	}

	for _, s := range f.subs {
		r.handleSub(p, s)
	}

	reply := &frame{}
	for _, name := range f.graft {
		if t, reject := r.handleGraft(p, name); reject {
			reply.prune = append(reply.prune, t)
		}
	}
	for _, name := range f.prune {
		r.handlePrune(from, name)
	}
	reply.iwant = r.handleIHave(f.ihave)
	reply.messages = r.handleIWant(f.iwant)
	r.send(from, reply)

	for _, m := range f.messages {
		r.handleMessage(from, m)
	}
}

func (r *Router) handleSub(p *peerState, s subOpt) {
	t, err := r.Topic(s.topic)
	if err != nil {
		logger.Debug("忽略订阅", "peer", p.id.ShortString(), "err", err)
		return
	}
	h := t.Hash()
	if s.subscribe {
		if p.subscribed(h) {
			return
		}
		p.topics[h] = struct{}{}
		if len(r.mesh[h]) < r.cfg.MeshHigh && !r.backedOff(h, p.id) {
			r.addToMesh(h, p.id)
			if r.Subscribed(h) {
				r.send(p.id, &frame{graft: []string{string(h)}})
			}
		}
		r.events = append(r.events, types.PeerSubscribed{Peer: p.id, Topic: h})
		return
	}
	if !p.subscribed(h) {
		return
	}
	delete(p.topics, h)
	r.removeFromMesh(h, p.id)
	r.events = append(r.events, types.PeerUnsubscribed{Peer: p.id, Topic: h})
}

// handleGraft 把对端加入 mesh，可超过高水位，由心跳裁剪
//
// 本地未订阅或处于退避期时拒绝，返回需要回复 PRUNE 的主题。
func (r *Router) handleGraft(p *peerState, name string) (string, bool) {
	t, err := r.Topic(name)
	if err != nil {
		return "", false
	}
	h := t.Hash()
	if !r.Subscribed(h) {
		return string(h), true
	}
	if r.backedOff(h, p.id) {
		r.setBackoff(h, p.id)
		return string(h), true
	}
	if !p.subscribed(h) {
		logger.Debug("未订阅对端的 GRAFT", "peer", p.id.ShortString(), "topic", h)
		return "", false
	}
	r.addToMesh(h, p.id)
	delete(r.regraft, meshKey{topic: h, peer: p.id})
	return "", false
}

func (r *Router) handlePrune(from types.NodeID, name string) {
	h := types.TopicHash(name)
	r.removeFromMesh(h, from)
	r.setBackoff(h, from)
	delete(r.regraft, meshKey{topic: h, peer: from})
}

// handleIHave 返回本地订阅且尚未见过的消息 ID
func (r *Router) handleIHave(list []ihave) []types.MessageID {
	var want []types.MessageID
	asked := make(map[types.MessageID]struct{})
	for _, h := range list {
		t, err := r.Topic(h.topic)
		if err != nil || !r.Subscribed(t.Hash()) {
			continue
		}
		for _, id := range h.ids {
			if _, ok := asked[id]; ok || r.seen.has(id) {
				continue
			}
			asked[id] = struct{}{}
			want = append(want, id)
		}
	}
	return want
}

// handleIWant 从消息缓存取出对端请求的消息
func (r *Router) handleIWant(ids []types.MessageID) []wireMessage {
	var out []wireMessage
	for _, id := range ids {
		if wm, ok := r.cache.get(id); ok {
			out = append(out, wm)
			r.metrics.MessagesForwarded.Inc()
		}
	}
	return out
}

func (r *Router) handleMessage(from types.NodeID, wm wireMessage) {
	var topics []types.Topic
	for _, n := range wm.topics {
		if t, err := r.Topic(n); err == nil {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		logger.Debug("未识别的主题", "peer", from.ShortString(), "topics", wm.topics)
		r.metrics.Dropped(metrics.ReasonUnknownTopic)
		return
	}

	id := messageID(wm)
	if !r.seen.add(id) {
		r.metrics.Dropped(metrics.ReasonDuplicate)
		return
	}

	data, err := decode(topics[0].Encoding, wm.data)
	if err != nil {
		logger.Debug("无法解码消息", "peer", from.ShortString(), "id", id, "err", err)
		r.metrics.Dropped(metrics.ReasonMalformed)
		return
	}

	r.cache.put(id, wm, topicHashes(topics))

	var delivered []types.TopicHash
	for _, t := range topics {
		if r.Subscribed(t.Hash()) {
			delivered = append(delivered, t.Hash())
		}
	}
	if len(delivered) > 0 {
		r.events = append(r.events, types.PubsubMessage{
			Source:  from,
			ID:      id,
			Topics:  delivered,
			Message: types.Message{Kind: topics[0].MessageKind(), Data: data},
		})
		r.metrics.MessagesDelivered.Inc()
	}

	f := &frame{messages: []wireMessage{wm}}
	for _, p := range r.meshTargets(topics, from) {
		r.send(p, f)
		r.metrics.MessagesForwarded.Inc()
	}
}

// meshTargets 返回各主题 mesh 的并集，排除 except
func (r *Router) meshTargets(topics []types.Topic, except types.NodeID) []types.NodeID {
	set := make(map[types.NodeID]struct{})
	for _, t := range topics {
		for id := range r.mesh[t.Hash()] {
			if id != except {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]types.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ============================================================================
//                              心跳
// ============================================================================

// Tick 到期时执行心跳
func (r *Router) Tick() {
	now := r.clock.Now()
	if now.Before(r.nextHeartbeat) {
		return
	}
	r.nextHeartbeat = now.Add(r.cfg.HeartbeatInterval.Std())

	for id, f := range r.heartbeat(now) {
		r.send(id, f)
	}
	r.cache.shift()
}

// ============================================================================
//                              辅助
// ============================================================================

// send 发送非空帧，GRAFT 未能入队时留待心跳重发
func (r *Router) send(id types.NodeID, f *frame) {
	if f.empty() {
		return
	}
	if r.sender.Send(id, f.marshal()) {
		return
	}
	logger.Debug("gossip 帧未能入队", "peer", id.ShortString())
	r.metrics.Dropped(metrics.ReasonQueueFull)
	for _, t := range f.graft {
		r.regraft[meshKey{topic: types.TopicHash(t), peer: id}] = struct{}{}
	}
}

func topicHashes(topics []types.Topic) []types.TopicHash {
	out := make([]types.TopicHash, len(topics))
	for i, t := range topics {
		out[i] = t.Hash()
	}
	return out
}

// messageID 取 sha256(topic_1 0 topic_2 0 ... data) 的前 20 字节
func messageID(wm wireMessage) types.MessageID {
	h := sha256.New()
	for _, t := range wm.topics {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	h.Write(wm.data)
	var id types.MessageID
	copy(id[:], h.Sum(nil))
	return id
}

func encode(enc types.Encoding, data []byte) []byte {
	if enc == types.EncodingSSZSnappy {
		return snappy.Encode(nil, data)
	}
	return append([]byte(nil), data...)
}

func decode(enc types.Encoding, data []byte) ([]byte, error) {
	if enc != types.EncodingSSZSnappy {
		return data, nil
	}
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > maxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return snappy.Decode(nil, data)
}
