package beaconp2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/discovery/dht"
	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-beaconp2p/internal/core/metrics"
	"github.com/dep2p/go-beaconp2p/internal/core/rpc"
	"github.com/dep2p/go-beaconp2p/internal/core/storage"
	"github.com/dep2p/go-beaconp2p/internal/core/transport"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("beaconp2p")

const (
	// tickInterval 定时器唤醒间隔（驱动查找超时与 mesh 心跳）
	tickInterval = 100 * time.Millisecond

	// maxBatch 单次 Poll 处理的底层事件上限
	maxBatch = 256

	// disconnectedCacheSize 记住已断开对端的数量（用于 PeerState）
	disconnectedCacheSize = 1024
)

// peerEntry 已连接对端
type peerEntry struct {
	session     transport.SessionID
	record      *identity.PeerRecord
	outbound    bool
	connectedAt time.Time
}

// dialEntry 进行中的拨号
type dialEntry struct {
	// peer 通过发现拨号时已知的目标
	peer   types.NodeID
	cancel context.CancelFunc
}

// ════════════════════════════════════════════════════════════════════════════
//                              Service
// ════════════════════════════════════════════════════════════════════════════

// Service 信标链 p2p 服务
//
// 组合传输、发现、广播与 RPC，并通过 Poll 输出统一的事件流。
// 所有方法可并发调用，内部以一把互斥锁串行化。
type Service struct {
	cfg      *config.Config
	app      *fx.App
	clock    clock.Clock
	registry *prometheus.Registry

	// 由 Fx 注入
	db      *storage.DB
	id      *identity.Identity
	host    *transport.Host
	metrics *metrics.Metrics
	dht     *dht.Discovery
	gossip  *gossipsub.Router
	rpc     *rpc.Protocol

	bootstrap []*identity.PeerRecord

	mu      sync.Mutex
	started bool
	closed  bool
	seq     uint64
	status  types.HelloMessage
	peers   map[types.NodeID]*peerEntry
	dialing map[string]*dialEntry
	gone    *lru.Cache[types.NodeID, struct{}]
	out     []types.Event

	ready chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New 创建 Service
//
// 验证配置、解析引导记录并组装全部组件，不打开任何端口。
// 引导记录无法解析或签名无效时返回 ErrInvalidBootstrap。
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	var boot []*identity.PeerRecord
	for i, text := range cfg.Discovery.BootstrapRecords {
		rec, err := identity.DecodeText(text)
		if err != nil {
			return nil, fmt.Errorf("%w: #%d: %v", ErrInvalidBootstrap, i, err)
		}
		boot = append(boot, rec)
	}

	gone, _ := lru.New[types.NodeID, struct{}](disconnectedCacheSize)
	s := &Service{
		cfg:       cfg,
		clock:     o.clock,
		registry:  o.registry,
		bootstrap: boot,
		peers:     make(map[types.NodeID]*peerEntry),
		dialing:   make(map[string]*dialEntry),
		gone:      gone,
		ready:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}

	s.app = buildFxApp(cfg, o, s)
	if err := s.app.Err(); err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.app.StartTimeout())
	defer cancel()
	if err := s.app.Start(ctx); err != nil {
		return nil, fmt.Errorf("start fx app: %w", err)
	}
	return s, nil
}

// Start 监听端口、发布本地记录并引导发现
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.host.Listen(s.cfg.Discovery.Enabled); err != nil {
		return err
	}
	addrs, err := s.host.ListenAddrs()
	if err != nil {
		return err
	}
	rec, err := s.nextRecord(addrs)
	if err != nil {
		return err
	}
	if err := s.host.Start(rec); err != nil {
		return err
	}
	s.dht.SetLocalRecord(rec)

	if s.cfg.Discovery.Enabled {
		seeds := append([]*identity.PeerRecord(nil), s.bootstrap...)
		known, err := s.db.Records()
		if err != nil {
			logger.Warn("读取已知节点失败", "err", err)
		}
		seeds = append(seeds, known...)
		n := s.dht.Bootstrap(seeds)
		logger.Info("发现已引导", "seeds", len(seeds), "accepted", n)
	}

	for _, t := range s.cfg.Gossip.Topics {
		if _, err := s.gossip.Subscribe(t); err != nil {
			logger.Warn("默认订阅失败", "topic", t, "err", err)
		}
	}

	fork, _ := s.cfg.RPC.ForkVersionBytes()
	s.status = types.HelloMessage{
		ForkVersion:    fork,
		FinalizedEpoch: s.cfg.RPC.FinalizedEpoch,
		HeadSlot:       s.cfg.RPC.HeadSlot,
	}

	s.started = true
	s.wg.Add(1)
	go s.wakeLoop()
	s.collect()

	logger.Info("服务已启动", "id", s.id.ID().ShortString(), "addrs", addrs, "seq", rec.Seq)
	return nil
}

// nextRecord 递增并持久化序号后签发本地记录
func (s *Service) nextRecord(addrs []ma.Multiaddr) (*identity.PeerRecord, error) {
	if s.seq == 0 {
		prev, err := s.db.LocalSeq()
		if err != nil {
			return nil, err
		}
		s.seq = prev
	}
	seq := s.seq + 1
	rec, err := identity.NewPeerRecord(s.id, seq, addrs)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetLocalSeq(seq); err != nil {
		return nil, err
	}
	s.seq = seq
	return rec, nil
}

// wakeLoop 把传输层通知与定时器合并到 Ready
func (s *Service) wakeLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.host.Ready():
		case <-ticker.C:
		}
		s.notify()
	}
}

func (s *Service) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready 有工作待 Poll 时收到通知（合并多次通知）
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// ════════════════════════════════════════════════════════════════════════════
//                              出站操作
// ════════════════════════════════════════════════════════════════════════════

// Dial 异步拨号
//
// 结果以 PeerDialed 或 DialFailed 事件给出。地址不含 TCP 时同样以
// DialFailed 报告，只有服务未启动或已关闭时返回错误。
func (s *Service) Dial(addr ma.Multiaddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return err
	}
	return s.dial(addr, types.EmptyNodeID)
}

// DialPeer 按已知记录拨号，拨号期间 PeerState 报告 ConnDialing
//
// 使用记录中的第一个 TCP 地址，结果与 Dial 相同。
func (s *Service) DialPeer(info types.PeerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return err
	}
	addr := tcpAddr(info.Addrs)
	if addr == nil {
		s.metrics.DialFailures.Inc()
		s.emit(types.DialFailed{Err: transport.ErrNoTCPAddress})
		return nil
	}
	return s.dial(addr, info.ID)
}

func (s *Service) dial(addr ma.Multiaddr, peer types.NodeID) error {
	key := addr.String()
	if _, ok := s.dialing[key]; ok {
		return nil
	}
	s.metrics.DialAttempts.Inc()
	cancel, err := s.host.Dial(addr)
	if err != nil {
		if errors.Is(err, transport.ErrNoTCPAddress) {
			s.metrics.DialFailures.Inc()
			s.emit(types.DialFailed{Addr: addr, Err: err})
			return nil
		}
		return err
	}
	s.dialing[key] = &dialEntry{peer: peer, cancel: cancel}
	logger.Debug("开始拨号", "addr", addr, "peer", peer.ShortString())
	return nil
}

// CancelDial 放弃对 addr 的拨号，不影响其他连接
func (s *Service) CancelDial(addr ma.Multiaddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialing[addr.String()]
	if !ok {
		return false
	}
	d.cancel()
	return true
}

// Publish 向一个或多个主题发布消息
func (s *Service) Publish(topics []string, msg types.Message) (types.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return types.MessageID{}, err
	}
	id, err := s.gossip.Publish(topics, msg)
	return id, topicError(err)
}

// Subscribe 订阅主题，已订阅时返回 false
func (s *Service) Subscribe(topic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return false, err
	}
	ok, err := s.gossip.Subscribe(topic)
	return ok, topicError(err)
}

// Unsubscribe 取消订阅，未订阅时返回 false
func (s *Service) Unsubscribe(topic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return false, err
	}
	ok, err := s.gossip.Unsubscribe(topic)
	return ok, topicError(err)
}

// Subscriptions 返回本地订阅的主题
func (s *Service) Subscriptions() []types.TopicHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gossip.Subscriptions()
}

// SendRequest 向已连接对端发送请求，返回关联 ID
func (s *Service) SendRequest(peer types.NodeID, req types.Request) (types.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return 0, err
	}
	if _, ok := s.peers[peer]; !ok {
		return 0, ErrPeerNotConnected
	}
	return s.rpc.SendRequest(peer, req)
}

// SendResponse 响应对端的请求
func (s *Service) SendResponse(peer types.NodeID, id types.RequestID, resp types.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return err
	}
	if _, ok := s.peers[peer]; !ok {
		return ErrPeerNotConnected
	}
	err := s.rpc.SendResponse(peer, id, resp)
	if errors.Is(err, rpc.ErrNoInboundRequest) {
		return fmt.Errorf("%w: %w", ErrNoPendingRequest, err)
	}
	return err
}

// CancelRequest 移除挂起的请求，不影响连接
func (s *Service) CancelRequest(peer types.NodeID, id types.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpc.CancelRequest(peer, id)
}

// PendingRequests 返回对端未完成的请求 ID
func (s *Service) PendingRequests(peer types.NodeID) []types.RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpc.Pending(peer)
}

// Disconnect 断开对端
//
// 挂起请求与 mesh 关系立即清除，PeerDisconnected 在下一次 Poll 返回。
func (s *Service) Disconnect(peer types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return err
	}
	if _, ok := s.peers[peer]; !ok {
		return ErrPeerNotConnected
	}
	s.handleDisconnect(peer)
	s.collect()
	s.host.ClosePeer(peer)
	return nil
}

// Lookup 启动对 target 的迭代查找，发现的节点以 PeerDiscovered 给出
func (s *Service) Lookup(target types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.dht.Lookup(target)
	return nil
}

// UpdateLocalRecord 以新地址重新签发本地记录（序号递增）
func (s *Service) UpdateLocalRecord(addrs []ma.Multiaddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(); err != nil {
		return err
	}
	rec, err := s.nextRecord(addrs)
	if err != nil {
		return err
	}
	s.host.SetLocalRecord(rec)
	s.dht.SetLocalRecord(rec)
	return nil
}

// SetStatus 更新握手时发送的本地状态
func (s *Service) SetStatus(status types.HelloMessage) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status 返回本地状态
func (s *Service) Status() types.HelloMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) checkRunning() error {
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              查询
// ════════════════════════════════════════════════════════════════════════════

// LocalID 返回本地节点 ID
func (s *Service) LocalID() types.NodeID {
	return s.id.ID()
}

// LocalRecord 返回当前本地记录（启动前为 nil）
func (s *Service) LocalRecord() *identity.PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dht.LocalRecord()
}

// ConnectedPeers 返回已连接对端（按 ID 排序）
func (s *Service) ConnectedPeers() []types.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.NodeID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// PeerState 返回对端连接状态
func (s *Service) PeerState(id types.NodeID) types.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return types.ConnConnected
	}
	for _, d := range s.dialing {
		if d.peer == id {
			return types.ConnDialing
		}
	}
	if s.gone.Contains(id) {
		return types.ConnDisconnected
	}
	return types.ConnIdle
}

// PeerTopics 返回对端订阅的主题
func (s *Service) PeerTopics(id types.NodeID) []types.TopicHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gossip.PeerTopics(id)
}

// MeshPeers 返回主题 mesh 中的对端
func (s *Service) MeshPeers(topic types.TopicHash) []types.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gossip.MeshPeers(topic)
}

// ConnectedPeerCount 路由表中已连接的节点数
func (s *Service) ConnectedPeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dht.ConnectedPeerCount()
}

// KnownPeerCount 路由表中的节点数
func (s *Service) KnownPeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dht.KnownPeerCount()
}

// Metrics 返回指标注册表
func (s *Service) Metrics() *prometheus.Registry {
	return s.registry
}

// ════════════════════════════════════════════════════════════════════════════
//                              关闭
// ════════════════════════════════════════════════════════════════════════════

// Close 保存已知节点并关闭全部组件
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	for _, d := range s.dialing {
		d.cancel()
	}
	known := s.dht.Table().Records()
	s.mu.Unlock()

	var err error
	if started {
		close(s.stop)
		s.wg.Wait()
		if serr := s.db.SaveRecords(known); serr != nil {
			err = multierr.Append(err, fmt.Errorf("save records: %w", serr))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.app.StopTimeout())
	defer cancel()
	err = multierr.Append(err, s.app.Stop(ctx))
	logger.Info("服务已关闭", "id", s.id.ID().ShortString())
	return err
}
