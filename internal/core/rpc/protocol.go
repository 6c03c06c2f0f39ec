package rpc

import (
	"fmt"
	"sort"

	"github.com/dep2p/go-beaconp2p/internal/core/metrics"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("core/rpc")

// Sender 向对端发送 RPC 帧
type Sender interface {
	Send(id types.NodeID, data []byte) bool
}

// peerState 单个对端的关联状态
type peerState struct {
	lastID  types.RequestID
	pending map[types.RequestID]types.RequestKind
	inbound map[types.RequestID]types.RequestKind
}

// ============================================================================
//                              Protocol
// ============================================================================

// Protocol 请求/响应关联
type Protocol struct {
	sender  Sender
	metrics *metrics.Metrics
	peers   map[types.NodeID]*peerState
	events  []types.Event
}

// New 创建 Protocol
func New(sender Sender, m *metrics.Metrics) *Protocol {
	if m == nil {
		m = metrics.Nop()
	}
	return &Protocol{
		sender:  sender,
		metrics: m,
		peers:   make(map[types.NodeID]*peerState),
	}
}

// AddPeer 登记已连接的对端
func (p *Protocol) AddPeer(id types.NodeID) {
	if _, ok := p.peers[id]; ok {
		return
	}
	p.peers[id] = &peerState{
		pending: make(map[types.RequestID]types.RequestKind),
		inbound: make(map[types.RequestID]types.RequestKind),
	}
}

// RemovePeer 清除对端的挂起请求与待响应请求
func (p *Protocol) RemovePeer(id types.NodeID) {
	ps, ok := p.peers[id]
	if !ok {
		return
	}
	if n := len(ps.pending); n > 0 {
		p.metrics.PendingRequests.Sub(float64(n))
		logger.Debug("清除挂起请求", "peer", id.ShortString(), "count", n)
	}
	delete(p.peers, id)
}

// PopEvents 取出待交付的事件
func (p *Protocol) PopEvents() []types.Event {
	out := p.events
	p.events = nil
	return out
}

// Pending 返回对端的挂起请求 ID（升序）
func (p *Protocol) Pending(id types.NodeID) []types.RequestID {
	ps, ok := p.peers[id]
	if !ok {
		return nil
	}
	out := make([]types.RequestID, 0, len(ps.pending))
	for rid := range ps.pending {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
//                              出站
// ============================================================================

// SendRequest 发送请求并返回关联 ID
func (p *Protocol) SendRequest(peer types.NodeID, req types.Request) (types.RequestID, error) {
	ps, ok := p.peers[peer]
	if !ok {
		return 0, ErrUnknownPeer
	}
	id := ps.nextID()
	data, err := encodeFrame(dirRequest, id, uint8(req.RequestKind()), req)
	if err != nil {
		return 0, err
	}
	if !p.sender.Send(peer, data) {
		return 0, ErrSendFailed
	}
	if expectsResponse(req.RequestKind()) {
		ps.pending[id] = req.RequestKind()
		p.metrics.PendingRequests.Inc()
	}
	p.metrics.RequestsSent.WithLabelValues(req.RequestKind().String()).Inc()
	logger.Debug("发送请求", "peer", peer.ShortString(), "id", id, "kind", req.RequestKind())
	return id, nil
}

// SendResponse 响应对端的入站请求
func (p *Protocol) SendResponse(peer types.NodeID, id types.RequestID, resp types.Response) error {
	ps, ok := p.peers[peer]
	if !ok {
		return ErrUnknownPeer
	}
	kind, ok := ps.inbound[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoInboundRequest, id)
	}
	if !responseMatches(kind, resp.ResponseKind()) {
		return fmt.Errorf("%w: %s for %s", ErrResponseMismatch, resp.ResponseKind(), kind)
	}
	data, err := encodeFrame(dirResponse, id, uint8(resp.ResponseKind()), resp)
	if err != nil {
		return err
	}
	if !p.sender.Send(peer, data) {
		return ErrSendFailed
	}
	delete(ps.inbound, id)
	return nil
}

// CancelRequest 放弃挂起请求，之后到达的响应按未匹配处理
func (p *Protocol) CancelRequest(peer types.NodeID, id types.RequestID) bool {
	ps, ok := p.peers[peer]
	if !ok {
		return false
	}
	if _, ok := ps.pending[id]; !ok {
		return false
	}
	delete(ps.pending, id)
	p.metrics.PendingRequests.Dec()
	return true
}

// nextID 分配下一个未被挂起请求占用的 ID（跳过 0）
func (ps *peerState) nextID() types.RequestID {
	for {
		ps.lastID++
		if ps.lastID == 0 {
			continue
		}
		if _, busy := ps.pending[ps.lastID]; !busy {
			return ps.lastID
		}
	}
}

// ============================================================================
//                              入站
// ============================================================================

// HandleFrame 处理来自对端的 RPC 帧
//
// 格式错误、未知类型与未匹配的响应都记录后丢弃。
func (p *Protocol) HandleFrame(from types.NodeID, data []byte) {
	ps, ok := p.peers[from]
	if !ok {
		logger.Debug("未登记对端的帧", "peer", from.ShortString())
		return
	}
	f, err := decodeFrame(data)
	if err != nil {
		logger.Debug("丢弃 RPC 帧", "peer", from.ShortString(), "err", err)
		return
	}
	switch f.dir {
	case dirRequest:
		p.handleRequest(from, ps, f)
	case dirResponse:
		p.handleResponse(from, ps, f)
	}
}

func (p *Protocol) handleRequest(from types.NodeID, ps *peerState, f *frame) {
	kind := types.RequestKind(f.kind)
	body := types.NewRequest(kind)
	if body == nil {
		logger.Debug("未知请求类型", "peer", from.ShortString(), "kind", f.kind)
		return
	}
	if err := body.UnmarshalSSZ(f.body); err != nil {
		logger.Debug("请求体无效", "peer", from.ShortString(), "kind", kind, "err", err)
		return
	}
	if expectsResponse(kind) {
		if _, dup := ps.inbound[f.id]; dup {
			logger.Debug("重复的请求 ID", "peer", from.ShortString(), "id", f.id)
			return
		}
		ps.inbound[f.id] = kind
	}
	p.metrics.RequestsReceived.WithLabelValues(kind.String()).Inc()
	p.events = append(p.events, types.RPC{
		Peer:  from,
		Event: types.RPCRequest{ID: f.id, Body: body},
	})
}

func (p *Protocol) handleResponse(from types.NodeID, ps *peerState, f *frame) {
	kind := types.ResponseKind(f.kind)
	reqKind, ok := ps.pending[f.id]
	if !ok {
		logger.Warn("未匹配的响应", "peer", from.ShortString(), "id", f.id, "kind", kind)
		p.metrics.ResponsesUnmatched.Inc()
		return
	}
	if !responseMatches(reqKind, kind) {
		logger.Warn("响应类型不匹配", "peer", from.ShortString(), "id", f.id, "request", reqKind, "response", kind)
		p.metrics.ResponsesUnmatched.Inc()
		return
	}
	body := types.NewResponse(kind)
	if err := body.UnmarshalSSZ(f.body); err != nil {
		logger.Debug("响应体无效", "peer", from.ShortString(), "id", f.id, "err", err)
		return
	}
	delete(ps.pending, f.id)
	p.metrics.PendingRequests.Dec()
	p.metrics.ResponsesMatched.Inc()
	p.events = append(p.events, types.RPC{
		Peer:  from,
		Event: types.RPCResponse{ID: f.id, Body: body},
	})
}

// ============================================================================
//                              类型约束
// ============================================================================

func expectsResponse(kind types.RequestKind) bool {
	return kind != types.RequestGoodbye
}

// responseMatches 响应类型是否可以回答该请求，错误响应可以回答任何请求
func responseMatches(req types.RequestKind, resp types.ResponseKind) bool {
	if resp == types.ResponseError {
		return true
	}
	switch req {
	case types.RequestHello:
		return resp == types.ResponseHello
	case types.RequestBlocksByRange, types.RequestBlocksByRoot:
		return resp == types.ResponseBlocks
	default:
		return false
	}
}
