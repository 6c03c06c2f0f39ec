package beaconp2p

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-beaconp2p/internal/core/transport"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              Poll
// ════════════════════════════════════════════════════════════════════════════

// Poll 推进一轮事件循环并返回按产生顺序排列的事件
//
// 从不阻塞也从不失败。没有事件时返回空切片，调用方应等待 Ready 后再调用。
// 每个底层事件处理后立即收集子系统事件，因此同一对端的事件保持因果顺序：
// 断开前收到的响应一定先于 PeerDisconnected。
func (s *Service) Poll() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil
	}

	s.collect()

	inbox := s.host.Inbox()
	more := true
	for n := 0; n < maxBatch; n++ {
		select {
		case ev := <-inbox:
			s.handle(ev)
			s.collect()
			continue
		default:
			more = false
		}
		break
	}
	if more {
		// 批次用尽，留给下一次 Poll
		s.notify()
	}

	if s.cfg.Discovery.Enabled {
		s.dht.Tick()
	}
	s.gossip.Tick()
	s.collect()

	s.metrics.PeersConnected.Set(float64(len(s.peers)))
	s.metrics.KnownPeers.Set(float64(s.dht.KnownPeerCount()))

	out := s.out
	s.out = nil
	return out
}

// emit 追加服务自身产生的事件
func (s *Service) emit(ev types.Event) {
	s.out = append(s.out, ev)
	s.notify()
}

// collect 合并子系统事件队列
//
// 三个队列轮流各取一个，保持各自内部顺序。
func (s *Service) collect() {
	queues := [][]types.Event{
		s.dht.PopEvents(),
		s.gossip.PopEvents(),
		s.rpc.PopEvents(),
	}
	for {
		progressed := false
		for i := range queues {
			if len(queues[i]) == 0 {
				continue
			}
			ev := queues[i][0]
			queues[i] = queues[i][1:]
			progressed = true
			s.out = append(s.out, ev)
			if d, ok := ev.(types.PeerDiscovered); ok {
				s.onDiscovered(d.Peer)
			}
		}
		if !progressed {
			return
		}
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              底层事件
// ════════════════════════════════════════════════════════════════════════════

func (s *Service) handle(ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnEstablished:
		s.handleConnected(e)
	case transport.ConnClosed:
		if p, ok := s.peers[e.Peer]; ok && p.session == e.Session {
			s.handleDisconnect(e.Peer)
		}
	case transport.DialFailed:
		delete(s.dialing, e.Addr.String())
		s.metrics.DialFailures.Inc()
		s.emit(types.DialFailed{Addr: e.Addr, Err: e.Err})
	case transport.AlreadyConnected:
		delete(s.dialing, e.Addr.String())
		logger.Debug("拨号目标已连接", "addr", e.Addr, "peer", e.Peer.ShortString())
	case transport.StreamFrame:
		p, ok := s.peers[e.Peer]
		if !ok || p.session != e.Session {
			// 已清除会话的残留帧
			return
		}
		s.metrics.LogRecv(string(e.Protocol), len(e.Data))
		switch e.Protocol {
		case transport.ProtocolRPC:
			s.rpc.HandleFrame(e.Peer, e.Data)
		case transport.ProtocolGossip:
			s.gossip.HandleFrame(e.Peer, e.Data)
		}
	case transport.Packet:
		if s.cfg.Discovery.Enabled {
			s.dht.HandlePacket(e.From, e.Data)
		}
	}
}

func (s *Service) handleConnected(e transport.ConnEstablished) {
	if old, ok := s.peers[e.Peer]; ok && old.session != e.Session {
		s.handleDisconnect(e.Peer)
	}
	if e.Addr != nil {
		delete(s.dialing, e.Addr.String())
	}

	s.peers[e.Peer] = &peerEntry{
		session:     e.Session,
		record:      e.Record,
		outbound:    e.Outbound,
		connectedAt: s.clock.Now(),
	}
	s.gone.Remove(e.Peer)

	if s.cfg.Discovery.Enabled {
		s.dht.AddRecord(e.Record, true)
		s.dht.SetConnected(e.Peer, true)
	}
	s.gossip.AddPeer(e.Peer)
	s.rpc.AddPeer(e.Peer)

	if e.Outbound {
		s.emit(types.PeerDialed{Peer: e.Peer})
	} else {
		s.emit(types.PeerConnected{Peer: e.Peer})
	}
	logger.Debug("对端已连接", "peer", e.Peer.ShortString(), "outbound", e.Outbound, "session", e.Session)

	if s.cfg.RPC.Handshake {
		hello := s.status
		if _, err := s.rpc.SendRequest(e.Peer, &hello); err != nil {
			logger.Debug("发送握手失败", "peer", e.Peer.ShortString(), "err", err)
		}
	}
}

// handleDisconnect 清除对端状态并发出 PeerDisconnected
func (s *Service) handleDisconnect(id types.NodeID) {
	delete(s.peers, id)
	s.gone.Add(id, struct{}{})
	s.rpc.RemovePeer(id)
	s.gossip.RemovePeer(id)
	if s.cfg.Discovery.Enabled {
		s.dht.SetConnected(id, false)
	}
	s.emit(types.PeerDisconnected{Peer: id})
	logger.Debug("对端已断开", "peer", id.ShortString())
}

// onDiscovered 在连接数未满时拨号新发现的节点
func (s *Service) onDiscovered(info types.PeerInfo) {
	s.metrics.PeersDiscovered.Inc()
	if !s.cfg.Discovery.Enabled {
		return
	}
	if _, ok := s.peers[info.ID]; ok {
		return
	}
	if len(s.peers)+len(s.dialing) >= s.cfg.Discovery.MaxPeers {
		return
	}
	for _, d := range s.dialing {
		if d.peer == info.ID {
			return
		}
	}
	addr := tcpAddr(info.Addrs)
	if addr == nil {
		return
	}
	if err := s.dial(addr, info.ID); err != nil {
		logger.Debug("自动拨号失败", "peer", info.ID.ShortString(), "err", err)
	}
}

func tcpAddr(addrs []ma.Multiaddr) ma.Multiaddr {
	for _, a := range addrs {
		if _, err := a.ValueForProtocol(ma.P_TCP); err == nil {
			return a
		}
	}
	return nil
}
