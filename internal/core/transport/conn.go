package transport

import (
	"bufio"
	"bytes"
	"net"
	"sort"
	"time"

	"github.com/hashicorp/yamux"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// maxProtocolHeader 协议名帧上限
const maxProtocolHeader = 256

// peer 对端会话
type peer struct {
	id      types.NodeID
	session SessionID
	record  *identity.PeerRecord

	// conns[0] 为主连接，受 Host.mu 保护
	conns []*conn

	queue chan outbound
	// ready 在 ConnEstablished 写入后关闭，此后读取方才能写入帧
	ready chan struct{}
	// done 在会话结束时关闭
	done chan struct{}
}

// conn 单条 yamux 连接
type conn struct {
	id          uint64
	raw         net.Conn
	sess        *yamux.Session
	dialer      types.NodeID
	dialerNonce [nonceSize]byte

	// 仅由对端的写 goroutine 访问
	streams map[Protocol]*yamux.Stream
}

// before 主连接排序：拨号方 NodeID 较小者优先，相同时比较拨号方 nonce
func (c *conn) before(o *conn) bool {
	if cmp := bytes.Compare(c.dialer[:], o.dialer[:]); cmp != 0 {
		return cmp < 0
	}
	return bytes.Compare(c.dialerNonce[:], o.dialerNonce[:]) < 0
}

type outbound struct {
	proto Protocol
	data  []byte
}

// register 将完成握手的连接升级为 yamux 会话并挂到对端
func (h *Host) register(raw net.Conn, res *handshakeResult, outboundConn bool, addr ma.Multiaddr) error {
	var (
		sess *yamux.Session
		err  error
	)
	if outboundConn {
		sess, err = yamux.Client(raw, yamuxConfig())
	} else {
		sess, err = yamux.Server(raw, yamuxConfig())
	}
	if err != nil {
		_ = raw.Close()
		return err
	}

	id := res.record.NodeID
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	h.nextConn++
	c := &conn{
		id:          h.nextConn,
		raw:         raw,
		sess:        sess,
		dialer:      res.dialer,
		dialerNonce: res.dialerNonce,
		streams:     make(map[Protocol]*yamux.Stream),
	}

	if p, ok := h.peers[id]; ok {
		p.conns = append(p.conns, c)
		sort.Slice(p.conns, func(i, j int) bool { return p.conns[i].before(p.conns[j]) })
		h.mu.Unlock()

		logger.Debug("对端已有会话，合并连接", "peer", id.ShortString(), "conns", len(p.conns))
		if outboundConn {
			h.push(AlreadyConnected{Addr: addr, Peer: id})
		}
		h.startConn(p, c)
		time.AfterFunc(duplicateGrace, func() { h.trimConns(p) })
		return nil
	}

	h.nextSess++
	p := &peer{
		id:      id,
		session: h.nextSess,
		record:  res.record,
		conns:   []*conn{c},
		queue:   make(chan outbound, h.cfg.WriteQueueSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	h.peers[id] = p
	h.mu.Unlock()

	h.push(ConnEstablished{
		Peer:     id,
		Session:  p.session,
		Record:   res.record,
		Outbound: outboundConn,
		Addr:     addr,
	})
	close(p.ready)

	h.wg.Add(1)
	go h.writeLoop(p)
	h.startConn(p, c)
	return nil
}

func (h *Host) startConn(p *peer, c *conn) {
	h.wg.Add(2)
	go h.acceptStreams(p, c)
	go h.monitor(p, c)
}

// trimConns 关闭主连接之外的连接
func (h *Host) trimConns(p *peer) {
	h.mu.Lock()
	var extra []*conn
	if len(p.conns) > 1 {
		extra = append(extra, p.conns[1:]...)
	}
	h.mu.Unlock()
	for _, c := range extra {
		_ = c.sess.Close()
	}
}

// monitor 等待连接关闭并维护会话
func (h *Host) monitor(p *peer, c *conn) {
	defer h.wg.Done()
	select {
	case <-c.sess.CloseChan():
	case <-h.ctx.Done():
		_ = c.sess.Close()
	}

	h.mu.Lock()
	for i, x := range p.conns {
		if x == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	last := len(p.conns) == 0
	if last && h.peers[p.id] == p {
		delete(h.peers, p.id)
	}
	h.mu.Unlock()

	if last {
		close(p.done)
		<-p.ready
		logger.Debug("会话结束", "peer", p.id.ShortString(), "session", p.session)
		h.push(ConnClosed{Peer: p.id, Session: p.session})
	}
}

// ============================================================================
//                              读
// ============================================================================

func (h *Host) acceptStreams(p *peer, c *conn) {
	defer h.wg.Done()
	for {
		s, err := c.sess.AcceptStream()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.readStream(p, s)
	}
}

func (h *Host) readStream(p *peer, s *yamux.Stream) {
	defer h.wg.Done()
	defer s.Close()

	br := bufio.NewReader(s)
	header, err := ReadFrame(br, maxProtocolHeader)
	if err != nil {
		return
	}
	proto := Protocol(header)
	if !proto.known() {
		logger.Debug("拒绝未知协议流", "peer", p.id.ShortString(), "protocol", string(header))
		return
	}

	<-p.ready
	for {
		data, err := ReadFrame(br, h.cfg.MaxFrameSize)
		if err != nil {
			return
		}
		h.push(StreamFrame{Peer: p.id, Session: p.session, Protocol: proto, Data: data})
	}
}

// ============================================================================
//                              写
// ============================================================================

// Send 将一帧放入对端发送队列
//
// 对端无会话或队列已满时返回 false，不阻塞调用方。
func (h *Host) Send(id types.NodeID, proto Protocol, data []byte) bool {
	h.mu.Lock()
	p, ok := h.peers[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.queue <- outbound{proto: proto, data: data}:
		return true
	default:
		logger.Warn("发送队列已满，丢弃", "peer", id.ShortString(), "protocol", string(proto))
		return false
	}
}

// ClosePeer 关闭对端全部连接
func (h *Host) ClosePeer(id types.NodeID) {
	h.mu.Lock()
	var conns []*conn
	if p, ok := h.peers[id]; ok {
		conns = append(conns, p.conns...)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.sess.Close()
	}
}

func (h *Host) writeLoop(p *peer) {
	defer h.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-h.ctx.Done():
			return
		case m := <-p.queue:
			h.write(p, m)
		}
	}
}

func (h *Host) write(p *peer, m outbound) {
	h.mu.Lock()
	if len(p.conns) == 0 {
		h.mu.Unlock()
		return
	}
	c := p.conns[0]
	h.mu.Unlock()

	s, ok := c.streams[m.proto]
	if !ok {
		var err error
		if s, err = c.sess.OpenStream(); err != nil {
			logger.Debug("打开流失败", "peer", p.id.ShortString(), "err", err)
			return
		}
		if err := WriteFrame(s, []byte(m.proto)); err != nil {
			_ = s.Close()
			return
		}
		c.streams[m.proto] = s
	}
	if err := WriteFrame(s, m.data); err != nil {
		logger.Debug("写入失败，关闭连接", "peer", p.id.ShortString(), "err", err)
		delete(c.streams, m.proto)
		_ = c.sess.Close()
	}
}
