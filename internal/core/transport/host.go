package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("core/transport")

const (
	// maxPacketSize UDP 数据包上限
	maxPacketSize = 64 * 1024
	// duplicateGrace 多余连接关闭前的宽限期
	duplicateGrace = 2 * time.Second
)

// ============================================================================
//                              Host 实现
// ============================================================================

// Host 管理监听、拨号与全部对端连接
type Host struct {
	cfg    config.TransportConfig
	local  *identity.Identity
	record atomic.Pointer[identity.PeerRecord]

	inbox  chan Event
	notify chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	tcp net.Listener
	udp *net.UDPConn

	mu       sync.Mutex
	peers    map[types.NodeID]*peer
	nextSess SessionID
	nextConn uint64
}

// New 创建 Host
func New(cfg config.TransportConfig, local *identity.Identity) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:    cfg,
		local:  local,
		inbox:  make(chan Event, cfg.InboxSize),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[types.NodeID]*peer),
	}
}

// Listen 绑定 TCP 端口，withUDP 为真时同时绑定发现协议的 UDP 端口
func (h *Host) Listen(withUDP bool) error {
	if h.closed.Load() {
		return ErrClosed
	}
	ip := net.ParseIP(h.cfg.ListenIP)
	tcp, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: h.cfg.TCPPort})
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	h.tcp = tcp

	if withUDP {
		udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: h.cfg.UDPPort})
		if err != nil {
			_ = tcp.Close()
			return fmt.Errorf("listen udp: %w", err)
		}
		h.udp = udp
	}
	return nil
}

// TCPAddr 返回实际监听的 TCP 地址
func (h *Host) TCPAddr() *net.TCPAddr {
	if h.tcp == nil {
		return nil
	}
	return h.tcp.Addr().(*net.TCPAddr)
}

// UDPAddr 返回实际监听的 UDP 地址
func (h *Host) UDPAddr() *net.UDPAddr {
	if h.udp == nil {
		return nil
	}
	return h.udp.LocalAddr().(*net.UDPAddr)
}

// ListenAddrs 返回写入本地记录的地址
//
// 监听地址为未指定地址（0.0.0.0）且未配置对外地址时使用回环地址。
func (h *Host) ListenAddrs() ([]ma.Multiaddr, error) {
	if h.tcp == nil {
		return nil, ErrNotListening
	}
	ip := net.ParseIP(h.cfg.AdvertiseIP)
	if ip == nil {
		ip = net.ParseIP(h.cfg.ListenIP)
	}
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}

	var out []ma.Multiaddr
	tcp, err := manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: h.TCPAddr().Port})
	if err != nil {
		return nil, err
	}
	out = append(out, tcp)
	if h.udp != nil {
		udp, err := manet.FromNetAddr(&net.UDPAddr{IP: ip, Port: h.UDPAddr().Port})
		if err != nil {
			return nil, err
		}
		out = append(out, udp)
	}
	return out, nil
}

// Start 设置本地记录并开始接受连接与数据包
func (h *Host) Start(rec *identity.PeerRecord) error {
	if h.tcp == nil {
		return ErrNotListening
	}
	h.record.Store(rec)
	if h.started.Swap(true) {
		return nil
	}
	h.wg.Add(1)
	go h.acceptLoop()
	if h.udp != nil {
		h.wg.Add(1)
		go h.packetLoop()
	}
	return nil
}

// SetLocalRecord 更新握手时发送的本地记录
func (h *Host) SetLocalRecord(rec *identity.PeerRecord) {
	h.record.Store(rec)
}

// Inbox 底层事件队列
func (h *Host) Inbox() <-chan Event {
	return h.inbox
}

// Ready 有新事件写入 Inbox 时收到通知（合并多次通知）
func (h *Host) Ready() <-chan struct{} {
	return h.notify
}

// push 写入事件，阻塞直到有空间或 Host 关闭
func (h *Host) push(ev Event) {
	select {
	case h.inbox <- ev:
	case <-h.ctx.Done():
		return
	}
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// ============================================================================
//                              拨号与接受
// ============================================================================

// Dial 异步拨号
//
// 结果以 ConnEstablished、AlreadyConnected 或 DialFailed 事件给出。
// 返回的 cancel 放弃本次拨号，不影响其他连接。
func (h *Host) Dial(addr ma.Multiaddr) (context.CancelFunc, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if h.record.Load() == nil {
		return nil, ErrNotListening
	}
	if _, err := addr.ValueForProtocol(ma.P_TCP); err != nil {
		return nil, ErrNoTCPAddress
	}
	na, err := manet.ToNetAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoTCPAddress, err)
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.DialTimeout.Std())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		if err := h.dial(ctx, addr, na.String()); err != nil {
			logger.Debug("拨号失败", "addr", addr, "err", err)
			h.push(DialFailed{Addr: addr, Err: err})
		}
	}()
	return cancel, nil
}

func (h *Host) dial(ctx context.Context, addr ma.Multiaddr, target string) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	res, err := handshake(raw, h.local, h.record.Load(), true, h.cfg.DialTimeout.Std())
	if !stop() {
		_ = raw.Close()
		return ctx.Err()
	}
	if err != nil {
		_ = raw.Close()
		return err
	}
	return h.register(raw, res, true, addr)
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		raw, err := h.tcp.Accept()
		if err != nil {
			if h.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("接受连接失败", "err", err)
			continue
		}
		h.wg.Add(1)
		go h.handleInbound(raw)
	}
}

func (h *Host) handleInbound(raw net.Conn) {
	defer h.wg.Done()
	stop := context.AfterFunc(h.ctx, func() { _ = raw.Close() })
	res, err := handshake(raw, h.local, h.record.Load(), false, h.cfg.HandshakeTimeout.Std())
	if !stop() {
		_ = raw.Close()
		return
	}
	if err != nil {
		logger.Debug("入站握手失败", "remote", raw.RemoteAddr(), "err", err)
		_ = raw.Close()
		return
	}
	if err := h.register(raw, res, false, nil); err != nil {
		logger.Debug("注册入站连接失败", "err", err)
	}
}

// ============================================================================
//                              UDP
// ============================================================================

// SendPacket 发送 UDP 数据包
func (h *Host) SendPacket(to *net.UDPAddr, data []byte) error {
	if h.udp == nil {
		return ErrNotListening
	}
	_, err := h.udp.WriteToUDP(data, to)
	return err
}

func (h *Host) packetLoop() {
	defer h.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := h.udp.ReadFromUDP(buf)
		if err != nil {
			if h.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("读取数据包失败", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.push(Packet{From: from, Data: data})
	}
}

// ============================================================================
//                              查询与关闭
// ============================================================================

// Connected 对端是否有活动会话
func (h *Host) Connected(id types.NodeID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[id]
	return ok
}

// ConnCount 对端当前的连接数
func (h *Host) ConnCount(id types.NodeID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[id]; ok {
		return len(p.conns)
	}
	return 0
}

// Close 关闭 Host 与全部连接
func (h *Host) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.cancel()

	var err error
	if h.tcp != nil {
		err = multierr.Append(err, h.tcp.Close())
	}
	if h.udp != nil {
		err = multierr.Append(err, h.udp.Close())
	}

	h.mu.Lock()
	for _, p := range h.peers {
		for _, c := range p.conns {
			_ = c.sess.Close()
		}
	}
	h.mu.Unlock()

	h.wg.Wait()
	return err
}
