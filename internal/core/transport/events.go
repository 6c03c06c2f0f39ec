package transport

import (
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// Protocol 流协议
type Protocol string

const (
	// ProtocolRPC 请求响应协议
	ProtocolRPC Protocol = "/eth2/beacon_chain/req/1"
	// ProtocolGossip 广播协议
	ProtocolGossip Protocol = "/meshsub/1.0.0"
)

func (p Protocol) known() bool {
	return p == ProtocolRPC || p == ProtocolGossip
}

// SessionID 对端会话标识，对端每次从无连接变为有连接时递增
type SessionID uint64

// Event 底层事件
type Event interface {
	isTransportEvent()
}

// ConnEstablished 与对端的新会话建立
type ConnEstablished struct {
	Peer     types.NodeID
	Session  SessionID
	Record   *identity.PeerRecord
	Outbound bool
	// Addr 出站时为拨号地址
	Addr ma.Multiaddr
}

// ConnClosed 会话的最后一条连接关闭
type ConnClosed struct {
	Peer    types.NodeID
	Session SessionID
}

// DialFailed 拨号失败
type DialFailed struct {
	Addr ma.Multiaddr
	Err  error
}

// AlreadyConnected 拨号成功但对端已有会话，新连接并入已有会话
type AlreadyConnected struct {
	Addr ma.Multiaddr
	Peer types.NodeID
}

// StreamFrame 协议流上收到一帧
type StreamFrame struct {
	Peer     types.NodeID
	Session  SessionID
	Protocol Protocol
	Data     []byte
}

// Packet UDP 数据包
type Packet struct {
	From *net.UDPAddr
	Data []byte
}

func (ConnEstablished) isTransportEvent()  {}
func (ConnClosed) isTransportEvent()       {}
func (DialFailed) isTransportEvent()       {}
func (AlreadyConnected) isTransportEvent() {}
func (StreamFrame) isTransportEvent()      {}
func (Packet) isTransportEvent()           {}
