package types

import (
	ma "github.com/multiformats/go-multiaddr"
)

// ============================================================================
//                              Event - 服务事件
// ============================================================================

// Event 服务输出的事件（封闭集合）
//
// 由 Service.Poll 按产生顺序返回，宿主使用类型 switch 消费：
//
//	for _, ev := range svc.Poll() {
//	    switch e := ev.(type) {
//	    case types.PeerDialed:
//	    case types.PubsubMessage:
//	    case types.RPC:
//	    }
//	}
type Event interface {
	isEvent()
}

// PeerInfo 已验证的对端记录摘要
type PeerInfo struct {
	ID    NodeID
	Seq   uint64
	Addrs []ma.Multiaddr
}

// PeerDialed 出站拨号成功，连接已建立
type PeerDialed struct {
	Peer NodeID
}

// PeerConnected 入站连接已建立
type PeerConnected struct {
	Peer NodeID
}

// PeerDisconnected 连接已断开，该对端的挂起请求与 mesh 成员关系均已清除
type PeerDisconnected struct {
	Peer NodeID
}

// DialFailed 拨号失败（非致命）
type DialFailed struct {
	Addr ma.Multiaddr
	Err  error
}

// PeerDiscovered 发现新的或更新版本的对端记录
type PeerDiscovered struct {
	Peer PeerInfo
}

// PeerSubscribed 对端订阅了主题
type PeerSubscribed struct {
	Peer  NodeID
	Topic TopicHash
}

// PeerUnsubscribed 对端取消订阅主题
type PeerUnsubscribed struct {
	Peer  NodeID
	Topic TopicHash
}

// PubsubMessage 收到广播消息
//
// Source 是直接转发该消息的对端，不一定是原始发布者。
type PubsubMessage struct {
	Source  NodeID
	ID      MessageID
	Topics  []TopicHash
	Message Message
}

// RPC 请求/响应事件
type RPC struct {
	Peer  NodeID
	Event RPCEvent
}

func (PeerDialed) isEvent()       {}
func (PeerConnected) isEvent()    {}
func (PeerDisconnected) isEvent() {}
func (DialFailed) isEvent()       {}
func (PeerDiscovered) isEvent()   {}
func (PeerSubscribed) isEvent()   {}
func (PeerUnsubscribed) isEvent() {}
func (PubsubMessage) isEvent()    {}
func (RPC) isEvent()              {}

// ============================================================================
//                              RPCEvent - RPC 子事件
// ============================================================================

// RPCEvent RPC 子事件（封闭集合）
type RPCEvent interface {
	isRPCEvent()
}

// RPCRequest 收到对端请求，响应由宿主通过 SendResponse 给出
type RPCRequest struct {
	ID   RequestID
	Body Request
}

// RPCResponse 收到与本地挂起请求匹配的响应
type RPCResponse struct {
	ID   RequestID
	Body Response
}

func (RPCRequest) isRPCEvent()  {}
func (RPCResponse) isRPCEvent() {}
