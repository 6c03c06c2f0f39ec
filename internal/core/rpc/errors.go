package rpc

import "errors"

var (
	// ErrUnknownPeer 对端未登记（未连接）
	ErrUnknownPeer = errors.New("rpc: unknown peer")

	// ErrSendFailed 帧未能进入发送队列
	ErrSendFailed = errors.New("rpc: send failed")

	// ErrNoInboundRequest 没有待响应的入站请求
	ErrNoInboundRequest = errors.New("rpc: no inbound request with this id")

	// ErrResponseMismatch 响应类型与请求类型不匹配
	ErrResponseMismatch = errors.New("rpc: response kind does not match request")

	// ErrMalformedFrame 帧格式错误
	ErrMalformedFrame = errors.New("rpc: malformed frame")
)
