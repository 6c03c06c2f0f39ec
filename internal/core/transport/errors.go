package transport

import "errors"

var (
	// ErrClosed Host 已关闭
	ErrClosed = errors.New("transport closed")

	// ErrNotListening 尚未监听
	ErrNotListening = errors.New("transport not listening")

	// ErrSelfDial 连接到自身
	ErrSelfDial = errors.New("dialed self")

	// ErrHandshakeFailed 身份交换失败
	ErrHandshakeFailed = errors.New("identity handshake failed")

	// ErrFrameTooLarge 帧超过上限
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnknownProtocol 未知的流协议
	ErrUnknownProtocol = errors.New("unknown stream protocol")

	// ErrNoTCPAddress 地址不含 tcp
	ErrNoTCPAddress = errors.New("address has no tcp component")
)
