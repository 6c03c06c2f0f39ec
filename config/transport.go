package config

import (
	"errors"
	"net"
	"time"
)

// TransportConfig 传输层配置
type TransportConfig struct {
	// ListenIP 监听地址
	ListenIP string `json:"listen_ip"`

	// AdvertiseIP 写入本地记录的对外地址，为空时使用监听地址
	AdvertiseIP string `json:"advertise_ip,omitempty"`

	// TCPPort TCP 端口，0 表示随机
	TCPPort int `json:"tcp_port"`

	// UDPPort 发现协议 UDP 端口，0 表示随机
	UDPPort int `json:"udp_port"`

	// DialTimeout 拨号超时（含身份交换）
	DialTimeout Duration `json:"dial_timeout"`

	// HandshakeTimeout 入站连接身份交换超时
	HandshakeTimeout Duration `json:"handshake_timeout"`

	// MaxFrameSize 单帧最大字节数
	MaxFrameSize int `json:"max_frame_size"`

	// WriteQueueSize 每个对端的发送队列长度，队列满时丢弃
	WriteQueueSize int `json:"write_queue_size"`

	// InboxSize 底层事件队列长度
	InboxSize int `json:"inbox_size"`
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenIP:         "0.0.0.0",
		TCPPort:          9000,
		UDPPort:          9000,
		DialTimeout:      Duration(10 * time.Second),
		HandshakeTimeout: Duration(5 * time.Second),
		MaxFrameSize:     10 << 20,
		WriteQueueSize:   256,
		InboxSize:        4096,
	}
}

// Validate 验证传输配置
func (c TransportConfig) Validate() error {
	if net.ParseIP(c.ListenIP) == nil {
		return errors.New("invalid listen ip")
	}
	if c.AdvertiseIP != "" && net.ParseIP(c.AdvertiseIP) == nil {
		return errors.New("invalid advertise ip")
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 || c.UDPPort < 0 || c.UDPPort > 65535 {
		return errors.New("port out of range")
	}
	if c.DialTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.MaxFrameSize < 1024 {
		return errors.New("max frame size must be at least 1KiB")
	}
	if c.WriteQueueSize <= 0 || c.InboxSize <= 0 {
		return errors.New("queue sizes must be positive")
	}
	return nil
}

// WithListenIP 设置监听地址
func (c TransportConfig) WithListenIP(ip string) TransportConfig {
	c.ListenIP = ip
	return c
}

// WithTCPPort 设置 TCP 端口
func (c TransportConfig) WithTCPPort(port int) TransportConfig {
	c.TCPPort = port
	return c
}

// WithUDPPort 设置 UDP 端口
func (c TransportConfig) WithUDPPort(port int) TransportConfig {
	c.UDPPort = port
	return c
}
