package config

import (
	"encoding/hex"
	"errors"
	"strings"
)

// RPCConfig 请求响应协议配置
type RPCConfig struct {
	// Handshake 连接建立后是否自动发送 Hello
	Handshake bool `json:"handshake"`

	// ForkVersion 本地分叉版本（4 字节十六进制）
	ForkVersion string `json:"fork_version"`

	// FinalizedEpoch 初始 finalized epoch
	FinalizedEpoch uint64 `json:"finalized_epoch"`

	// HeadSlot 初始 head slot
	HeadSlot uint64 `json:"head_slot"`
}

// DefaultRPCConfig 返回默认 RPC 配置
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Handshake:   true,
		ForkVersion: "0x00000000",
	}
}

// Validate 验证 RPC 配置
func (c RPCConfig) Validate() error {
	if _, err := c.ForkVersionBytes(); err != nil {
		return err
	}
	return nil
}

// ForkVersionBytes 解析分叉版本
func (c RPCConfig) ForkVersionBytes() ([4]byte, error) {
	var out [4]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(c.ForkVersion, "0x"))
	if err != nil || len(raw) != 4 {
		return out, errors.New("fork version must be 4 hex-encoded bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// WithHandshake 设置是否自动握手
func (c RPCConfig) WithHandshake(enabled bool) RPCConfig {
	c.Handshake = enabled
	return c
}
