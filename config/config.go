// Package config 提供 beaconp2p 的配置结构
//
// 主 Config 结构体组合各子系统配置，每个子配置在独立文件中定义，
// 均提供 Default*Config()、Validate() 与 With* 辅助方法。
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Transport = cfg.Transport.WithTCPPort(9000)
//	cfg.Discovery.BootstrapRecords = []string{bootRecord}
//
//	// 从 JSON 加载
//	cfg, err := config.FromJSON(data)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config beaconp2p 的完整配置
//
// 配置按照功能模块组织：
//   - Identity: 节点私钥
//   - Transport: TCP 监听、UDP 发现端口、帧大小
//   - Discovery: 路由表与迭代查找
//   - Gossip: 主题命名空间与 mesh 水位
//   - RPC: 握手与本地状态
//   - Storage: 节点数据库目录
type Config struct {
	// Identity 身份配置
	Identity IdentityConfig `json:"identity"`

	// Transport 传输层配置
	Transport TransportConfig `json:"transport"`

	// Discovery 节点发现配置
	Discovery DiscoveryConfig `json:"discovery"`

	// Gossip 广播配置
	Gossip GossipConfig `json:"gossip"`

	// RPC 请求响应配置
	RPC RPCConfig `json:"rpc"`

	// Storage 存储配置
	Storage StorageConfig `json:"storage"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Identity:  DefaultIdentityConfig(),
		Transport: DefaultTransportConfig(),
		Discovery: DefaultDiscoveryConfig(),
		Gossip:    DefaultGossipConfig(),
		RPC:       DefaultRPCConfig(),
		Storage:   DefaultStorageConfig(),
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	out := *c
	out.Discovery.BootstrapRecords = append([]string(nil), c.Discovery.BootstrapRecords...)
	out.Gossip.Topics = append([]string(nil), c.Gossip.Topics...)
	return &out
}

// FromJSON 从 JSON 解析配置
//
// 未出现的字段保留默认值。
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToJSON 序列化配置为带缩进的 JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// LoadFile 从文件加载配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromJSON(data)
}

// SaveFile 保存配置到文件
func (c *Config) SaveFile(path string) error {
	data, err := c.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
