package config

import (
	"errors"
	"time"
)

// DiscoveryConfig 节点发现配置
type DiscoveryConfig struct {
	// Enabled 是否启用 UDP 发现
	Enabled bool `json:"enabled"`

	// BootstrapRecords 引导节点记录（Base64 编码的签名记录）
	BootstrapRecords []string `json:"bootstrap_records,omitempty"`

	// BucketSize 每个 K 桶的容量
	BucketSize int `json:"bucket_size"`

	// Alpha 每轮并发查询数
	Alpha int `json:"alpha"`

	// MaxRounds 单次查找的轮次上限
	MaxRounds int `json:"max_rounds"`

	// QueryTimeout 单个 FINDNODE 的等待时间
	QueryTimeout Duration `json:"query_timeout"`

	// RefreshInterval 周期性随机查找间隔
	RefreshInterval Duration `json:"refresh_interval"`

	// MaxPeers 由发现驱动自动拨号的连接上限
	MaxPeers int `json:"max_peers"`

	// FindNodeRate 每个发送方每秒允许的 FINDNODE 数
	FindNodeRate float64 `json:"find_node_rate"`

	// FindNodeBurst 每个发送方的突发额度
	FindNodeBurst int `json:"find_node_burst"`
}

// DefaultDiscoveryConfig 返回默认发现配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Enabled:         true,
		BucketSize:      16,
		Alpha:           3,
		MaxRounds:       8,
		QueryTimeout:    Duration(time.Second),
		RefreshInterval: Duration(30 * time.Second),
		MaxPeers:        50,
		FindNodeRate:    10,
		FindNodeBurst:   20,
	}
}

// Validate 验证发现配置
func (c DiscoveryConfig) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("bucket size must be positive")
	}
	if c.Alpha <= 0 || c.Alpha > c.BucketSize {
		return errors.New("alpha must be in [1, bucket size]")
	}
	if c.MaxRounds <= 0 {
		return errors.New("max rounds must be positive")
	}
	if c.QueryTimeout <= 0 || c.RefreshInterval <= 0 {
		return errors.New("intervals must be positive")
	}
	if c.MaxPeers < 0 {
		return errors.New("max peers must not be negative")
	}
	if c.FindNodeRate <= 0 || c.FindNodeBurst <= 0 {
		return errors.New("find node rate limit must be positive")
	}
	return nil
}

// WithBootstrapRecords 设置引导记录
func (c DiscoveryConfig) WithBootstrapRecords(records ...string) DiscoveryConfig {
	c.BootstrapRecords = append([]string(nil), records...)
	return c
}

// WithMaxPeers 设置自动拨号上限
func (c DiscoveryConfig) WithMaxPeers(n int) DiscoveryConfig {
	c.MaxPeers = n
	return c
}
