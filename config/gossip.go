package config

import (
	"errors"
	"time"
)

// GossipConfig 广播 mesh 配置
type GossipConfig struct {
	// Namespace 主题命名空间，只处理 /<Namespace>/... 下的主题
	Namespace string `json:"namespace"`

	// Topics 启动时订阅的主题
	Topics []string `json:"topics,omitempty"`

	// MeshLow 低水位，低于该值时在心跳中补充 mesh
	MeshLow int `json:"mesh_low"`

	// MeshTarget 补充或裁剪后的目标大小
	MeshTarget int `json:"mesh_target"`

	// MeshHigh 高水位，收到订阅时 mesh 低于该值才加入
	MeshHigh int `json:"mesh_high"`

	// SeenTTL 去重窗口
	SeenTTL Duration `json:"seen_ttl"`

	// SeenCacheSize 去重缓存容量
	SeenCacheSize int `json:"seen_cache_size"`

	// HeartbeatInterval mesh 维护间隔
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// PruneBackoff PRUNE 之后双方不再互相 GRAFT 的时长
	PruneBackoff Duration `json:"prune_backoff"`

	// HistoryLength 消息缓存保留的心跳窗口数
	HistoryLength int `json:"history_length"`

	// HistoryGossip IHAVE 通告最近多少个窗口的消息
	HistoryGossip int `json:"history_gossip"`
}

// DefaultGossipConfig 返回默认广播配置
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		Namespace:         "eth2",
		MeshLow:           6,
		MeshTarget:        8,
		MeshHigh:          12,
		SeenTTL:           Duration(2 * time.Minute),
		SeenCacheSize:     8192,
		HeartbeatInterval: Duration(time.Second),
		PruneBackoff:      Duration(time.Minute),
		HistoryLength:     5,
		HistoryGossip:     3,
	}
}

// Validate 验证广播配置
func (c GossipConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.MeshLow <= 0 || c.MeshLow > c.MeshTarget || c.MeshTarget > c.MeshHigh {
		return errors.New("mesh watermarks must satisfy 0 < low <= target <= high")
	}
	if c.SeenTTL <= 0 || c.HeartbeatInterval <= 0 || c.PruneBackoff <= 0 {
		return errors.New("intervals must be positive")
	}
	if c.SeenCacheSize <= 0 {
		return errors.New("seen cache size must be positive")
	}
	if c.HistoryGossip <= 0 || c.HistoryGossip > c.HistoryLength {
		return errors.New("history windows must satisfy 0 < gossip <= length")
	}
	return nil
}

// WithTopics 设置启动订阅的主题
func (c GossipConfig) WithTopics(topics ...string) GossipConfig {
	c.Topics = append([]string(nil), topics...)
	return c
}

// WithNamespace 设置命名空间
func (c GossipConfig) WithNamespace(ns string) GossipConfig {
	c.Namespace = ns
	return c
}
