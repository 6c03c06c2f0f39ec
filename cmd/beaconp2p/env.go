package main

import (
	"os"
	"strconv"

	"github.com/dep2p/go-beaconp2p/config"
)

// ============================================================================
//                              环境变量覆盖
// ============================================================================

// 环境变量（均使用 BEACONP2P_ 前缀）
const (
	envPrefix      = "BEACONP2P_"
	envTCPPort     = envPrefix + "TCP_PORT"
	envUDPPort     = envPrefix + "UDP_PORT"
	envDataDir     = envPrefix + "DATA_DIR"
	envSecretKey   = envPrefix + "SECRET_KEY"
	envBootstrap   = envPrefix + "BOOTSTRAP"
	envForkVersion = envPrefix + "FORK_VERSION"
)

// applyEnvOverrides 应用环境变量覆盖配置
//
// 环境变量优先级高于配置文件，低于命令行参数。无法解析的值被忽略。
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv(envTCPPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Transport = cfg.Transport.WithTCPPort(p)
		}
	}
	if v := os.Getenv(envUDPPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Transport = cfg.Transport.WithUDPPort(p)
		}
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.Storage = cfg.Storage.WithDataDir(v)
	}
	if v := os.Getenv(envSecretKey); v != "" {
		cfg.Identity = cfg.Identity.WithSecretKeyHex(v)
	}
	if v := os.Getenv(envBootstrap); v != "" {
		cfg.Discovery = cfg.Discovery.WithBootstrapRecords(splitList(v)...)
	}
	if v := os.Getenv(envForkVersion); v != "" {
		cfg.RPC.ForkVersion = v
	}
}
