// Package main 提供 beaconp2p 命令行入口
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dep2p/go-beaconp2p"
	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("beaconp2p/cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//   命令行参数：运行时覆盖 / 快速测试
//   JSON 配置文件：持久化配置
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	configFile    = flag.String("config", "", "配置文件路径（JSON）")
	port          = flag.Int("port", -1, "TCP 监听端口（0 = 随机端口）")
	discoveryPort = flag.Int("discovery-port", -1, "UDP 发现端口（0 = 随机端口）")
	boot          = flag.String("boot", "", "引导记录（逗号分隔的 bpr: 文本）")
	dataDir       = flag.String("datadir", "", "数据目录（为空时不持久化）")
	topics        = flag.String("topic", "", "启动时订阅的主题（逗号分隔）")

	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	if *showVersion {
		fmt.Println(beaconp2p.VersionInfo())
		return nil
	}
	log.SetupFromEnv()

	cfg, err := buildConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("启动 beaconp2p 节点", "version", beaconp2p.Version, "commit", beaconp2p.GitCommit)
	svc, err := beaconp2p.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}

	rec := svc.LocalRecord()
	fmt.Printf("节点 ID: %s\n", svc.LocalID())
	fmt.Printf("地址:    %v\n", rec.Addrs)
	fmt.Printf("记录:    %s\n", rec.EncodeText())
	fmt.Println("节点已启动，按 Ctrl+C 退出")

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n正在关闭节点...")
			return nil
		case <-svc.Ready():
		}
		for _, ev := range svc.Poll() {
			handleEvent(svc, ev)
		}
	}
}

// buildConfig 构建配置
//
// 优先级（从高到低）：命令行参数、环境变量、配置文件、默认值。
func buildConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFile(*configFile); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)

	if *port >= 0 {
		cfg.Transport = cfg.Transport.WithTCPPort(*port)
	}
	if *discoveryPort >= 0 {
		cfg.Transport = cfg.Transport.WithUDPPort(*discoveryPort)
	}
	if *boot != "" {
		cfg.Discovery = cfg.Discovery.WithBootstrapRecords(splitList(*boot)...)
	}
	if *dataDir != "" {
		cfg.Storage = cfg.Storage.WithDataDir(*dataDir)
	}
	if *topics != "" {
		cfg.Gossip = cfg.Gossip.WithTopics(splitList(*topics)...)
	}
	return cfg, cfg.Validate()
}

// handleEvent 记录事件，并以本地状态应答 Hello
func handleEvent(svc *beaconp2p.Service, ev types.Event) {
	switch e := ev.(type) {
	case types.PeerDialed:
		logger.Info("已拨通", "peer", e.Peer.ShortString())
	case types.PeerConnected:
		logger.Info("入站连接", "peer", e.Peer.ShortString())
	case types.PeerDisconnected:
		logger.Info("已断开", "peer", e.Peer.ShortString())
	case types.DialFailed:
		logger.Debug("拨号失败", "addr", e.Addr, "err", e.Err)
	case types.PeerDiscovered:
		logger.Debug("发现节点", "peer", e.Peer.ID.ShortString(), "seq", e.Peer.Seq)
	case types.PeerSubscribed:
		logger.Debug("对端订阅", "peer", e.Peer.ShortString(), "topic", e.Topic)
	case types.PeerUnsubscribed:
		logger.Debug("对端取消订阅", "peer", e.Peer.ShortString(), "topic", e.Topic)
	case types.PubsubMessage:
		logger.Info("收到广播", "from", e.Source.ShortString(), "id", e.ID, "topics", e.Topics, "size", len(e.Message.Data))
	case types.RPC:
		handleRPC(svc, e)
	}
}

func handleRPC(svc *beaconp2p.Service, e types.RPC) {
	switch r := e.Event.(type) {
	case types.RPCRequest:
		logger.Info("收到请求", "peer", e.Peer.ShortString(), "id", r.ID, "kind", r.Body.RequestKind())
		switch r.Body.(type) {
		case *types.HelloMessage:
			status := svc.Status()
			if err := svc.SendResponse(e.Peer, r.ID, &status); err != nil {
				logger.Warn("应答 Hello 失败", "peer", e.Peer.ShortString(), "err", err)
			}
		case *types.BlocksByRange, *types.BlocksByRoot:
			// 无链数据，返回空列表
			if err := svc.SendResponse(e.Peer, r.ID, &types.BeaconBlocks{}); err != nil {
				logger.Warn("应答区块请求失败", "peer", e.Peer.ShortString(), "err", err)
			}
		}
	case types.RPCResponse:
		logger.Info("收到响应", "peer", e.Peer.ShortString(), "id", r.ID, "kind", r.Body.ResponseKind())
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
