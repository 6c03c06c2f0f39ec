package beaconp2p

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/discovery/dht"
	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-beaconp2p/internal/core/metrics"
	"github.com/dep2p/go-beaconp2p/internal/core/rpc"
	"github.com/dep2p/go-beaconp2p/internal/core/storage"
	"github.com/dep2p/go-beaconp2p/internal/core/transport"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var fxLogger = log.Logger("beaconp2p/fx")

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. Storage → Identity
//  2. Transport → Metrics
//  3. Discovery → Gossip → RPC
//
// 所有组件只注册 OnStop 钩子：构造在 fx.New 中完成，
// 监听与引导由 Service.Start 显式执行。
func buildFxApp(cfg *config.Config, o *options, svc *Service) *fx.App {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置注入
	// ════════════════════════════════════════════════════════════════════════
	modules := []fx.Option{
		fx.Supply(cfg),
		fx.Supply(o.registry),
		fx.Provide(func() clock.Clock { return o.clock }),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 核心组件
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Provide(provideStorage),
		fx.Provide(provideIdentity),
		fx.Provide(provideHost),
		fx.Provide(provideMetrics),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 3. 协议组件
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Provide(provideDiscovery),
		fx.Provide(provideGossip),
		fx.Provide(provideRPC),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 4. 用户扩展（Fx Options）
	// ════════════════════════════════════════════════════════════════════════
	if len(o.userFxOptions) > 0 {
		modules = append(modules, o.userFxOptions...)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 5. Service 组件注入
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(injectServiceComponents(svc)))

	// ════════════════════════════════════════════════════════════════════════
	// 6. Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	return fx.New(modules...)
}

// ════════════════════════════════════════════════════════════════════════════
// 组件构造函数
// ════════════════════════════════════════════════════════════════════════════

func provideStorage(cfg *config.Config, lc fx.Lifecycle) (*storage.DB, error) {
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			fxLogger.Debug("关闭节点数据库")
			return db.Close()
		},
	})
	return db, nil
}

func provideIdentity(cfg *config.Config, db *storage.DB) (*identity.Identity, error) {
	return identity.Resolve(cfg.Identity, cfg.Storage.DataDir, db)
}

func provideHost(cfg *config.Config, id *identity.Identity, lc fx.Lifecycle) *transport.Host {
	h := transport.New(cfg.Transport, id)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			fxLogger.Debug("关闭传输层")
			return h.Close()
		},
	})
	return h
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideDiscovery(cfg *config.Config, id *identity.Identity, h *transport.Host, clk clock.Clock) *dht.Discovery {
	return dht.New(cfg.Discovery, id, h, clk)
}

func provideGossip(cfg *config.Config, id *identity.Identity, h *transport.Host, clk clock.Clock, m *metrics.Metrics) *gossipsub.Router {
	return gossipsub.New(cfg.Gossip, id.ID(), newProtocolSender(h, transport.ProtocolGossip, m), clk, m)
}

func provideRPC(h *transport.Host, m *metrics.Metrics) *rpc.Protocol {
	return rpc.New(newProtocolSender(h, transport.ProtocolRPC, m), m)
}

// ════════════════════════════════════════════════════════════════════════════
// 组件注入辅助函数
// ════════════════════════════════════════════════════════════════════════════

// serviceInjectParams Service 组件注入参数
type serviceInjectParams struct {
	fx.In

	DB        *storage.DB
	Identity  *identity.Identity
	Host      *transport.Host
	Metrics   *metrics.Metrics
	Discovery *dht.Discovery
	Gossip    *gossipsub.Router
	RPC       *rpc.Protocol
}

// injectServiceComponents 创建 Service 组件注入函数
func injectServiceComponents(svc *Service) interface{} {
	return func(p serviceInjectParams) {
		svc.db = p.DB
		svc.id = p.Identity
		svc.host = p.Host
		svc.metrics = p.Metrics
		svc.dht = p.Discovery
		svc.gossip = p.Gossip
		svc.rpc = p.RPC
	}
}

// ════════════════════════════════════════════════════════════════════════════
// 协议发送适配
// ════════════════════════════════════════════════════════════════════════════

// protocolSender 把子系统的发送绑定到一个流协议，并记录字节数
type protocolSender struct {
	host    *transport.Host
	proto   transport.Protocol
	metrics *metrics.Metrics
}

func newProtocolSender(h *transport.Host, proto transport.Protocol, m *metrics.Metrics) *protocolSender {
	return &protocolSender{host: h, proto: proto, metrics: m}
}

func (s *protocolSender) Send(id types.NodeID, data []byte) bool {
	if !s.host.Send(id, s.proto, data) {
		return false
	}
	s.metrics.LogSent(string(s.proto), len(data))
	return true
}
