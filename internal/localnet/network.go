package localnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-beaconp2p"
	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

var logger = log.Logger("localnet")

// driveInterval 两轮轮询之间的间隔
const driveInterval = 5 * time.Millisecond

// ErrNoSuchNode 节点索引越界
var ErrNoSuchNode = errors.New("no such node")

// inner 共享状态
type inner struct {
	template *config.Config
	opts     []beaconp2p.Option

	mu    sync.RWMutex
	nodes []*beaconp2p.Service
}

// Network 本地网络句柄
type Network struct {
	*inner
}

// New 创建只含引导节点的网络
//
// template 为每个节点配置的模板，端口应为 0 以便自动分配。
func New(ctx context.Context, template *config.Config, opts ...beaconp2p.Option) (Network, error) {
	if template == nil {
		template = config.NewConfig()
	}
	n := Network{&inner{template: template, opts: opts}}
	boot, err := n.start(ctx, template.Clone())
	if err != nil {
		return Network{}, fmt.Errorf("start boot node: %w", err)
	}
	n.nodes = append(n.nodes, boot)
	logger.Info("引导节点已启动", "id", boot.LocalID().ShortString())
	return n, nil
}

func (n Network) start(ctx context.Context, cfg *config.Config) (*beaconp2p.Service, error) {
	svc, err := beaconp2p.New(cfg, n.opts...)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

// AddNode 添加一个以引导节点为引导记录的节点
//
// cfg 为 nil 时使用模板。
func (n Network) AddNode(ctx context.Context, cfg *config.Config) (*beaconp2p.Service, error) {
	if cfg == nil {
		cfg = n.template.Clone()
	} else {
		cfg = cfg.Clone()
	}

	n.mu.RLock()
	if len(n.nodes) == 0 {
		n.mu.RUnlock()
		return nil, beaconp2p.ErrClosed
	}
	boot := n.nodes[0]
	n.mu.RUnlock()
	cfg.Discovery.BootstrapRecords = append(cfg.Discovery.BootstrapRecords, boot.LocalRecord().EncodeText())

	svc, err := n.start(ctx, cfg)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.nodes = append(n.nodes, svc)
	count := len(n.nodes)
	n.mu.Unlock()
	logger.Debug("节点已加入", "id", svc.LocalID().ShortString(), "nodes", count)
	return svc, nil
}

// AddNodes 并发添加 count 个节点
func (n Network) AddNodes(ctx context.Context, count int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			_, err := n.AddNode(ctx, nil)
			return err
		})
	}
	return g.Wait()
}

// NodeCount 返回节点数
func (n Network) NodeCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nodes)
}

// Node 返回第 i 个节点
func (n Network) Node(i int) (*beaconp2p.Service, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if i < 0 || i >= len(n.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchNode, i)
	}
	return n.nodes[i], nil
}

// Nodes 返回全部节点的快照
func (n Network) Nodes() []*beaconp2p.Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*beaconp2p.Service(nil), n.nodes...)
}

// ConnectFullMesh 让 nodes 两两拨号
func ConnectFullMesh(nodes []*beaconp2p.Service) error {
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if err := Connect(nodes[i], nodes[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Connect 从 a 拨号 b 的 TCP 地址
func Connect(a, b *beaconp2p.Service) error {
	rec := b.LocalRecord()
	if rec == nil {
		return beaconp2p.ErrNotStarted
	}
	addr, ok := rec.TCPMultiaddr()
	if !ok {
		return fmt.Errorf("node %s has no tcp address", rec.NodeID.ShortString())
	}
	return a.Dial(addr)
}

// PollAll 轮询每个节点一次，结果与 Nodes 的顺序一致
func (n Network) PollAll() [][]types.Event {
	nodes := n.Nodes()
	out := make([][]types.Event, len(nodes))
	for i, svc := range nodes {
		out[i] = svc.Poll()
	}
	return out
}

// Drive 反复轮询全部节点直到 done 返回 true 或 ctx 结束
//
// onEvent 对每个事件调用一次，i 为节点索引。onEvent 可为 nil。
func (n Network) Drive(ctx context.Context, onEvent func(i int, ev types.Event), done func() bool) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		for i, events := range n.PollAll() {
			if onEvent == nil {
				continue
			}
			for _, ev := range events {
				onEvent(i, ev)
			}
		}
		if done() {
			return nil
		}
		timer.Reset(driveInterval)
	}
}

// Close 关闭全部节点
func (n Network) Close() error {
	n.mu.Lock()
	nodes := n.nodes
	n.nodes = nil
	n.mu.Unlock()

	var err error
	for _, svc := range nodes {
		err = multierr.Append(err, svc.Close())
	}
	return err
}
