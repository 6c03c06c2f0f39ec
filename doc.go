// Package beaconp2p 实现信标链节点的 p2p 网络层
//
// Service 组合以下子系统，并通过单一的非阻塞 Poll 输出事件：
//
//   - 身份与签名节点记录（internal/core/identity）
//   - 基于 Kademlia 的 UDP 节点发现（internal/core/discovery/dht）
//   - 按主题维护的广播 mesh（internal/core/messaging/gossipsub）
//   - 按对端关联的请求/响应协议与 Hello 握手（internal/core/rpc）
//
// # 快速开始
//
//	cfg := config.NewConfig()
//	svc, err := beaconp2p.New(cfg)
//	if err != nil {
//	    return err
//	}
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	for {
//	    select {
//	    case <-svc.Ready():
//	    case <-ctx.Done():
//	        return nil
//	    }
//	    for _, ev := range svc.Poll() {
//	        switch e := ev.(type) {
//	        case types.PeerDialed:
//	        case types.PubsubMessage:
//	        case types.RPC:
//	            _ = e
//	        }
//	    }
//	}
//
// # 并发模型
//
// 每个 Service 只有一个逻辑所有者。传输层的后台 goroutine 只向收件箱写入
// 底层事件，路由表、mesh 与挂起请求表都只在 Poll 与 API 调用中修改。
// Service 用一把互斥锁串行化这些调用，子系统本身不加锁。
//
// Poll 从不阻塞，也从不返回错误：没有事件时返回空切片，
// 调用方应等待 Ready() 后再次调用。
package beaconp2p
