// Package types 定义 beaconp2p 的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他 beaconp2p 内部包。
// 所有类型都是纯值类型，用于在宿主节点与网络核心之间传递数据。
//
// # 文件组织
//
// 基础类型:
//   - ids.go      - NodeID（Base58 外部表示）
//   - enums.go    - ConnState, Direction
//
// 协议类型:
//   - topic.go    - Topic, TopicHash, MessageKind, Encoding
//   - pubsub.go   - PubsubMessage, MessageID
//   - rpc.go      - HelloMessage, Goodbye, BlocksByRange 等 RPC 消息体
//
// 事件类型:
//   - events.go   - Event 封闭变体集合（PeerDialed, PeerSubscribed, PubsubMessage, RPC ...）
//
// # 与 internal 包的区别
//
// pkg/types 定义 Go 内存结构，
// 线路格式（wire format）由各子系统在 internal/core 下各自定义。
package types
