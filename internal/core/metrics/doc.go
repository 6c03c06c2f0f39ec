// Package metrics 提供 Service 的 prometheus 指标
//
// 每个 Service 持有独立的 prometheus.Registry，同一进程中的多个节点
// 互不干扰：
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.PeersConnected.Inc()
//
// 未传入 Registerer 时指标照常计数，只是不对外暴露。
//
// # 带宽
//
// 按协议与方向统计帧字节数：
//
//	m.LogRecv(transport.ProtocolGossip, len(frame))
//	m.LogSent(transport.ProtocolRPC, len(frame))
package metrics
