// Package dht 实现基于 Kademlia 的节点发现
//
// 路由表按 LogDistance(local, id) 分为 256 个桶，每桶容量 k，
// 最近见到的节点在前，桶满时淘汰最久未见且未连接的节点。
// 同一节点的记录按序列号合并，只保留最新版本。
//
// 查找（Lookup）是由 Poll 驱动的状态机：每轮向目标最近的 k 个节点中
// 尚未询问的至多 α 个发送 FINDNODE，所有请求返回或超时后本轮结束；
// 最近距离有改进且未超过轮次上限时继续下一轮。
//
// 协议运行在 UDP 上：
//
//	FINDNODE{req_id, target, sender_record}
//	NODES{req_id, records[], sender_record}
//
// Discovery 不持有锁，由 Service 的单一所有者调用。
package dht
