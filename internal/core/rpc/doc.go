// Package rpc 实现按对端关联的请求/响应协议
//
// 请求 ID 按对端独立分配，从 1 开始递增，跳过仍在挂起中的 ID，
// 因此同一对端的挂起请求 ID 不会重复。
//
// 入站请求以 RPCRequest 事件交给宿主，响应由宿主调用 SendResponse 给出；
// 入站响应按 (peer, id) 与挂起表匹配，匹配成功后移除条目并产生
// RPCResponse 事件，无法匹配的响应记录日志后丢弃，不断开连接。
//
// Goodbye 请求不期待响应，既不进入挂起表也不进入入站表。
//
// 线路帧：
//
//	1:direction(1=request, 2=response) 2:id 3:kind 4:ssz_body
package rpc
