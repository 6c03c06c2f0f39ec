// Package transport 提供节点间的底层连接
//
// Host 负责：
//   - TCP 监听与拨号，连接建立后交换签名记录并互相证明私钥持有权
//   - 每个连接上运行一个 yamux 会话，每种协议每个方向一条流
//   - 流上的帧为 uvarint 长度前缀，首帧为协议名
//   - UDP 套接字收发发现协议数据包
//
// 所有网络 I/O 在 Host 内部的 goroutine 中完成，结果以 Event 的形式
// 写入 Inbox。Service 在 Poll 中非阻塞地取出事件，Ready 通道用于
// 在有新事件时唤醒宿主。
//
// # 会话
//
// 同一对端可能同时存在多条连接（例如双方同时拨号）。Host 以对端为单位
// 维护会话：第一条连接建立会话并产生 ConnEstablished，最后一条连接关闭
// 时产生 ConnClosed。写入总是走主连接（拨号方 NodeID 较小者，
// 相同时比较拨号方随机数），多余的连接在宽限期后关闭。
package transport
