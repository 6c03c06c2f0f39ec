// Package localnet 在单个进程内编排多个 beaconp2p 节点
//
// Network 是可复制的句柄，所有副本共享同一个节点注册表。
// 注册表用读写锁保护：添加节点时持有写锁，查询与轮询持有读锁，
// 因此可以在其他 goroutine 轮询的同时并发添加节点。
//
// 第一个节点是引导节点，之后添加的节点都以它的记录作为引导记录。
// 驱动只调用节点的公开操作：Start、Dial、Publish、SendRequest、Poll。
package localnet
