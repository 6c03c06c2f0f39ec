// Package gossipsub 实现按主题维护的广播 mesh
//
// 每个主题维护一组 mesh 对端，大小保持在低水位与高水位之间：
//
//   - 对端订阅主题且 mesh 未达高水位时加入 mesh，本地已订阅时同时发送 GRAFT
//   - 收到 GRAFT 时即使超过高水位也加入，由心跳裁剪
//   - 心跳时 mesh 低于低水位则从已知订阅者中 GRAFT 补充到目标值
//   - 心跳时 mesh 高于高水位则 PRUNE 到目标值，保留连接时间最长的对端
//   - PRUNE 之后双方在 PruneBackoff 内不再互相 GRAFT
//
// mesh 之外的订阅者通过 IHAVE/IWANT 补齐：心跳向它们通告最近几个窗口的
// 消息 ID，对端只请求尚未见过的消息。
// 消息 ID 取 sha256(主题 || 线路数据) 的前 20 字节。已见过的消息直接丢弃，
// 新消息在本地订阅时交付给宿主，并转发给 mesh 中除来源外的所有对端。
//
// 主题名称为 /<namespace>/<kind>/<encoding>，只接受本节点命名空间下的主题，
// 其余主题静默忽略。ssz_snappy 编码的载荷在线路上使用 snappy 压缩。
//
// Router 不持有锁，由 Service 的单一所有者调用。
package gossipsub
