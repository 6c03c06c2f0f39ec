// Package storage 提供基于 BadgerDB 的节点数据库
//
// 节点数据库保存跨重启需要保留的少量状态：
//
//   - 节点私钥（密钥文件不可用时的后备来源）
//   - 本地记录的序列号，保证重启后签发的记录版本继续递增
//   - 已验证的对端记录，启动时与引导记录一起注入路由表
//
// 数据目录为空时使用内存模式，进程退出后数据丢弃。
//
// # 键空间
//
//   - l/key - 本地私钥
//   - l/seq - 本地记录序列号
//   - r/<node_id> - 对端记录
package storage
