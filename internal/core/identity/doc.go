// Package identity 管理节点身份与签名节点记录
//
// 身份由 secp256k1 私钥确定，NodeID = keccak256(未压缩公钥[1:])。
// 节点记录（PeerRecord）绑定 NodeID、序列号与可达地址，
// 由节点自身签名，接收方只能整体替换为更高序列号的新版本。
//
// 私钥来源按 Resolve 中的优先级确定，
// 新生成的私钥会写回密钥文件与节点数据库。
package identity
