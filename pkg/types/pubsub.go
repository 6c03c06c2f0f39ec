package types

import "encoding/hex"

// MessageIDSize 消息ID长度
const MessageIDSize = 20

// MessageID 由内容派生的消息标识，用于去重
type MessageID [MessageIDSize]byte

// String 返回十六进制表示
func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// Message 广播载荷
//
// Kind 取自主题名称，Data 为解码后（已解压）的 SSZ 字节。
// 发布后不可变，转发时原样传递。
type Message struct {
	Kind MessageKind
	Data []byte
}
