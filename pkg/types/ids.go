package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/bits"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// NodeIDSize NodeID 字节长度（256 位）
const NodeIDSize = 32

// NodeID 节点唯一标识符
//
// 由 secp256k1 公钥派生（keccak256(未压缩公钥[1:])），与 ENR v4 身份方案一致。
//
// 外部表示格式：
//   - String(): Base58 编码（用户可读、可分享）
//   - ShortString(): Base58 前缀（日志简短标识）
type NodeID [NodeIDSize]byte

// EmptyNodeID 空节点ID
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点ID错误
var ErrInvalidNodeID = errors.New("invalid node ID")

// String 返回 NodeID 的 Base58 字符串表示
func (id NodeID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 NodeID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Hex 返回十六进制表示
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes 返回 NodeID 的字节切片
func (id NodeID) Bytes() []byte {
	return id[:]
}

// IsEmpty 检查 NodeID 是否为空
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// XOR 返回两个 NodeID 的按位异或
func (id NodeID) XOR(other NodeID) NodeID {
	var out NodeID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// ParseNodeID 从 Base58 字符串解析 NodeID
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return EmptyNodeID, ErrInvalidNodeID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeIDFromBytes(b)
}

// ============================================================================
//                              距离
// ============================================================================

// LogDistance 返回 a XOR b 的比特长度
//
// 结果对称，取值 0..256；仅当 a == b 时为 0（自身，不放入任何桶）。
func LogDistance(a, b NodeID) int {
	for i := range a {
		x := a[i] ^ b[i]
		if x != 0 {
			return (NodeIDSize-i)*8 - bits.LeadingZeros8(x)
		}
	}
	return 0
}

// CompareDistance 比较 a、b 到 target 的 XOR 距离
//
// a 更近返回 -1，相同返回 0，b 更近返回 1。
func CompareDistance(target, a, b NodeID) int {
	da := target.XOR(a)
	db := target.XOR(b)
	return bytes.Compare(da[:], db[:])
}
