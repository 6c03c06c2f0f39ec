package identity

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              PeerRecord - 签名节点记录
// ============================================================================

// recordTextPrefix 文本形式记录的前缀
const recordTextPrefix = "bpr:"

// 线路字段编号
const (
	fieldNodeID    protowire.Number = 1
	fieldSeq       protowire.Number = 2
	fieldAddr      protowire.Number = 3
	fieldPubKey    protowire.Number = 4
	fieldSignature protowire.Number = 5
)

// PeerRecord 由节点自身签名的记录
//
// 接收方从不修改记录，只会用更高 Seq 的新版本整体替换。
type PeerRecord struct {
	NodeID    types.NodeID
	Seq       uint64
	Addrs     []ma.Multiaddr
	PubKey    []byte // 33 字节压缩公钥
	Signature []byte // DER 编码
}

// NewPeerRecord 构造并签名记录
func NewPeerRecord(id *Identity, seq uint64, addrs []ma.Multiaddr) (*PeerRecord, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	for _, a := range addrs {
		if !hasTransport(a) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, a)
		}
	}
	rec := &PeerRecord{
		NodeID: id.ID(),
		Seq:    seq,
		Addrs:  append([]ma.Multiaddr(nil), addrs...),
		PubKey: id.PublicKey().SerializeCompressed(),
	}
	rec.Signature = id.Sign(rec.content())
	return rec, nil
}

// content 返回被签名的内容（不含签名字段）
func (r *PeerRecord) content() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNodeID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.NodeID[:])
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	for _, a := range r.Addrs {
		b = protowire.AppendTag(b, fieldAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	b = protowire.AppendTag(b, fieldPubKey, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PubKey)
	return b
}

// Verify 验证记录
//
// 检查公钥可解析、NodeID 与公钥一致、至少有一个地址、
// 每个地址都带 tcp 或 udp，以及签名有效。
func (r *PeerRecord) Verify() error {
	pub, err := secp256k1.ParsePubKey(r.PubKey)
	if err != nil {
		return ErrInvalidPublicKey
	}
	if NodeIDFromPublicKey(pub) != r.NodeID {
		return ErrIDMismatch
	}
	if len(r.Addrs) == 0 {
		return ErrNoAddresses
	}
	for _, a := range r.Addrs {
		if !hasTransport(a) {
			return ErrInvalidAddress
		}
	}
	if !VerifySignature(pub, r.content(), r.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Equal 比较两条记录是否完全相同
func (r *PeerRecord) Equal(other *PeerRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return bytes.Equal(r.Marshal(), other.Marshal())
}

// TCPAddr 返回第一个 TCP 地址
func (r *PeerRecord) TCPAddr() (*net.TCPAddr, bool) {
	for _, a := range r.Addrs {
		if _, err := a.ValueForProtocol(ma.P_TCP); err != nil {
			continue
		}
		na, err := manet.ToNetAddr(a)
		if err != nil {
			continue
		}
		if tcp, ok := na.(*net.TCPAddr); ok {
			return tcp, true
		}
	}
	return nil, false
}

// UDPAddr 返回第一个 UDP 地址
func (r *PeerRecord) UDPAddr() (*net.UDPAddr, bool) {
	for _, a := range r.Addrs {
		if _, err := a.ValueForProtocol(ma.P_UDP); err != nil {
			continue
		}
		na, err := manet.ToNetAddr(a)
		if err != nil {
			continue
		}
		if udp, ok := na.(*net.UDPAddr); ok {
			return udp, true
		}
	}
	return nil, false
}

// TCPMultiaddr 返回第一个 TCP multiaddr
func (r *PeerRecord) TCPMultiaddr() (ma.Multiaddr, bool) {
	for _, a := range r.Addrs {
		if _, err := a.ValueForProtocol(ma.P_TCP); err == nil {
			return a, true
		}
	}
	return nil, false
}

// Info 返回记录摘要
func (r *PeerRecord) Info() types.PeerInfo {
	return types.PeerInfo{
		ID:    r.NodeID,
		Seq:   r.Seq,
		Addrs: append([]ma.Multiaddr(nil), r.Addrs...),
	}
}

func (r *PeerRecord) String() string {
	return fmt.Sprintf("PeerRecord{%s seq=%d addrs=%v}", r.NodeID.ShortString(), r.Seq, r.Addrs)
}

// ============================================================================
//                              Merge - 版本合并
// ============================================================================

// Decision 合并决定
type Decision int

const (
	// Ignore 保留已有记录
	Ignore Decision = iota
	// Replace 使用新记录替换
	Replace
)

func (d Decision) String() string {
	if d == Replace {
		return "replace"
	}
	return "ignore"
}

// Merge 决定是否用 incoming 替换 existing
//
// 当且仅当 existing 为空或 incoming.Seq 更大时替换。
// 两条记录属于不同节点时不替换。
func Merge(existing, incoming *PeerRecord) Decision {
	if incoming == nil {
		return Ignore
	}
	if existing == nil {
		return Replace
	}
	if existing.NodeID != incoming.NodeID {
		return Ignore
	}
	if incoming.Seq > existing.Seq {
		return Replace
	}
	return Ignore
}

// ============================================================================
//                              编解码
// ============================================================================

// Marshal 编码记录
func (r *PeerRecord) Marshal() []byte {
	b := r.content()
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Signature)
	return b
}

// UnmarshalPeerRecord 解码记录（不做签名验证）
func UnmarshalPeerRecord(data []byte) (*PeerRecord, error) {
	rec := &PeerRecord{}
	var haveID bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformedRecord
		}
		data = data[n:]
		switch {
		case num == fieldNodeID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedRecord
			}
			id, err := types.NodeIDFromBytes(v)
			if err != nil {
				return nil, ErrMalformedRecord
			}
			rec.NodeID, haveID = id, true
			n = m
		case num == fieldSeq && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, ErrMalformedRecord
			}
			rec.Seq = v
			n = m
		case num == fieldAddr && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedRecord
			}
			a, err := ma.NewMultiaddrBytes(append([]byte(nil), v...))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
			}
			rec.Addrs = append(rec.Addrs, a)
			n = m
		case num == fieldPubKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedRecord
			}
			rec.PubKey = append([]byte(nil), v...)
			n = m
		case num == fieldSignature && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedRecord
			}
			rec.Signature = append([]byte(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrMalformedRecord
			}
		}
		data = data[n:]
	}
	if !haveID {
		return nil, ErrMalformedRecord
	}
	return rec, nil
}

// EncodeText 返回可写入配置文件的文本形式
func (r *PeerRecord) EncodeText() string {
	return recordTextPrefix + base64.RawURLEncoding.EncodeToString(r.Marshal())
}

// DecodeText 解析并验证文本形式的记录
func DecodeText(s string) (*PeerRecord, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), recordTextPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	rec, err := UnmarshalPeerRecord(raw)
	if err != nil {
		return nil, err
	}
	if err := rec.Verify(); err != nil {
		return nil, err
	}
	return rec, nil
}

func hasTransport(a ma.Multiaddr) bool {
	if a == nil {
		return false
	}
	if _, err := a.ValueForProtocol(ma.P_TCP); err == nil {
		return true
	}
	if _, err := a.ValueForProtocol(ma.P_UDP); err == nil {
		return true
	}
	return false
}

// PublicKey 解析记录中的公钥
func (r *PeerRecord) PublicKey() (*secp256k1.PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(r.PubKey)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}
