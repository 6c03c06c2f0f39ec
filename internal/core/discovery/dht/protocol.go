package dht

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              发现协议报文
// ============================================================================

// 报文类型
type packetKind uint64

const (
	kindFindNode packetKind = 1
	kindNodes    packetKind = 2
)

func (k packetKind) String() string {
	switch k {
	case kindFindNode:
		return "FINDNODE"
	case kindNodes:
		return "NODES"
	default:
		return "UNKNOWN"
	}
}

const (
	fieldKind    protowire.Number = 1
	fieldReqID   protowire.Number = 2
	fieldTarget  protowire.Number = 3
	fieldSender  protowire.Number = 4
	fieldRecords protowire.Number = 5
)

// maxNodesPerPacket 单个 NODES 报文携带的记录上限
const maxNodesPerPacket = 16

// ErrMalformedPacket 报文格式错误
var ErrMalformedPacket = errors.New("dht: malformed packet")

// packet 发现报文
//
// sender 是发送方的签名记录，records 只在 NODES 中出现。
type packet struct {
	kind    packetKind
	reqID   uint64
	target  types.NodeID
	sender  *identity.PeerRecord
	records []*identity.PeerRecord
}

func (p *packet) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.kind))
	b = protowire.AppendTag(b, fieldReqID, protowire.VarintType)
	b = protowire.AppendVarint(b, p.reqID)
	if p.kind == kindFindNode {
		b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, p.target[:])
	}
	if p.sender != nil {
		b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
		b = protowire.AppendBytes(b, p.sender.Marshal())
	}
	for _, r := range p.records {
		b = protowire.AppendTag(b, fieldRecords, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Marshal())
	}
	return b
}

// unmarshalPacket 解码报文
//
// 记录只做格式解码，签名由调用方逐条验证；无法解码的记录被跳过。
func unmarshalPacket(data []byte) (*packet, error) {
	p := &packet{}
	var haveTarget bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformedPacket
		}
		data = data[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, ErrMalformedPacket
			}
			p.kind = packetKind(v)
			n = m
		case num == fieldReqID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, ErrMalformedPacket
			}
			p.reqID = v
			n = m
		case num == fieldTarget && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedPacket
			}
			id, err := types.NodeIDFromBytes(v)
			if err != nil {
				return nil, ErrMalformedPacket
			}
			p.target, haveTarget = id, true
			n = m
		case num == fieldSender && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedPacket
			}
			rec, err := identity.UnmarshalPeerRecord(v)
			if err != nil {
				return nil, ErrMalformedPacket
			}
			p.sender = rec
			n = m
		case num == fieldRecords && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedPacket
			}
			if rec, err := identity.UnmarshalPeerRecord(v); err == nil && len(p.records) < maxNodesPerPacket {
				p.records = append(p.records, rec)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrMalformedPacket
			}
		}
		data = data[n:]
	}

	switch p.kind {
	case kindFindNode:
		if !haveTarget {
			return nil, ErrMalformedPacket
		}
	case kindNodes:
	default:
		return nil, ErrMalformedPacket
	}
	if p.sender == nil {
		return nil, ErrMalformedPacket
	}
	return p, nil
}
