package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// direction 帧方向
type direction uint64

const (
	dirRequest  direction = 1
	dirResponse direction = 2
)

const (
	fieldDirection protowire.Number = 1
	fieldID        protowire.Number = 2
	fieldKind      protowire.Number = 3
	fieldBody      protowire.Number = 4
)

// frame 解码后的线路帧，body 尚未按类型解码
type frame struct {
	dir  direction
	id   types.RequestID
	kind uint8
	body []byte
}

func encodeFrame(dir direction, id types.RequestID, kind uint8, body interface{ MarshalSSZ() ([]byte, error) }) ([]byte, error) {
	ssz, err := body.MarshalSSZ()
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldDirection, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(dir))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kind))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, ssz)
	return b, nil
}

func decodeFrame(data []byte) (*frame, error) {
	f := &frame{}
	var haveID, haveKind bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformedFrame
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType && num <= fieldKind:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, ErrMalformedFrame
			}
			switch num {
			case fieldDirection:
				f.dir = direction(v)
			case fieldID:
				f.id, haveID = types.RequestID(v), true
			case fieldKind:
				if v > 0xff {
					return nil, ErrMalformedFrame
				}
				f.kind, haveKind = uint8(v), true
			}
			n = m
		case num == fieldBody && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, ErrMalformedFrame
			}
			f.body = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, ErrMalformedFrame
			}
		}
		data = data[n:]
	}
	if (f.dir != dirRequest && f.dir != dirResponse) || !haveID || !haveKind {
		return nil, ErrMalformedFrame
	}
	return f, nil
}
