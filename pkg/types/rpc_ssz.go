package types

import (
	ssz "github.com/ferranbt/fastssz"
)

// ============================================================================
//                              SSZ 编解码
// ============================================================================

const (
	helloSize         = 4 + 32 + 8 + 32 + 8
	goodbyeSize       = 8
	blocksByRangeSize = 32 + 8 + 8 + 8
	maxBlockSize      = 1 << 20
)

// MarshalSSZ 编码 HelloMessage
func (h *HelloMessage) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(h)
}

// MarshalSSZTo 追加编码到 dst
func (h *HelloMessage) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = append(dst, h.ForkVersion[:]...)
	dst = append(dst, h.FinalizedRoot[:]...)
	dst = ssz.MarshalUint64(dst, h.FinalizedEpoch)
	dst = append(dst, h.HeadRoot[:]...)
	dst = ssz.MarshalUint64(dst, h.HeadSlot)
	return dst, nil
}

// UnmarshalSSZ 解码 HelloMessage
func (h *HelloMessage) UnmarshalSSZ(buf []byte) error {
	if len(buf) != helloSize {
		return ssz.ErrSize
	}
	copy(h.ForkVersion[:], buf[0:4])
	copy(h.FinalizedRoot[:], buf[4:36])
	h.FinalizedEpoch = ssz.UnmarshallUint64(buf[36:44])
	copy(h.HeadRoot[:], buf[44:76])
	h.HeadSlot = ssz.UnmarshallUint64(buf[76:84])
	return nil
}

// SizeSSZ 编码长度
func (h *HelloMessage) SizeSSZ() int {
	return helloSize
}

// MarshalSSZ 编码 Goodbye
func (g *Goodbye) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(g)
}

// MarshalSSZTo 追加编码到 dst
func (g *Goodbye) MarshalSSZTo(dst []byte) ([]byte, error) {
	return ssz.MarshalUint64(dst, uint64(g.Reason)), nil
}

// UnmarshalSSZ 解码 Goodbye
func (g *Goodbye) UnmarshalSSZ(buf []byte) error {
	if len(buf) != goodbyeSize {
		return ssz.ErrSize
	}
	g.Reason = GoodbyeReason(ssz.UnmarshallUint64(buf))
	return nil
}

// SizeSSZ 编码长度
func (g *Goodbye) SizeSSZ() int {
	return goodbyeSize
}

// MarshalSSZ 编码 BlocksByRange
func (r *BlocksByRange) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(r)
}

// MarshalSSZTo 追加编码到 dst
func (r *BlocksByRange) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = append(dst, r.HeadBlockRoot[:]...)
	dst = ssz.MarshalUint64(dst, r.StartSlot)
	dst = ssz.MarshalUint64(dst, r.Count)
	dst = ssz.MarshalUint64(dst, r.Step)
	return dst, nil
}

// UnmarshalSSZ 解码 BlocksByRange
func (r *BlocksByRange) UnmarshalSSZ(buf []byte) error {
	if len(buf) != blocksByRangeSize {
		return ssz.ErrSize
	}
	copy(r.HeadBlockRoot[:], buf[0:32])
	r.StartSlot = ssz.UnmarshallUint64(buf[32:40])
	r.Count = ssz.UnmarshallUint64(buf[40:48])
	r.Step = ssz.UnmarshallUint64(buf[48:56])
	return nil
}

// SizeSSZ 编码长度
func (r *BlocksByRange) SizeSSZ() int {
	return blocksByRangeSize
}

// MarshalSSZ 编码 BlocksByRoot
func (r *BlocksByRoot) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(r)
}

// MarshalSSZTo 追加编码到 dst（定长元素列表直接拼接）
func (r *BlocksByRoot) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(r.Roots) > MaxRequestBlocks {
		return nil, ssz.ErrListTooBig
	}
	for i := range r.Roots {
		dst = append(dst, r.Roots[i][:]...)
	}
	return dst, nil
}

// UnmarshalSSZ 解码 BlocksByRoot
func (r *BlocksByRoot) UnmarshalSSZ(buf []byte) error {
	if len(buf)%32 != 0 {
		return ssz.ErrSize
	}
	n := len(buf) / 32
	if n > MaxRequestBlocks {
		return ssz.ErrListTooBig
	}
	r.Roots = make([]Root, n)
	for i := 0; i < n; i++ {
		copy(r.Roots[i][:], buf[i*32:(i+1)*32])
	}
	return nil
}

// SizeSSZ 编码长度
func (r *BlocksByRoot) SizeSSZ() int {
	return 32 * len(r.Roots)
}

// MarshalSSZ 编码 BeaconBlocks
func (b *BeaconBlocks) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(b)
}

// MarshalSSZTo 追加编码到 dst
//
// 变长元素列表：先写 4 字节偏移表，再依次写入各元素。
func (b *BeaconBlocks) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(b.Blocks) > MaxRequestBlocks {
		return nil, ssz.ErrListTooBig
	}
	offset := 4 * len(b.Blocks)
	for _, blk := range b.Blocks {
		if len(blk) > maxBlockSize {
			return nil, ssz.ErrBytesLength
		}
		dst = ssz.WriteOffset(dst, offset)
		offset += len(blk)
	}
	for _, blk := range b.Blocks {
		dst = append(dst, blk...)
	}
	return dst, nil
}

// UnmarshalSSZ 解码 BeaconBlocks
func (b *BeaconBlocks) UnmarshalSSZ(buf []byte) error {
	b.Blocks = nil
	if len(buf) == 0 {
		return nil
	}
	if len(buf) < 4 {
		return ssz.ErrSize
	}
	first := ssz.ReadOffset(buf[0:4])
	if first%4 != 0 || first > uint64(len(buf)) || first == 0 {
		return ssz.ErrOffset
	}
	n := int(first / 4)
	if n > MaxRequestBlocks {
		return ssz.ErrListTooBig
	}
	offsets := make([]uint64, n+1)
	for i := 0; i < n; i++ {
		offsets[i] = ssz.ReadOffset(buf[i*4 : i*4+4])
	}
	offsets[n] = uint64(len(buf))
	b.Blocks = make([][]byte, n)
	for i := 0; i < n; i++ {
		start, end := offsets[i], offsets[i+1]
		if start > end || end > uint64(len(buf)) || end-start > maxBlockSize {
			return ssz.ErrOffset
		}
		b.Blocks[i] = append([]byte(nil), buf[start:end]...)
	}
	return nil
}

// SizeSSZ 编码长度
func (b *BeaconBlocks) SizeSSZ() int {
	size := 4 * len(b.Blocks)
	for _, blk := range b.Blocks {
		size += len(blk)
	}
	return size
}

// MarshalSSZ 编码 ErrorResponse
func (e *ErrorResponse) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(e)
}

// MarshalSSZTo 追加编码到 dst
//
// 布局：code(1) | offset(4) | message。
func (e *ErrorResponse) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(e.Message) > MaxErrorMessageSize {
		return nil, ssz.ErrBytesLength
	}
	dst = append(dst, byte(e.Code))
	dst = ssz.WriteOffset(dst, 5)
	dst = append(dst, e.Message...)
	return dst, nil
}

// UnmarshalSSZ 解码 ErrorResponse
func (e *ErrorResponse) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 5 {
		return ssz.ErrSize
	}
	if ssz.ReadOffset(buf[1:5]) != 5 {
		return ssz.ErrOffset
	}
	if len(buf)-5 > MaxErrorMessageSize {
		return ssz.ErrBytesLength
	}
	e.Code = ErrorCode(buf[0])
	e.Message = string(buf[5:])
	return nil
}

// SizeSSZ 编码长度
func (e *ErrorResponse) SizeSSZ() int {
	return 5 + len(e.Message)
}
