package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// frameReader 帧读取所需的接口
type frameReader interface {
	io.Reader
	io.ByteReader
}

// WriteFrame 写入 uvarint 长度前缀帧
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(data))
	buf = protowire.AppendVarint(buf, uint64(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r frameReader, max int) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// unbufferedReader 逐字节读取长度前缀，不会越过当前帧读取后续数据
type unbufferedReader struct {
	r   io.Reader
	one [1]byte
}

func (u *unbufferedReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(u.r, u.one[:]); err != nil {
		return 0, err
	}
	return u.one[0], nil
}

func (u *unbufferedReader) Read(p []byte) (int, error) {
	return u.r.Read(p)
}
