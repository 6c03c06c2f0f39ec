package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// 键前缀
var (
	keyPrivateKey = []byte("l/key")
	keyLocalSeq   = []byte("l/seq")
	prefixRecord  = []byte("r/")
)

var _ identity.KeyStore = (*DB)(nil)

func recordKey(id types.NodeID) []byte {
	return append(append([]byte(nil), prefixRecord...), id[:]...)
}

// ============================================================================
//                              本地状态
// ============================================================================

// PrivateKey 读取保存的私钥，不存在时返回 identity.ErrKeyNotFound
func (d *DB) PrivateKey() ([]byte, error) {
	raw, err := d.get(keyPrivateKey)
	if errors.Is(err, ErrNotFound) {
		return nil, identity.ErrKeyNotFound
	}
	return raw, err
}

// SetPrivateKey 保存私钥
func (d *DB) SetPrivateKey(raw []byte) error {
	return d.put(keyPrivateKey, raw)
}

// LocalSeq 读取本地记录序列号，不存在时返回 0
func (d *DB) LocalSeq() (uint64, error) {
	raw, err := d.get(keyLocalSeq)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupted local seq: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SetLocalSeq 保存本地记录序列号
func (d *DB) SetLocalSeq(seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return d.put(keyLocalSeq, buf[:])
}

// ============================================================================
//                              对端记录
// ============================================================================

// PutRecord 保存对端记录
//
// 已保存版本的序列号不低于 rec 时保持不变。
func (d *DB) PutRecord(rec *identity.PeerRecord) error {
	existing, err := d.Record(rec.NodeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if identity.Merge(existing, rec) != identity.Replace {
		return nil
	}
	return d.put(recordKey(rec.NodeID), rec.Marshal())
}

// SaveRecords 批量保存对端记录（覆盖写入）
func (d *DB) SaveRecords(recs []*identity.PeerRecord) error {
	if d.closed.Load() {
		return ErrClosed
	}
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range recs {
		if err := wb.Set(recordKey(rec.NodeID), rec.Marshal()); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Record 读取单条对端记录
func (d *DB) Record(id types.NodeID) (*identity.PeerRecord, error) {
	raw, err := d.get(recordKey(id))
	if err != nil {
		return nil, err
	}
	return identity.UnmarshalPeerRecord(raw)
}

// DeleteRecord 删除对端记录
func (d *DB) DeleteRecord(id types.NodeID) error {
	return d.delete(recordKey(id))
}

// Records 返回全部通过验证的对端记录
//
// 无法解码或验证失败的条目被删除。
func (d *DB) Records() ([]*identity.PeerRecord, error) {
	var (
		out []*identity.PeerRecord
		bad [][]byte
	)
	err := d.iteratePrefix(prefixRecord, func(key, value []byte) error {
		rec, err := identity.UnmarshalPeerRecord(value)
		if err == nil {
			err = rec.Verify()
		}
		if err != nil {
			logger.Debug("丢弃无效的记录", "err", err)
			bad = append(bad, key)
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, key := range bad {
		if err := d.delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return out, err
		}
	}
	return out, nil
}
