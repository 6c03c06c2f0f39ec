package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
)

var logger = log.Logger("core/storage")

// dbDirName 数据目录下的数据库子目录
const dbDirName = "nodedb"

// DB BadgerDB 封装
type DB struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open 打开节点数据库
//
// dir 为空时使用内存模式。
func Open(dir string) (*DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := filepath.Join(dir, dbDirName)
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open node db: %w", err)
	}
	return &DB{db: db}, nil
}

// get 读取键值
func (d *DB) get(key []byte) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// put 写入键值
func (d *DB) put(key, value []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// delete 删除键
func (d *DB) delete(key []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// iteratePrefix 遍历前缀下的全部键值
func (d *DB) iteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close 关闭数据库
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// badgerLogger 将 badger 日志转入组件日志
//
// badger 的 Info 级日志较多，统一降为 Debug。
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
