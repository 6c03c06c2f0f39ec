package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/pkg/lib/log"
)

var logger = log.Logger("core/identity")

// DefaultKeyFile 数据目录下的默认密钥文件名
const DefaultKeyFile = "key"

// KeyStore 节点数据库中的私钥存取
type KeyStore interface {
	PrivateKey() ([]byte, error)
	SetPrivateKey(raw []byte) error
}

// ============================================================================
//                              私钥持久化
// ============================================================================

// SaveKeyHex 以十六进制文本保存私钥
//
// 使用原子写操作（临时文件 + rename），文件权限 0600。
func SaveKeyHex(path string, priv *secp256k1.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	return atomicWriteFile(path, []byte(KeyToHex(priv)+"\n"), 0600)
}

// LoadKeyHex 从文件加载十六进制私钥
func LoadKeyHex(path string) (*secp256k1.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return KeyFromHex(strings.TrimSpace(string(data)))
}

// Resolve 按优先级确定节点身份
//
// 顺序：显式配置的私钥、密钥文件、节点数据库、新生成。
// 新生成或来自数据库的私钥会写回密钥文件（有数据目录时）与数据库。
func Resolve(cfg config.IdentityConfig, dataDir string, store KeyStore) (*Identity, error) {
	if cfg.SecretKeyHex != "" {
		priv, err := KeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, err
		}
		return New(priv), nil
	}

	path := cfg.KeyFile
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, DefaultKeyFile)
	}

	if path != "" {
		priv, err := LoadKeyHex(path)
		switch {
		case err == nil:
			logger.Debug("加载密钥文件", "path", path)
			if store != nil {
				_ = store.SetPrivateKey(priv.Serialize())
			}
			return New(priv), nil
		case !errors.Is(err, ErrKeyNotFound):
			return nil, fmt.Errorf("load key %s: %w", path, err)
		}
	}

	var priv *secp256k1.PrivateKey
	if store != nil {
		if raw, err := store.PrivateKey(); err == nil {
			if priv, err = KeyFromBytes(raw); err != nil {
				return nil, fmt.Errorf("stored key: %w", err)
			}
		} else if !errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("read stored key: %w", err)
		}
	}

	if priv == nil {
		var err error
		if priv, err = GenerateKey(); err != nil {
			return nil, err
		}
		logger.Info("生成新的节点密钥")
		if store != nil {
			if err := store.SetPrivateKey(priv.Serialize()); err != nil {
				return nil, fmt.Errorf("store key: %w", err)
			}
		}
	}

	if path != "" {
		if err := SaveKeyHex(path, priv); err != nil {
			return nil, err
		}
	}
	return New(priv), nil
}

// atomicWriteFile 原子写文件
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
