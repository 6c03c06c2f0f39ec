package config

import (
	"encoding/hex"
	"errors"
	"strings"
)

// IdentityConfig 身份配置
//
// 私钥来源优先级：
//  1. SecretKeyHex（显式配置）
//  2. KeyFile（为空时使用 <DataDir>/key）
//  3. 节点数据库中保存的私钥
//  4. 新生成并写回 KeyFile
type IdentityConfig struct {
	// SecretKeyHex secp256k1 私钥的十六进制表示（可带 0x 前缀）
	SecretKeyHex string `json:"secret_key_hex,omitempty"`

	// KeyFile 密钥文件路径
	KeyFile string `json:"key_file,omitempty"`
}

// DefaultIdentityConfig 返回默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{}
}

// Validate 验证身份配置
func (c IdentityConfig) Validate() error {
	if c.SecretKeyHex == "" {
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(c.SecretKeyHex, "0x"))
	if err != nil {
		return errors.New("secret key is not valid hex")
	}
	if len(raw) != 32 {
		return errors.New("secret key must be 32 bytes")
	}
	return nil
}

// WithSecretKeyHex 设置私钥
func (c IdentityConfig) WithSecretKeyHex(s string) IdentityConfig {
	c.SecretKeyHex = s
	return c
}

// WithKeyFile 设置密钥文件路径
func (c IdentityConfig) WithKeyFile(path string) IdentityConfig {
	c.KeyFile = path
	return c
}
