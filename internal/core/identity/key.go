package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// GenerateKey 生成新的 secp256k1 私钥
func GenerateKey() (*secp256k1.PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return priv, nil
}

// KeyFromBytes 从 32 字节原始私钥创建
func KeyFromBytes(raw []byte) (*secp256k1.PrivateKey, error) {
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, ErrInvalidKey
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, ErrInvalidKey
	}
	return priv, nil
}

// KeyFromHex 从十六进制字符串创建私钥（可带 0x 前缀）
func KeyFromHex(s string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, ErrInvalidKey
	}
	return KeyFromBytes(raw)
}

// KeyToHex 返回私钥的十六进制表示
func KeyToHex(priv *secp256k1.PrivateKey) string {
	return hex.EncodeToString(priv.Serialize())
}

// Keccak256 计算 legacy keccak256
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// NodeIDFromPublicKey 从公钥派生 NodeID
func NodeIDFromPublicKey(pub *secp256k1.PublicKey) types.NodeID {
	return types.NodeID(Keccak256(pub.SerializeUncompressed()[1:]))
}
