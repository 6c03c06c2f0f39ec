package identity

import "errors"

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrInvalidKey 私钥无效
	ErrInvalidKey = errors.New("invalid secp256k1 private key")

	// ErrKeyNotFound 密钥未找到
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoAddresses 记录缺少地址
	ErrNoAddresses = errors.New("peer record has no addresses")

	// ErrInvalidAddress 地址格式错误或不含 tcp/udp
	ErrInvalidAddress = errors.New("peer record address is not a tcp or udp address")

	// ErrInvalidPublicKey 公钥无法解析
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrIDMismatch NodeID 与公钥不匹配
	ErrIDMismatch = errors.New("node id does not match public key")

	// ErrInvalidSignature 签名无效
	ErrInvalidSignature = errors.New("invalid record signature")

	// ErrMalformedRecord 记录编码错误
	ErrMalformedRecord = errors.New("malformed peer record")
)
