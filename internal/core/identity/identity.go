package identity

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              Identity 实现
// ============================================================================

// Identity 节点身份，创建后不可变
type Identity struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
	id   types.NodeID
}

// New 从私钥创建身份
func New(priv *secp256k1.PrivateKey) *Identity {
	pub := priv.PubKey()
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   NodeIDFromPublicKey(pub),
	}
}

// Generate 生成随机身份
func Generate() (*Identity, error) {
	priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// ID 返回节点 ID
func (i *Identity) ID() types.NodeID {
	return i.id
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() *secp256k1.PublicKey {
	return i.pub
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() *secp256k1.PrivateKey {
	return i.priv
}

// Sign 对 keccak256(data) 签名，返回 DER 编码
func (i *Identity) Sign(data []byte) []byte {
	h := Keccak256(data)
	return ecdsa.Sign(i.priv, h[:]).Serialize()
}

// VerifySignature 使用公钥验证 Sign 产生的签名
func VerifySignature(pub *secp256k1.PublicKey, data, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	h := Keccak256(data)
	return parsed.Verify(h[:], pub)
}
