package types

import (
	"errors"
	"strings"
)

// ============================================================================
//                              Topic - 主题
// ============================================================================

// ErrInvalidTopic 主题名称格式错误
var ErrInvalidTopic = errors.New("invalid topic name")

// MessageKind 消息类型（主题名称的第二段）
type MessageKind string

const (
	// KindBeaconBlock 区块广播
	KindBeaconBlock MessageKind = "beacon_block"
	// KindBeaconAttestation 投票广播
	KindBeaconAttestation MessageKind = "beacon_attestation"
	// KindVoluntaryExit 主动退出
	KindVoluntaryExit MessageKind = "voluntary_exit"
	// KindProposerSlashing 提议者罚没
	KindProposerSlashing MessageKind = "proposer_slashing"
	// KindAttesterSlashing 投票者罚没
	KindAttesterSlashing MessageKind = "attester_slashing"
	// KindUnknown 未识别的消息类型，载荷原样透传
	KindUnknown MessageKind = "unknown"
)

// Known 是否为已识别的消息类型
func (k MessageKind) Known() bool {
	switch k {
	case KindBeaconBlock, KindBeaconAttestation, KindVoluntaryExit,
		KindProposerSlashing, KindAttesterSlashing:
		return true
	default:
		return false
	}
}

// Encoding 载荷编码（主题名称的第三段）
type Encoding string

const (
	// EncodingSSZ 原始 SSZ
	EncodingSSZ Encoding = "ssz"
	// EncodingSSZSnappy snappy 压缩的 SSZ
	EncodingSSZSnappy Encoding = "ssz_snappy"
)

// Valid 是否为支持的编码
func (e Encoding) Valid() bool {
	return e == EncodingSSZ || e == EncodingSSZSnappy
}

// TopicHash 主题在线路上的标识
//
// 当前采用恒等哈希：TopicHash 即完整主题名称。
type TopicHash string

// String 返回字符串表示
func (h TopicHash) String() string {
	return string(h)
}

// Topic 结构化的主题名称 /<namespace>/<kind>/<encoding>
type Topic struct {
	Namespace string
	Kind      MessageKind
	Encoding  Encoding
}

// NewTopic 创建主题
func NewTopic(namespace string, kind MessageKind, enc Encoding) Topic {
	return Topic{Namespace: namespace, Kind: kind, Encoding: enc}
}

// String 返回完整主题名称
func (t Topic) String() string {
	return "/" + t.Namespace + "/" + string(t.Kind) + "/" + string(t.Encoding)
}

// MessageKind 返回载荷类型，未识别的类型归为 KindUnknown
func (t Topic) MessageKind() MessageKind {
	if t.Kind.Known() {
		return t.Kind
	}
	return KindUnknown
}

// Hash 返回主题哈希
func (t Topic) Hash() TopicHash {
	return TopicHash(t.String())
}

// ParseTopic 解析主题名称
//
// 未识别的消息类型不视为错误（见 Topic.MessageKind）；
// 段数不为 3、存在空段或编码不受支持时返回 ErrInvalidTopic。
func ParseTopic(name string) (Topic, error) {
	if !strings.HasPrefix(name, "/") {
		return Topic{}, ErrInvalidTopic
	}
	parts := strings.Split(name[1:], "/")
	if len(parts) != 3 {
		return Topic{}, ErrInvalidTopic
	}
	for _, p := range parts {
		if p == "" {
			return Topic{}, ErrInvalidTopic
		}
	}
	enc := Encoding(parts[2])
	if !enc.Valid() {
		return Topic{}, ErrInvalidTopic
	}
	return Topic{Namespace: parts[0], Kind: MessageKind(parts[1]), Encoding: enc}, nil
}
