package gossipsub

import "errors"

var (
	// ErrForeignNamespace 主题不属于本节点命名空间
	ErrForeignNamespace = errors.New("gossipsub: topic outside namespace")

	// ErrNoTopics 发布时未指定主题
	ErrNoTopics = errors.New("gossipsub: no topics")

	// ErrMixedEncoding 同一消息的主题编码不一致
	ErrMixedEncoding = errors.New("gossipsub: topics use different encodings")

	// ErrDuplicateMessage 相同内容的消息已发布或已收到
	ErrDuplicateMessage = errors.New("gossipsub: duplicate message")

	// ErrMalformedFrame 帧格式错误
	ErrMalformedFrame = errors.New("gossipsub: malformed frame")

	// ErrMessageTooLarge 解压后的载荷超过上限
	ErrMessageTooLarge = errors.New("gossipsub: message too large")
)
