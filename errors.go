package beaconp2p

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-beaconp2p/internal/core/messaging/gossipsub"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 服务未启动
	ErrNotStarted = errors.New("service not started")

	// ErrAlreadyStarted 服务已启动
	ErrAlreadyStarted = errors.New("service already started")

	// ErrClosed 服务已关闭
	ErrClosed = errors.New("service closed")

	// ────────────────────────────────────────────────────────────────────────
	// 配置错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrInvalidBootstrap 引导记录无法解析或签名无效
	ErrInvalidBootstrap = errors.New("invalid bootstrap record")

	// ────────────────────────────────────────────────────────────────────────
	// 对端错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrPeerNotConnected 对端未连接
	ErrPeerNotConnected = errors.New("peer not connected")

	// ErrNoPendingRequest 对端没有该 ID 的待回复请求
	ErrNoPendingRequest = errors.New("no pending request")

	// ────────────────────────────────────────────────────────────────────────
	// 主题错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrUnknownTopic 主题格式错误或不在本节点命名空间
	ErrUnknownTopic = errors.New("unknown topic")
)

// topicError 把主题解析错误归入 ErrUnknownTopic
func topicError(err error) error {
	if errors.Is(err, gossipsub.ErrForeignNamespace) || errors.Is(err, types.ErrInvalidTopic) {
		return fmt.Errorf("%w: %w", ErrUnknownTopic, err)
	}
	return err
}
