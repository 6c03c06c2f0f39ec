package gossipsub

import (
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              消息缓存
// ============================================================================

type cacheEntry struct {
	id     types.MessageID
	topics []types.TopicHash
}

// msgCache 按心跳窗口保存最近的消息，供 IWANT 取用
//
// history[0] 为当前窗口，每次心跳 shift 丢弃最老的窗口。
type msgCache struct {
	msgs    map[types.MessageID]wireMessage
	history [][]cacheEntry
	gossip  int
}

func newMsgCache(gossip, length int) *msgCache {
	return &msgCache{
		msgs:    make(map[types.MessageID]wireMessage),
		history: make([][]cacheEntry, length),
		gossip:  gossip,
	}
}

func (c *msgCache) put(id types.MessageID, wm wireMessage, topics []types.TopicHash) {
	if _, ok := c.msgs[id]; ok {
		return
	}
	c.msgs[id] = wm
	c.history[0] = append(c.history[0], cacheEntry{id: id, topics: topics})
}

func (c *msgCache) get(id types.MessageID) (wireMessage, bool) {
	wm, ok := c.msgs[id]
	return wm, ok
}

// gossipIDs 返回最近 gossip 个窗口内的消息 ID，按主题分组
func (c *msgCache) gossipIDs() map[types.TopicHash][]types.MessageID {
	out := make(map[types.TopicHash][]types.MessageID)
	for _, window := range c.history[:c.gossip] {
		for _, e := range window {
			for _, t := range e.topics {
				out[t] = append(out[t], e.id)
			}
		}
	}
	return out
}

func (c *msgCache) shift() {
	last := c.history[len(c.history)-1]
	for _, e := range last {
		delete(c.msgs, e.id)
	}
	copy(c.history[1:], c.history[:len(c.history)-1])
	c.history[0] = nil
}
