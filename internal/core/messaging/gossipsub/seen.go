package gossipsub

import (
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// seenCache 去重窗口
//
// 条目在 TTL 后过期；容量满时淘汰最久未用的条目。
type seenCache struct {
	cache *lru.Cache[types.MessageID, time.Time]
	ttl   time.Duration
	clock clock.Clock
}

func newSeenCache(size int, ttl time.Duration, clk clock.Clock) *seenCache {
	cache, _ := lru.New[types.MessageID, time.Time](size)
	return &seenCache{cache: cache, ttl: ttl, clock: clk}
}

// add 记录 id，已在窗口内时返回 false
func (s *seenCache) add(id types.MessageID) bool {
	now := s.clock.Now()
	if exp, ok := s.cache.Peek(id); ok && now.Before(exp) {
		return false
	}
	s.cache.Add(id, now.Add(s.ttl))
	return true
}

// has 是否在窗口内，不刷新条目
func (s *seenCache) has(id types.MessageID) bool {
	exp, ok := s.cache.Peek(id)
	return ok && s.clock.Now().Before(exp)
}
