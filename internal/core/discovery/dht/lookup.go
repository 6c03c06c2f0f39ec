package dht

import (
	"sort"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              迭代查找
// ============================================================================

// lookup 单次迭代查找的状态
//
// 候选集按到 target 的距离升序排列。每轮从最近的 k 个候选中选出
// 尚未询问的至多 α 个；本轮所有查询返回或超时后（inFlight == 0）
// 才决定是否开始下一轮。
type lookup struct {
	id     uint64
	target types.NodeID
	local  types.NodeID

	candidates []*identity.PeerRecord
	asked      map[types.NodeID]struct{}
	inFlight   int

	round    int
	improved bool
	done     bool
}

func newLookup(id uint64, local, target types.NodeID, seeds []*identity.PeerRecord) *lookup {
	l := &lookup{
		id:     id,
		target: target,
		local:  local,
		asked:  make(map[types.NodeID]struct{}),
	}
	for _, r := range seeds {
		l.add(r)
	}
	return l
}

// add 加入候选，距离比当前最近者更近时记为有改进
func (l *lookup) add(rec *identity.PeerRecord) {
	if rec.NodeID == l.local {
		return
	}
	for i, c := range l.candidates {
		if c.NodeID == rec.NodeID {
			if identity.Merge(c, rec) == identity.Replace {
				l.candidates[i] = rec
			}
			return
		}
	}
	if len(l.candidates) > 0 && types.CompareDistance(l.target, rec.NodeID, l.candidates[0].NodeID) < 0 {
		l.improved = true
	}
	i := sort.Search(len(l.candidates), func(i int) bool {
		return types.CompareDistance(l.target, rec.NodeID, l.candidates[i].NodeID) < 0
	})
	l.candidates = append(l.candidates, nil)
	copy(l.candidates[i+1:], l.candidates[i:])
	l.candidates[i] = rec
}

// next 选出本轮要询问的节点并开始新的一轮
func (l *lookup) next(k, alpha int) []*identity.PeerRecord {
	var out []*identity.PeerRecord
	for i, c := range l.candidates {
		if i >= k || len(out) >= alpha {
			break
		}
		if _, ok := l.asked[c.NodeID]; ok {
			continue
		}
		l.asked[c.NodeID] = struct{}{}
		out = append(out, c)
	}
	if len(out) > 0 {
		l.round++
		l.improved = false
	}
	return out
}

// shouldContinue 本轮结束后是否进入下一轮
func (l *lookup) shouldContinue(maxRounds int) bool {
	if l.round == 0 {
		return true
	}
	return l.improved && l.round < maxRounds
}
