package dht

import (
	"sort"
	"time"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              常量定义
// ============================================================================

const (
	// NumBuckets 桶数量（256 位 ID）
	NumBuckets = types.NodeIDSize * 8

	// maxReplacements 每桶替换缓存容量
	maxReplacements = 8
)

// ============================================================================
//                              路由表条目
// ============================================================================

// Entry 路由表条目
type Entry struct {
	Record    *identity.PeerRecord
	Distance  int
	LastSeen  time.Time
	Connected bool
}

// AddResult 插入结果
type AddResult int

const (
	// AddIgnored 记录被忽略（自身、旧版本或桶满）
	AddIgnored AddResult = iota
	// AddInserted 新节点
	AddInserted
	// AddUpdated 已有节点的记录升级到更高序列号
	AddUpdated
	// AddRefreshed 已有节点，记录未变
	AddRefreshed
)

// Changed 是否产生了新的或升级的记录
func (r AddResult) Changed() bool {
	return r == AddInserted || r == AddUpdated
}

// ============================================================================
//                              K 桶
// ============================================================================

// bucket K 桶（最近见到的在前）
type bucket struct {
	entries      []*Entry
	replacements []*Entry
}

func (b *bucket) find(id types.NodeID) int {
	for i, e := range b.entries {
		if e.Record.NodeID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToFront(i int) {
	e := b.entries[i]
	copy(b.entries[1:i+1], b.entries[:i])
	b.entries[0] = e
}

// evictable 返回最久未见且未连接的条目下标
func (b *bucket) evictable() int {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if !b.entries[i].Connected {
			return i
		}
	}
	return -1
}

func (b *bucket) addReplacement(e *Entry) {
	for i, r := range b.replacements {
		if r.Record.NodeID == e.Record.NodeID {
			if identity.Merge(r.Record, e.Record) == identity.Replace {
				b.replacements[i] = e
			}
			return
		}
	}
	if len(b.replacements) >= maxReplacements {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, e)
}

// ============================================================================
//                              路由表
// ============================================================================

// RoutingTable Kademlia 路由表
type RoutingTable struct {
	local   types.NodeID
	k       int
	buckets [NumBuckets]bucket
	index   map[types.NodeID]int
}

// NewRoutingTable 创建路由表
func NewRoutingTable(local types.NodeID, k int) *RoutingTable {
	return &RoutingTable{
		local: local,
		k:     k,
		index: make(map[types.NodeID]int),
	}
}

// BucketIndex 返回 id 所在桶的下标，自身返回 -1
func (rt *RoutingTable) BucketIndex(id types.NodeID) int {
	return types.LogDistance(rt.local, id) - 1
}

// Add 插入或更新记录
//
// seen 为真表示直接收到了该节点的消息，条目移到桶前端；
// 经第三方转述的记录只更新内容，不改变顺序。
func (rt *RoutingTable) Add(rec *identity.PeerRecord, seen bool, now time.Time) AddResult {
	idx := rt.BucketIndex(rec.NodeID)
	if idx < 0 {
		return AddIgnored
	}
	b := &rt.buckets[idx]

	if i := b.find(rec.NodeID); i >= 0 {
		e := b.entries[i]
		result := AddRefreshed
		if identity.Merge(e.Record, rec) == identity.Replace {
			e.Record = rec
			result = AddUpdated
		} else if rec.Seq < e.Record.Seq {
			return AddIgnored
		}
		if seen {
			e.LastSeen = now
			b.moveToFront(i)
		}
		return result
	}

	e := &Entry{Record: rec, Distance: idx + 1, LastSeen: now}
	if len(b.entries) >= rt.k {
		victim := b.evictable()
		if victim < 0 {
			b.addReplacement(e)
			return AddIgnored
		}
		old := b.entries[victim]
		b.entries = append(b.entries[:victim], b.entries[victim+1:]...)
		delete(rt.index, old.Record.NodeID)
	}
	b.entries = append([]*Entry{e}, b.entries...)
	rt.index[rec.NodeID] = idx
	return AddInserted
}

// Remove 移除节点，并从替换缓存补充
func (rt *RoutingTable) Remove(id types.NodeID) bool {
	idx, ok := rt.index[id]
	if !ok {
		return false
	}
	b := &rt.buckets[idx]
	i := b.find(id)
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	delete(rt.index, id)

	if n := len(b.replacements); n > 0 {
		r := b.replacements[n-1]
		b.replacements = b.replacements[:n-1]
		b.entries = append(b.entries, r)
		rt.index[r.Record.NodeID] = idx
	}
	return true
}

// Get 返回条目
func (rt *RoutingTable) Get(id types.NodeID) *Entry {
	idx, ok := rt.index[id]
	if !ok {
		return nil
	}
	b := &rt.buckets[idx]
	if i := b.find(id); i >= 0 {
		return b.entries[i]
	}
	return nil
}

// SetConnected 标记连接状态，已连接的条目不会被淘汰
func (rt *RoutingTable) SetConnected(id types.NodeID, connected bool, now time.Time) {
	if e := rt.Get(id); e != nil {
		e.Connected = connected
		if connected {
			e.LastSeen = now
			b := &rt.buckets[rt.index[id]]
			b.moveToFront(b.find(id))
		}
	}
}

// Len 返回节点数量
func (rt *RoutingTable) Len() int {
	return len(rt.index)
}

// ConnectedCount 返回已连接的节点数量
func (rt *RoutingTable) ConnectedCount() int {
	n := 0
	for id, idx := range rt.index {
		b := &rt.buckets[idx]
		if i := b.find(id); i >= 0 && b.entries[i].Connected {
			n++
		}
	}
	return n
}

// Bucket 返回桶中条目（最近见到的在前）
func (rt *RoutingTable) Bucket(i int) []*Entry {
	if i < 0 || i >= NumBuckets {
		return nil
	}
	return append([]*Entry(nil), rt.buckets[i].entries...)
}

// Records 返回全部记录
func (rt *RoutingTable) Records() []*identity.PeerRecord {
	out := make([]*identity.PeerRecord, 0, len(rt.index))
	for i := range rt.buckets {
		for _, e := range rt.buckets[i].entries {
			out = append(out, e.Record)
		}
	}
	return out
}

// Closest 返回距 target 最近的 n 条记录，按距离升序
func (rt *RoutingTable) Closest(target types.NodeID, n int) []*identity.PeerRecord {
	all := rt.Records()
	sort.Slice(all, func(i, j int) bool {
		return types.CompareDistance(target, all[i].NodeID, all[j].NodeID) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
