package gossipsub

import (
	"bytes"
	"sort"
	"time"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              Mesh 管理
// ============================================================================

// peerState 已连接对端的主题状态
type peerState struct {
	id          types.NodeID
	connectedAt time.Time
	topics      map[types.TopicHash]struct{}
}

func (p *peerState) subscribed(t types.TopicHash) bool {
	_, ok := p.topics[t]
	return ok
}

// addToMesh 将对端加入主题 mesh，已在其中时返回 false
func (r *Router) addToMesh(t types.TopicHash, id types.NodeID) bool {
	m := r.mesh[t]
	if m == nil {
		m = make(map[types.NodeID]struct{})
		r.mesh[t] = m
	}
	if _, ok := m[id]; ok {
		return false
	}
	m[id] = struct{}{}
	return true
}

func (r *Router) removeFromMesh(t types.TopicHash, id types.NodeID) {
	m := r.mesh[t]
	if m == nil {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(r.mesh, t)
	}
}

// inMesh 是否在主题 mesh 中
func (r *Router) inMesh(t types.TopicHash, id types.NodeID) bool {
	_, ok := r.mesh[t][id]
	return ok
}

// byConnectedAt 按连接时间升序（最早连接在前），同时刻按 NodeID
func (r *Router) byConnectedAt(ids []types.NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.peers[ids[i]], r.peers[ids[j]]
		if !a.connectedAt.Equal(b.connectedAt) {
			return a.connectedAt.Before(b.connectedAt)
		}
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

// meshKey 对端在某主题上的 mesh 关系
type meshKey struct {
	topic types.TopicHash
	peer  types.NodeID
}

func (r *Router) backedOff(t types.TopicHash, id types.NodeID) bool {
	exp, ok := r.backoff[meshKey{topic: t, peer: id}]
	return ok && r.clock.Now().Before(exp)
}

func (r *Router) setBackoff(t types.TopicHash, id types.NodeID) {
	r.backoff[meshKey{topic: t, peer: id}] = r.clock.Now().Add(r.cfg.PruneBackoff.Std())
}

// heartbeat 按水位调整每个主题的 mesh 并生成 IHAVE
//
// 返回按对端合并的控制帧。本地未订阅的主题只静默调整转发目标，
// 不发送 GRAFT 或 PRUNE。
func (r *Router) heartbeat(now time.Time) map[types.NodeID]*frame {
	out := make(map[types.NodeID]*frame)
	ctl := func(id types.NodeID) *frame {
		f := out[id]
		if f == nil {
			f = &frame{}
			out[id] = f
		}
		return f
	}

	for k, exp := range r.backoff {
		if !now.Before(exp) {
			delete(r.backoff, k)
		}
	}
	for k := range r.regraft {
		delete(r.regraft, k)
		if r.inMesh(k.topic, k.peer) && r.Subscribed(k.topic) {
			f := ctl(k.peer)
			f.graft = append(f.graft, string(k.topic))
		}
	}

	subscribers := make(map[types.TopicHash][]types.NodeID)
	for id, p := range r.peers {
		for t := range p.topics {
			subscribers[t] = append(subscribers[t], id)
		}
	}

	for t, subs := range subscribers {
		local := r.Subscribed(t)

		if len(r.mesh[t]) < r.cfg.MeshLow {
			var candidates []types.NodeID
			for _, id := range subs {
				if !r.inMesh(t, id) && !r.backedOff(t, id) {
					candidates = append(candidates, id)
				}
			}
			r.byConnectedAt(candidates)
			for _, id := range candidates {
				if len(r.mesh[t]) >= r.cfg.MeshTarget {
					break
				}
				r.addToMesh(t, id)
				if local {
					f := ctl(id)
					f.graft = append(f.graft, string(t))
				}
			}
		}

		if size := len(r.mesh[t]); size > r.cfg.MeshHigh {
			members := make([]types.NodeID, 0, size)
			for id := range r.mesh[t] {
				members = append(members, id)
			}
			r.byConnectedAt(members)
			for _, id := range members[r.cfg.MeshTarget:] {
				r.removeFromMesh(t, id)
				if local {
					r.setBackoff(t, id)
					f := ctl(id)
					f.prune = append(f.prune, string(t))
				}
			}
		}

		r.metrics.MeshPeers.WithLabelValues(string(t)).Set(float64(len(r.mesh[t])))
	}

	// mesh 之外的订阅者靠 IHAVE/IWANT 补齐，被裁剪的对端也能最终收到
	for t, ids := range r.cache.gossipIDs() {
		for _, id := range subscribers[t] {
			if r.inMesh(t, id) {
				continue
			}
			f := ctl(id)
			f.ihave = append(f.ihave, ihave{topic: string(t), ids: ids})
		}
	}
	return out
}
