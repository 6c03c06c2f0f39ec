package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace 指标命名空间
const Namespace = "beaconp2p"

// 子系统
const (
	subsystemPeers  = "peers"
	subsystemDHT    = "dht"
	subsystemGossip = "gossip"
	subsystemRPC    = "rpc"
	subsystemNet    = "net"
)

// 丢弃原因标签
const (
	ReasonDuplicate    = "duplicate"
	ReasonUnknownTopic = "unknown_topic"
	ReasonMalformed    = "malformed"
	ReasonQueueFull    = "queue_full"
)

// Metrics Service 指标集合
type Metrics struct {
	// PeersConnected 当前已连接节点数
	PeersConnected prometheus.Gauge
	// DialAttempts 发起的拨号数
	DialAttempts prometheus.Counter
	// DialFailures 失败的拨号数
	DialFailures prometheus.Counter

	// KnownPeers 路由表中的节点数
	KnownPeers prometheus.Gauge
	// PeersDiscovered 产生 PeerDiscovered 的次数
	PeersDiscovered prometheus.Counter

	// MeshPeers 各主题 mesh 大小
	MeshPeers *prometheus.GaugeVec
	// MessagesPublished 本地发布的消息数
	MessagesPublished prometheus.Counter
	// MessagesDelivered 交付给宿主的消息数
	MessagesDelivered prometheus.Counter
	// MessagesForwarded 转发的消息副本数
	MessagesForwarded prometheus.Counter
	// MessagesDropped 按原因统计的丢弃消息数
	MessagesDropped *prometheus.CounterVec

	// RequestsSent 按类型统计的出站请求
	RequestsSent *prometheus.CounterVec
	// RequestsReceived 按类型统计的入站请求
	RequestsReceived *prometheus.CounterVec
	// ResponsesMatched 匹配成功的响应
	ResponsesMatched prometheus.Counter
	// ResponsesUnmatched 无法匹配的响应
	ResponsesUnmatched prometheus.Counter
	// PendingRequests 未完成的出站请求
	PendingRequests prometheus.Gauge

	// Bytes 按协议与方向统计的帧字节数
	Bytes *prometheus.CounterVec
}

// New 创建指标并注册到 reg（reg 为 nil 时不注册）
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemPeers,
			Name:      "connected",
			Help:      "Number of connected peers.",
		}),
		DialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPeers,
			Name:      "dial_attempts_total",
			Help:      "Number of outbound dial attempts.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemPeers,
			Name:      "dial_failures_total",
			Help:      "Number of failed outbound dials.",
		}),
		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemDHT,
			Name:      "known_peers",
			Help:      "Number of records in the routing table.",
		}),
		PeersDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemDHT,
			Name:      "discovered_total",
			Help:      "Number of new or upgraded peer records.",
		}),
		MeshPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemGossip,
			Name:      "mesh_peers",
			Help:      "Number of mesh peers per topic.",
		}, []string{"topic"}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemGossip,
			Name:      "published_total",
			Help:      "Number of locally published messages.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemGossip,
			Name:      "delivered_total",
			Help:      "Number of messages delivered to the host.",
		}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemGossip,
			Name:      "forwarded_total",
			Help:      "Number of message copies forwarded to mesh peers.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemGossip,
			Name:      "dropped_total",
			Help:      "Number of dropped inbound messages by reason.",
		}, []string{"reason"}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRPC,
			Name:      "requests_sent_total",
			Help:      "Number of outbound requests by kind.",
		}, []string{"kind"}),
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRPC,
			Name:      "requests_received_total",
			Help:      "Number of inbound requests by kind.",
		}, []string{"kind"}),
		ResponsesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRPC,
			Name:      "responses_matched_total",
			Help:      "Number of responses matched to a pending request.",
		}),
		ResponsesUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRPC,
			Name:      "responses_unmatched_total",
			Help:      "Number of responses without a pending request.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemRPC,
			Name:      "pending_requests",
			Help:      "Number of outstanding outbound requests.",
		}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemNet,
			Name:      "bytes_total",
			Help:      "Frame bytes by protocol and direction.",
		}, []string{"protocol", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

// Nop 返回不注册的指标
func Nop() *Metrics {
	return New(nil)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PeersConnected, m.DialAttempts, m.DialFailures,
		m.KnownPeers, m.PeersDiscovered,
		m.MeshPeers, m.MessagesPublished, m.MessagesDelivered, m.MessagesForwarded, m.MessagesDropped,
		m.RequestsSent, m.RequestsReceived, m.ResponsesMatched, m.ResponsesUnmatched, m.PendingRequests,
		m.Bytes,
	}
}

// ============================================================================
//                              带宽
// ============================================================================

// LogSent 记录出站帧
func (m *Metrics) LogSent(protocol string, size int) {
	m.Bytes.WithLabelValues(protocol, "out").Add(float64(size))
}

// LogRecv 记录入站帧
func (m *Metrics) LogRecv(protocol string, size int) {
	m.Bytes.WithLabelValues(protocol, "in").Add(float64(size))
}

// Dropped 记录一条被丢弃的消息
func (m *Metrics) Dropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}
