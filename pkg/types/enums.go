package types

// ============================================================================
//                              ConnState - 连接状态
// ============================================================================

// ConnState 节点连接状态
//
// 状态机：Idle → Dialing → Connected → Disconnected。
// Disconnected 对单次尝试是终态，重新拨号会开始新的 Dialing。
type ConnState int

const (
	// ConnIdle 无连接也无拨号
	ConnIdle ConnState = iota
	// ConnDialing 正在拨号
	ConnDialing
	// ConnConnected 已连接
	ConnConnected
	// ConnDisconnected 已断开
	ConnDisconnected
)

// String 返回连接状态的字符串表示
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnDialing:
		return "dialing"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Direction - 连接方向
// ============================================================================

// Direction 连接方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 入站连接
	DirInbound
	// DirOutbound 出站连接
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}
