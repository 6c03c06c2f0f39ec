package types

// ============================================================================
//                              RPC 消息体
// ============================================================================

// RequestID 请求关联ID，按对端独立分配
type RequestID uint64

// RequestKind 请求类型
type RequestKind uint8

const (
	// RequestHello 握手
	RequestHello RequestKind = 1
	// RequestGoodbye 告别
	RequestGoodbye RequestKind = 2
	// RequestBlocksByRange 按区间拉取区块
	RequestBlocksByRange RequestKind = 3
	// RequestBlocksByRoot 按根拉取区块
	RequestBlocksByRoot RequestKind = 4
)

// String 返回请求类型名称
func (k RequestKind) String() string {
	switch k {
	case RequestHello:
		return "hello"
	case RequestGoodbye:
		return "goodbye"
	case RequestBlocksByRange:
		return "beacon_blocks_by_range"
	case RequestBlocksByRoot:
		return "beacon_blocks_by_root"
	default:
		return "unknown"
	}
}

// ResponseKind 响应类型
type ResponseKind uint8

const (
	// ResponseHello 握手响应
	ResponseHello ResponseKind = 1
	// ResponseBlocks 区块列表
	ResponseBlocks ResponseKind = 2
	// ResponseError 错误响应
	ResponseError ResponseKind = 3
)

// String 返回响应类型名称
func (k ResponseKind) String() string {
	switch k {
	case ResponseHello:
		return "hello"
	case ResponseBlocks:
		return "beacon_blocks"
	case ResponseError:
		return "error"
	default:
		return "unknown"
	}
}

// sszBody SSZ 可编解码的消息体
type sszBody interface {
	MarshalSSZ() ([]byte, error)
	MarshalSSZTo(dst []byte) ([]byte, error)
	UnmarshalSSZ(buf []byte) error
	SizeSSZ() int
}

// Request 请求消息体（封闭集合）
type Request interface {
	sszBody
	RequestKind() RequestKind
}

// Response 响应消息体（封闭集合）
type Response interface {
	sszBody
	ResponseKind() ResponseKind
}

// Root 32 字节哈希根
type Root [32]byte

// Version 4 字节分叉版本
type Version [4]byte

// HelloMessage 握手消息
//
// 同时作为 Hello 请求与 Hello 响应的消息体。
type HelloMessage struct {
	ForkVersion    Version
	FinalizedRoot  Root
	FinalizedEpoch uint64
	HeadRoot       Root
	HeadSlot       uint64
}

// RequestKind 实现 Request
func (*HelloMessage) RequestKind() RequestKind { return RequestHello }

// ResponseKind 实现 Response
func (*HelloMessage) ResponseKind() ResponseKind { return ResponseHello }

// GoodbyeReason 告别原因
type GoodbyeReason uint64

const (
	// GoodbyeClientShutdown 客户端关闭
	GoodbyeClientShutdown GoodbyeReason = 1
	// GoodbyeIrrelevantNetwork 网络不匹配（分叉版本不同）
	GoodbyeIrrelevantNetwork GoodbyeReason = 2
	// GoodbyeFault 协议错误
	GoodbyeFault GoodbyeReason = 3
)

// Goodbye 告别请求
type Goodbye struct {
	Reason GoodbyeReason
}

// RequestKind 实现 Request
func (*Goodbye) RequestKind() RequestKind { return RequestGoodbye }

// BlocksByRange 按 slot 区间请求区块
type BlocksByRange struct {
	HeadBlockRoot Root
	StartSlot     uint64
	Count         uint64
	Step          uint64
}

// RequestKind 实现 Request
func (*BlocksByRange) RequestKind() RequestKind { return RequestBlocksByRange }

// MaxRequestBlocks 单次请求的最大区块数
const MaxRequestBlocks = 1024

// BlocksByRoot 按区块根请求区块
type BlocksByRoot struct {
	Roots []Root
}

// RequestKind 实现 Request
func (*BlocksByRoot) RequestKind() RequestKind { return RequestBlocksByRoot }

// BeaconBlocks 区块列表响应，区块内容为不透明的 SSZ 字节
type BeaconBlocks struct {
	Blocks [][]byte
}

// ResponseKind 实现 Response
func (*BeaconBlocks) ResponseKind() ResponseKind { return ResponseBlocks }

// ErrorCode RPC 错误码
type ErrorCode uint8

const (
	// ErrorInvalidRequest 请求无效
	ErrorInvalidRequest ErrorCode = 1
	// ErrorServerError 服务端错误
	ErrorServerError ErrorCode = 2
)

// MaxErrorMessageSize 错误信息最大长度
const MaxErrorMessageSize = 256

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    ErrorCode
	Message string
}

// ResponseKind 实现 Response
func (*ErrorResponse) ResponseKind() ResponseKind { return ResponseError }

// NewRequest 按类型分配空的请求体，未知类型返回 nil
func NewRequest(kind RequestKind) Request {
	switch kind {
	case RequestHello:
		return &HelloMessage{}
	case RequestGoodbye:
		return &Goodbye{}
	case RequestBlocksByRange:
		return &BlocksByRange{}
	case RequestBlocksByRoot:
		return &BlocksByRoot{}
	default:
		return nil
	}
}

// NewResponse 按类型分配空的响应体，未知类型返回 nil
func NewResponse(kind ResponseKind) Response {
	switch kind {
	case ResponseHello:
		return &HelloMessage{}
	case ResponseBlocks:
		return &BeaconBlocks{}
	case ResponseError:
		return &ErrorResponse{}
	default:
		return nil
	}
}
