package coap

import "time"

// Config 持有引擎可调的容量与时间常数字段，默认值遵循 RFC 7252
type Config struct {
	// PDUBufSize 限制引擎构造或解析的单个 PDU 的字节预算
	PDUBufSize int
	// TokenLen 是通过 ReqInit 构造请求时客户端生成 token 的字节长度（0-8）
	TokenLen int

	// REQWaitingMax 是未完成请求（事务）表的容量
	REQWaitingMax int
	// ObsClientsMax 是去重观察者表的容量
	ObsClientsMax int
	// ObsRegistrationsMax 是 observe-memo 表的容量
	ObsRegistrationsMax int
	// ResendBufsMax 是确认型消息重发缓冲池的容量
	ResendBufsMax int

	// AckTimeout 是确认型消息重传的基础超时时间（RFC 7252 的 ACK_TIMEOUT）
	AckTimeout time.Duration
	// MaxRetransmit 是一个确认型消息在超时前尝试重传的次数
	MaxRetransmit int
	// RandomFactor 是每次重传超时所施加的均匀抖动倍数的上界
	// （RFC 7252 的 RANDOM_FACTOR）
	RandomFactor float64
	// NonTimeout 是无需确认消息所跟踪的固定生命周期
	NonTimeout time.Duration
	// RecvTimeout 限制在有请求尚未完成时阻塞接收的时长，以便
	// 已设置的定时器能及时得到处理
	RecvTimeout time.Duration

	// ObsTickExponent 是推导 24 位 Observe 计数器时对单调微秒数
	// 施加的右移位数
	ObsTickExponent uint

	// WaitForResponse 选择同步 ReqSend（阻塞调用方协程直到
	// RESP/TIMEOUT）而非默认的异步模式
	WaitForResponse bool
}

// DefaultConfig 返回 RFC 7252 默认值
func DefaultConfig() Config {
	return Config{
		PDUBufSize:          128,
		TokenLen:            4,
		REQWaitingMax:       8,
		ObsClientsMax:       8,
		ObsRegistrationsMax: 8,
		ResendBufsMax:       8,
		AckTimeout:          2 * time.Second,
		MaxRetransmit:       4,
		RandomFactor:        1.5,
		NonTimeout:          5 * time.Second,
		RecvTimeout:         1 * time.Second,
		ObsTickExponent:     5,
		WaitForResponse:     false,
	}
}

const (
	// defaultPort 是 CoAP 的默认 UDP 端口 (RFC 7252 §12.10)
	defaultPort = 5683
	// reqOptionsBuf 是在请求的头部和负载游标之间、为 Finish 添加的
	// 选项（路径本身之外）预留的空间，对应 gcoap 的 GCOAP_REQ_OPTIONS_BUF
	reqOptionsBuf = 40
	// respOptionsBuf 是响应对应的预留空间
	respOptionsBuf = 16
	// obsOptionsBuf 是 Observe 通知（Observe 选项加 Content-Format）
	// 对应的预留空间
	obsOptionsBuf = 8
)
