package coap

import (
	"encoding/binary"
	"math/rand"
	"net"
	"time"

	cryptorand "crypto/rand"

	"go.uber.org/atomic"

	"github.com/junbin-yang/gocoap/pkg/utils/logger"
)

// Engine 是单线程的 CoAP 请求/响应分发器。一个值同时充当服务端
// （将入站请求路由给已注册的资源）和客户端（跟踪未完成请求、
// 重发确认型消息、回调响应结果）。所有引擎状态都由 Start 启动
// 的那一个分发协程独占；唯一可以从其它协程安全调用的操作是
// RegisterListener（须在 Start 之前）、ReqInit/Finish/ReqSend/
// ObsSend，以及 AddQueryString。
type Engine struct {
	cfg       Config
	transport Transport

	listeners *Listener

	tx  *transactions
	obs *observeRegistry

	msgID   atomic.Uint32
	started atomic.Bool
	stopCh  chan struct{}

	mailbox chan mailboxMsg

	respScratch []byte
	obsScratch  []byte
}

type mailboxMsg interface{ isMailboxMsg() }

type timeoutMsg struct{ idx int }

func (timeoutMsg) isMailboxMsg() {}

type intrMsg struct{}

func (intrMsg) isMailboxMsg() {}

// New 围绕 transport 构造一个 Engine，哨兵 /.well-known/core
// listener 已作为链表的第一个节点注册完毕。
func New(cfg Config, transport Transport) *Engine {
	e := &Engine{
		cfg:         cfg,
		transport:   transport,
		tx:          newTransactions(cfg),
		obs:         newObserveRegistry(cfg),
		stopCh:      make(chan struct{}),
		mailbox:     make(chan mailboxMsg, cfg.REQWaitingMax+4),
		respScratch: make([]byte, cfg.PDUBufSize),
		obsScratch:  make([]byte, cfg.PDUBufSize),
	}
	registerListener(&e.listeners, newSentinelListener(e))
	e.msgID.Store(randomMessageIDSeed())
	return e
}

// randomMessageIDSeed 为消息 id 计数器取一个随机起点，使同一对等体
// 每次重启后发出的 id 序列不可预测，不再是每次都从固定值重新数起
func randomMessageIDSeed() uint32 {
	var b [4]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// RegisterListener 将 listener 追加到资源链表尾部，必须在 Start 之前调用
func (e *Engine) RegisterListener(listener *Listener) {
	registerListener(&e.listeners, listener)
}

// Start 启动分发协程，具有幂等保护：重复调用返回 ErrAlreadyStarted
func (e *Engine) Start() error {
	if !e.started.CAS(false, true) {
		return ErrAlreadyStarted
	}
	go e.run()
	return nil
}

// Stop 关闭传输层，使分发协程在下次被唤醒时退出
func (e *Engine) Stop() error {
	select {
	case <-e.stopCh:
		return nil
	default:
		close(e.stopCh)
	}
	return e.transport.Close()
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// run 是分发协程：先非阻塞地排空 mailbox，再阻塞接收一个数据包，
// 超时时间取决于是否还有请求未完成，以便已设置的重传定时器能
// 被及时处理。
func (e *Engine) run() {
	buf := make([]byte, e.cfg.PDUBufSize)
	for {
		if e.stopping() {
			return
		}

		select {
		case msg := <-e.mailbox:
			e.handleMailbox(msg)
		default:
		}

		timeout := time.Duration(0)
		if e.tx.openRequests() > 0 {
			timeout = e.cfg.RecvTimeout
		}

		n, remote, err := e.transport.RecvFrom(buf, timeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if e.stopping() {
				return
			}
			logger.Warnf("coap: 接收失败: %v", err)
			continue
		}
		e.handleDatagram(buf[:n], remote)
	}
}

func (e *Engine) handleMailbox(msg mailboxMsg) {
	switch v := msg.(type) {
	case timeoutMsg:
		e.onTimeout(v.idx)
	case intrMsg:
	}
}

func (e *Engine) handleDatagram(data []byte, remote *net.UDPAddr) {
	m, err := Parse(data)
	if err != nil {
		logger.Debugf("coap: 解析失败: %v", err)
		return
	}

	if m.Header.Code == CodeEmpty {
		e.handleEmpty(&m, remote)
		return
	}

	switch m.CodeClass() {
	case ClassRequest:
		if m.Header.Type != TypeCON && m.Header.Type != TypeNON {
			logger.Debugf("coap: 非法的请求类型: %v", m.Header.Type)
			return
		}
		e.handleRequest(&m, remote)
	case ClassSuccess, ClassClientFailure, ClassServerFailure:
		e.handleResponse(&m, remote)
	default:
		logger.Debugf("coap: 非法的 code class: %d", m.CodeClass())
	}
}

// handleEmpty 处理一个空的 ACK 或 RST：唯一会被实际处理的情形是
// 一个 Observe 通知对应的 ACK/RST，它会结束该通知的送达跟踪
// （对于 RST，还会取消订阅）。一个普通的空 ACK 意味着后续还有一个
// 独立响应即将到达，本引擎目前尚不支持独立响应，因此只记录日志
// 并丢弃。
func (e *Engine) handleEmpty(m *Message, remote *net.UDPAddr) {
	idx := e.tx.findByMsgID(m.Header.MessageID)
	if idx < 0 {
		logger.Debugf("coap: 空消息无法匹配到请求, id=%d", m.Header.MessageID)
		return
	}
	memo := &e.tx.memos[idx]
	if (m.Header.Type != TypeACK && m.Header.Type != TypeRST) || memo.sendLimit < 0 {
		return
	}

	obsMemo, _ := e.obs.findMemo(remote, memo.token, true)
	if obsMemo == nil {
		logger.Warnf("coap: 尚不支持独立响应")
		return
	}
	if memo.timer != nil {
		memo.timer.Stop()
	}
	if m.Header.Type == TypeRST {
		e.obs.clearMemo(obsMemo, remote)
	}
	e.tx.release(idx)
}

func (e *Engine) handleRequest(m *Message, remote *net.UDPAddr) {
	n, err := e.dispatchRequest(m, e.respScratch, remote)
	if err != nil {
		logger.Debugf("coap: 请求分发失败: %v", err)
		return
	}
	if n > 0 {
		if _, err := e.transport.Send(e.respScratch[:n], remote); err != nil {
			logger.Warnf("coap: 发送响应失败: %v", err)
		}
	}
}

// dispatchRequest 将 m 与资源链表匹配，应用 Observe 注册/取消注册
// 语义，并调用匹配到的处理函数，将响应构造进 buf。
func (e *Engine) dispatchRequest(m *Message, buf []byte, remote *net.UDPAddr) (int, error) {
	resource, _, result := findResource(e.listeners, m.Path, MethodToFlag(m.Header.Code))
	switch result {
	case LookupNoPath:
		return e.respondError(m, buf, CodeNotFound)
	case LookupWrongMethod:
		return e.respondError(m, buf, CodeMethodNotAllowed)
	}

	if m.HasObserve() {
		switch m.Observe {
		case int64(ObserveRegister):
			if err := e.obs.register(remote, resource, m.Token); err != nil {
				m.ClearObserve()
				logger.Debugf("coap: 无法注册 observe memo: %v", err)
			} else {
				m.Observe = nextObserveValue(time.Now().UnixMicro(), e.cfg.ObsTickExponent)
			}
		case int64(ObserveDeregister):
			e.obs.deregister(remote, m.Token)
			m.ClearObserve()
		default:
			logger.Debugf("coap: 意外的 observe 值: %d", m.Observe)
			return 0, nil
		}
	}

	n, err := resource.Handler(m, buf)
	if err != nil {
		return e.respondError(m, buf, CodeInternalServerError)
	}
	return n, nil
}

func (e *Engine) respondError(m *Message, buf []byte, code Code) (int, error) {
	if err := e.RespInit(m, buf, code); err != nil {
		return 0, err
	}
	return e.Finish(m, 0, FormatNone)
}

func (e *Engine) handleResponse(m *Message, remote *net.UDPAddr) {
	idx := e.tx.findByToken(m.Token)
	if idx < 0 {
		logger.Debugf("coap: 未找到 id %d 对应的请求", m.Header.MessageID)
		return
	}
	memo := &e.tx.memos[idx]

	switch m.Header.Type {
	case TypeNON, TypeACK:
		if memo.timer != nil {
			memo.timer.Stop()
		}
		memo.state = memoRespState
		if memo.waitCh != nil {
			memo.waitResult = m
			memo.waitState = StateResp
			close(memo.waitCh)
			return
		}
		if memo.respHandler != nil {
			memo.respHandler(StateResp, m, remote)
		}
		e.tx.release(idx)
	case TypeCON:
		logger.Warnf("coap: 尚未处理独立 CON 响应")
	default:
		logger.Debugf("coap: 非法的响应类型: %v", m.Header.Type)
	}
}

// onTimeout 是分发协程一侧对 timeoutMsg 的处理函数：驱动单个 memo
// 的重传状态机。
func (e *Engine) onTimeout(idx int) {
	memo := &e.tx.memos[idx]
	if memo.state != memoWait {
		return // 定时器触发前响应已经被处理
	}

	if memo.sendLimit == sendLimitNON || memo.sendLimit == 0 {
		e.finishTimeout(idx)
		return
	}

	ri := retryIndex(e.cfg.MaxRetransmit, memo.sendLimit)
	memo.sendLimit--
	timeout := backoffTimeout(e.cfg.AckTimeout, e.cfg.RandomFactor, ri)

	n, err := e.transport.Send(e.tx.resendBufs[memo.resendBufIdx][:memo.pduLen], memo.remote)
	if err != nil || n == 0 {
		logger.Warnf("coap: 重发失败: %v", err)
		e.finishTimeout(idx)
		return
	}
	memo.timer = time.AfterFunc(timeout, func() { e.postTimeout(idx) })
}

func (e *Engine) finishTimeout(idx int) {
	memo := &e.tx.memos[idx]
	memo.state = memoTimeoutState

	if memo.waitCh != nil {
		memo.waitState = StateTimeout
		close(memo.waitCh)
		return
	}

	if memo.respHandler != nil {
		req := &Message{
			Header: Header{Type: memo.typ, Code: memo.code, MessageID: memo.msgID},
			Token:  memo.token,
		}
		memo.respHandler(StateTimeout, req, nil)
	}
	if memo.sendLimit != sendLimitNON {
		e.obs.deregister(memo.remote, memo.token)
	}
	e.tx.release(idx)
}

// postTimeout 从一个 time.AfterFunc 协程中调用：将超时事件投递到
// mailbox，并打断任何正在进行的阻塞接收，以便分发协程能及时处理它。
func (e *Engine) postTimeout(idx int) {
	select {
	case e.mailbox <- timeoutMsg{idx: idx}:
	case <-e.stopCh:
		return
	}
	e.transport.Interrupt()
}

// interrupt 将分发协程从阻塞接收中唤醒，使其按新的未完成请求数重新
// 计算接收超时；ReqSend 每次发出请求并设置好定时器后都会调用它。
func (e *Engine) interrupt() {
	select {
	case e.mailbox <- intrMsg{}:
	default:
	}
	e.transport.Interrupt()
}

func (e *Engine) nextMessageID() uint16 {
	return uint16(e.msgID.Inc())
}

// backoffTimeout 按 RFC 7252 §4.2 计算给定 0-based 重试序号对应的
// 指数退避重传超时时间，并在 [ackTimeout*2^i, ackTimeout*2^i*randomFactor]
// 区间内均匀抖动。
func backoffTimeout(ackTimeout time.Duration, randomFactor float64, retryIndex int) time.Duration {
	base := ackTimeout << uint(retryIndex)
	spread := float64(base) * (randomFactor - 1)
	jitter := time.Duration(0)
	if spread > 0 {
		jitter = time.Duration(rand.Int63n(int64(spread) + 1))
	}
	return base + jitter
}
