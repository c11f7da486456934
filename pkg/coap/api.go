package coap

import (
	cryptorand "crypto/rand"
	"net"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// SendOptions 是 ReqInitOpts 在 ReqInit 所覆盖的常见场景之外的
// 扩展参数。
type SendOptions struct {
	Type Type
	Code Code
	Path string
}

// ReqInit 用给定的 code 和 path 构造一个确认型请求到 buf 中，
// 供后续调用 AddQueryString/Finish/ReqSend。
func (e *Engine) ReqInit(buf []byte, code Code, path string) (*Message, error) {
	return e.ReqInitOpts(buf, SendOptions{Type: TypeCON, Code: code, Path: path})
}

// ReqInitOpts 以显式指定的消息类型构造一个请求
func (e *Engine) ReqInitOpts(buf []byte, opts SendOptions) (*Message, error) {
	token := make([]byte, e.cfg.TokenLen)
	if _, err := cryptorand.Read(token); err != nil {
		return nil, pkgerrors.Wrap(err, "coap: 生成 token 失败")
	}
	msgID := e.nextMessageID()

	hdrLen, err := BuildHeader(buf, opts.Type, token, opts.Code, msgID)
	if err != nil {
		return nil, err
	}

	m := &Message{
		Header: Header{
			Version:   coapVersion,
			Type:      opts.Type,
			TokenLen:  uint8(len(token)),
			Code:      opts.Code,
			MessageID: msgID,
		},
		Token:         token,
		Path:          opts.Path,
		ContentFormat: FormatNone,
		Observe:       ObserveAbsent,
		buf:           buf,
		optionsStart:  hdrLen,
	}
	m.payloadStart = hdrLen + len(opts.Path) + reqOptionsBuf
	m.payloadCap = len(buf) - m.payloadStart
	if m.payloadCap < 0 {
		return nil, ErrBufferTooSmall
	}
	return m, nil
}

// AddQueryString 为构造中的请求 m，向其累积的 Uri-Query 追加一个
// key[=value] 键值对
func (e *Engine) AddQueryString(m *Message, key, value string) error {
	if key == "" {
		return ErrPathFormat
	}
	seg := key
	if value != "" {
		seg = key + "=" + value
	}
	if m.Query == "" {
		m.Query = seg
	} else {
		m.Query = m.Query + "&" + seg
	}
	return nil
}

// RespInit 就地将一个已解析的入站请求 m 转换为一个指定 code 的
// ACK 或 NON 回复，后续的负载写入和 Finish 都作用于 buf。
func (e *Engine) RespInit(m *Message, buf []byte, code Code) error {
	respType := TypeNON
	if m.Header.Type == TypeCON {
		respType = TypeACK
	}

	hdrLen, err := BuildHeader(buf, respType, m.Token, code, m.Header.MessageID)
	if err != nil {
		return err
	}

	m.Header.Type = respType
	m.Header.Code = code
	m.ContentFormat = FormatNone
	m.buf = buf
	m.optionsStart = hdrLen
	m.payloadStart = hdrLen + respOptionsBuf
	m.payloadCap = len(buf) - m.payloadStart
	if m.payloadCap < 0 {
		return ErrBufferTooSmall
	}
	return nil
}

// ObsInit 为 resource 唯一已注册的观察者构造一个无需确认的 Observe
// 通知，供处理函数填充负载后调用 Finish。若 resource 没有观察者
// 则返回 ErrNoObserver。
func (e *Engine) ObsInit(buf []byte, resource *Resource) (*Message, error) {
	return e.ObsInitOpts(buf, resource, TypeNON)
}

// ObsInitOpts 是带显式消息类型的 ObsInit（确认型通知用 TypeCON）
func (e *Engine) ObsInitOpts(buf []byte, resource *Resource, typ Type) (*Message, error) {
	memo := e.obs.findMemoByResource(resource)
	if memo == nil {
		return nil, ErrNoObserver
	}

	msgID := e.nextMessageID()
	hdrLen, err := BuildHeader(buf, typ, memo.token, CodeContent, msgID)
	if err != nil {
		return nil, err
	}

	m := &Message{
		Header: Header{
			Version:   coapVersion,
			Type:      typ,
			TokenLen:  uint8(len(memo.token)),
			Code:      CodeContent,
			MessageID: msgID,
		},
		Token:         append([]byte(nil), memo.token...),
		ContentFormat: FormatNone,
		Observe:       nextObserveValue(time.Now().UnixMicro(), e.cfg.ObsTickExponent),
		buf:           buf,
		optionsStart:  hdrLen,
	}
	m.payloadStart = hdrLen + obsOptionsBuf
	m.payloadCap = len(buf) - m.payloadStart
	if m.payloadCap < 0 {
		return nil, ErrBufferTooSmall
	}
	return m, nil
}

// Finish 按固定顺序（Observe、Uri-Path、Content-Format、Uri-Query）
// 将 m 的选项和负载标记写入其底层缓冲区，把已写入的负载字节挪到
// 紧随选项之后的位置，返回整个 PDU 的长度。
func (e *Engine) Finish(m *Message, payloadLen int, format ContentFormat) (int, error) {
	m.ContentFormat = format

	optEnd, err := writeOptions(m, payloadLen)
	if err != nil {
		return 0, err
	}

	if payloadLen > 0 {
		copy(m.buf[optEnd:], m.buf[m.payloadStart:m.payloadStart+payloadLen])
	}
	total := optEnd + payloadLen
	m.Payload = m.buf[optEnd:total]
	return total, nil
}

// writeOptions 按严格递增的选项号顺序，将 m 的选项序列化进
// m.buf（从 m.optionsStart 开始），若 payloadLen > 0 则随后写入
// 负载标记。返回 m.buf 中紧随写入内容之后的绝对偏移量。
func writeOptions(m *Message, payloadLen int) (int, error) {
	bufpos := m.optionsStart
	lastNum := uint16(0)

	// Observe 既可以出现在成功响应上（作为通知计数器），
	// 也可以出现在 GET 请求上（RFC 7641 的注册值 0 / 取消注册值 1）。
	if (m.CodeClass() == ClassSuccess || m.CodeClass() == ClassRequest) && m.HasObserve() {
		n, err := PutOption(m.buf[bufpos:], lastNum, OptionObserve, encodeUintMinimal(uint32(m.Observe)))
		if err != nil {
			return 0, err
		}
		bufpos += n
		lastNum = OptionObserve
	}

	if m.CodeClass() == ClassRequest && m.Path != "" {
		if m.Path[0] != '/' {
			return 0, ErrPathFormat
		}
		n, err := PutOptionURI(m.buf[bufpos:], lastNum, m.Path, OptionURIPath)
		if err != nil {
			return 0, err
		}
		bufpos += n
		lastNum = OptionURIPath
	}

	if m.ContentFormat != FormatNone {
		n, err := PutOption(m.buf[bufpos:], lastNum, OptionContentFormat, encodeUintMinimal(uint32(m.ContentFormat)))
		if err != nil {
			return 0, err
		}
		bufpos += n
		lastNum = OptionContentFormat
	}

	if m.CodeClass() == ClassRequest && m.Query != "" {
		n, err := PutOptionURI(m.buf[bufpos:], lastNum, m.Query, OptionURIQuery)
		if err != nil {
			return 0, err
		}
		bufpos += n
		lastNum = OptionURIQuery
	}

	if payloadLen > 0 {
		if bufpos >= len(m.buf) {
			return 0, ErrBufferTooSmall
		}
		m.buf[bufpos] = payloadMarker
		bufpos++
	}
	return bufpos, nil
}

// ReqSend 将 m（已经 Finish 成底层缓冲区中一个 n 字节的 PDU）
// 发送给 remote，分配一个事务表条目跟踪其响应。handler 如果非
// nil，会被恰好调用一次并携带最终状态——对异步请求在分发协程上
// 调用，对设置了 Config.WaitForResponse 的同步请求则在 ReqSend
// 返回前、在调用方协程上调用。
func (e *Engine) ReqSend(m *Message, n int, remote *net.UDPAddr, handler ResponseHandler) (int, error) {
	if !e.started.Load() {
		return 0, ErrNotInitialized
	}

	idx, ok := e.tx.alloc()
	if !ok {
		return 0, ErrNoSlot
	}
	memo := &e.tx.memos[idx]
	memo.typ = m.Header.Type
	memo.code = m.Header.Code
	memo.token = append([]byte(nil), m.Token...)
	memo.msgID = m.Header.MessageID
	memo.remote = remote
	memo.respHandler = handler

	pdu := m.buf[:n]

	switch m.Header.Type {
	case TypeCON:
		bufIdx, ok := e.tx.claimResendBuf()
		if !ok {
			e.tx.release(idx)
			return 0, ErrNoSlot
		}
		copy(e.tx.resendBufs[bufIdx], pdu)
		memo.resendBufIdx = bufIdx
		memo.pduLen = n
		memo.sendLimit = e.cfg.MaxRetransmit
	case TypeNON:
		memo.resendBufIdx = -1
		memo.sendLimit = sendLimitNON
	default:
		e.tx.release(idx)
		return 0, ErrParse
	}

	sent, err := e.transport.Send(pdu, remote)
	if err != nil {
		e.tx.release(idx)
		return 0, pkgerrors.Wrap(err, "coap: 发送请求失败")
	}
	if sent == 0 {
		e.tx.release(idx)
		return 0, ErrSendFailed
	}

	if e.cfg.WaitForResponse {
		memo.waitCh = make(chan struct{})
	}

	var timeout time.Duration
	if memo.sendLimit == sendLimitNON {
		timeout = e.cfg.NonTimeout
	} else {
		timeout = backoffTimeout(e.cfg.AckTimeout, e.cfg.RandomFactor, 0)
	}
	memo.timer = time.AfterFunc(timeout, func() { e.postTimeout(idx) })
	e.interrupt()

	if !e.cfg.WaitForResponse {
		return sent, nil
	}

	<-memo.waitCh
	state, result := memo.waitState, memo.waitResult
	e.tx.release(idx)
	if handler != nil {
		handler(state, result, remote)
	}
	return sent, nil
}

// ObsSend 将 buf[:n] 中已经 Finish 好的通知发送给 resource 已注册
// 的观察者，确认型通知会像其它确认型发送一样经由事务表路由。若
// resource 当前没有观察者，返回 (0, nil)。
func (e *Engine) ObsSend(buf []byte, n int, resource *Resource) (int, error) {
	memo := e.obs.findMemoByResource(resource)
	if memo == nil {
		return 0, nil
	}

	typ := Type((buf[0] >> 4) & 0x03)
	switch typ {
	case TypeNON:
		return e.transport.Send(buf[:n], memo.observer.addr)
	case TypeCON:
		m, err := Parse(buf[:n])
		if err != nil {
			return 0, err
		}
		m.buf = buf
		return e.ReqSend(&m, n, memo.observer.addr, nil)
	default:
		return 0, nil
	}
}

// OpenRequests 返回事务表中当前正在跟踪未完成请求的条目数
func (e *Engine) OpenRequests() int {
	return e.tx.openRequests()
}
