package coap

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
)

// PSKParams 携带用于加固 dtlsTransport 的预共享密钥身份标识和密钥素材
type PSKParams struct {
	Identity []byte
	Key      []byte
}

// CipherSuite 是一个加密传输层协商出的加密套件标识
type CipherSuite uint16

const (
	CipherPSKWithAES128CCM8        CipherSuite = CipherSuite(dtls.TLS_PSK_WITH_AES_128_CCM_8)
	CipherECDHEECDSAWithAES128CCM8 CipherSuite = CipherSuite(dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8)
)

// dtlsHandshakeBudget 限定与一个新对端进行 DTLS 握手所能花费的
// 最长时间，超出后触发握手的调用会放弃
const dtlsHandshakeBudget = 10 * time.Second

// dtlsRawBufSize 是解复用循环读取原始密文数据包、以及每个已建立
// 会话读取解密后应用数据所用的缓冲区大小，须能容纳 DTLS 记录层
// 加在 PDU 之上的开销。
const dtlsRawBufSize = 2048

// dtlsTimeoutErr 让一次被 Interrupt 唤醒的 RecvFrom 呈现出与
// udpTransport 截止时间到期完全一样的 net.Error 形状，好让
// Engine.run 里的 isTimeout 判断照常生效。
type dtlsTimeoutErr struct{}

func (dtlsTimeoutErr) Error() string   { return "coap/dtls: 接收超时" }
func (dtlsTimeoutErr) Timeout() bool   { return true }
func (dtlsTimeoutErr) Temporary() bool { return true }

// dtlsTransport 为一个 udpTransport 的数据包加固，为每个远端对等体
// 维护一个 *dtls.Conn。它实现了 Transport 接口，因此引擎的分发
// 循环无需关心自己驱动的是明文 UDP 还是 DTLS。
//
// 多个对等体共享同一个底层 UDP 套接字，而 *dtls.Conn 期望独占一个
// net.Conn：demuxLoop 是唯一直接读取共享套接字的协程，按来源地址
// 把密文数据包投递进各自的 peerConn.inbox；每个会话各自的读循环
// （pump）再从对应 peerConn 上消费、解密，并把结果经 appData 转交
// 给 RecvFrom 的调用方，而不是像单会话场景那样直接复用上一次已经
// 读过的那份密文。
type dtlsTransport struct {
	udp      Transport
	cfg      *dtls.Config
	isServer bool

	mu    sync.Mutex
	peers map[string]*peerConn
	conns map[string]*connEntry

	appData   chan appPacket
	interrupt chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// appPacket 是一段已解密、等待 RecvFrom 交付给引擎的应用数据
type appPacket struct {
	buf    []byte
	remote *net.UDPAddr
}

// connEntry 记录某个远端对应会话的握手结果，ready 在握手完成
// （成功或失败）时关闭，使并发到达的调用方都等待同一次握手，
// 而不是各自重复发起。
type connEntry struct {
	ready chan struct{}
	conn  *dtls.Conn
	err   error
}

// NewDTLSServer 用基于 PSK 的 DTLS 包装 addr 上绑定的 UDP 套接字，
// 接受任何携带配置身份提示的对端发起的握手。
func NewDTLSServer(addr *net.UDPAddr, psk PSKParams, suites ...CipherSuite) (Transport, error) {
	udp, err := NewUDPServer(addr)
	if err != nil {
		return nil, err
	}
	return newDTLSTransport(udp, psk, suites, true), nil
}

// NewDTLSClient 用基于 PSK 的 DTLS 包装一个新建的客户端 UDP 套接字
func NewDTLSClient(psk PSKParams, suites ...CipherSuite) (Transport, error) {
	udp, err := NewUDPClient()
	if err != nil {
		return nil, err
	}
	return newDTLSTransport(udp, psk, suites, false), nil
}

func newDTLSTransport(udp Transport, psk PSKParams, suites []CipherSuite, isServer bool) *dtlsTransport {
	if len(suites) == 0 {
		suites = []CipherSuite{CipherPSKWithAES128CCM8}
	}
	ids := make([]dtls.CipherSuiteID, len(suites))
	for i, s := range suites {
		ids[i] = dtls.CipherSuiteID(s)
	}

	cfg := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk.Key, nil
		},
		PSKIdentityHint: psk.Identity,
		CipherSuites:    ids,
		LoggerFactory:   logging.NewDefaultLoggerFactory(),
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), dtlsHandshakeBudget)
		},
	}

	t := &dtlsTransport{
		udp:       udp,
		cfg:       cfg,
		isServer:  isServer,
		peers:     make(map[string]*peerConn),
		conns:     make(map[string]*connEntry),
		appData:   make(chan appPacket, 16),
		interrupt: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	go t.demuxLoop()
	return t
}

// demuxLoop 持续从底层共享 UDP 套接字读取密文数据包，按来源地址
// 分拣进对应 peerConn 的 inbox；首次见到某个来源地址且本端是
// 服务端角色时，异步发起一次服务端握手。
func (t *dtlsTransport) demuxLoop() {
	raw := make([]byte, dtlsRawBufSize)
	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		n, remote, err := t.udp.RecvFrom(raw, 0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-t.closeCh:
				return
			default:
				continue
			}
		}

		peer, isNewPeer := t.peerFor(remote)
		peer.deliver(raw[:n])
		if isNewPeer && t.isServer {
			go t.connFor(remote)
		}
	}
}

func (t *dtlsTransport) peerFor(remote *net.UDPAddr) (*peerConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerForLocked(remote)
}

func (t *dtlsTransport) peerForLocked(remote *net.UDPAddr) (*peerConn, bool) {
	key := remote.String()
	if p, ok := t.peers[key]; ok {
		return p, false
	}
	p := &peerConn{transport: t.udp, remote: remote, inbox: make(chan []byte, 16)}
	t.peers[key] = p
	return p, true
}

// connFor 返回与 remote 之间已建立（或正在建立）的 DTLS 会话，按
// 本端角色选择 dtls.Server 或 dtls.Client 发起握手：客户端角色由
// 首次 Send 触发主动拨号，服务端角色由 demuxLoop 见到新来源地址时
// 触发被动接受。并发调用者共享同一次握手，都阻塞到其 ready 关闭
// 为止。
func (t *dtlsTransport) connFor(remote *net.UDPAddr) (*dtls.Conn, error) {
	key := remote.String()

	t.mu.Lock()
	if entry, ok := t.conns[key]; ok {
		t.mu.Unlock()
		<-entry.ready
		return entry.conn, entry.err
	}
	peer, _ := t.peerForLocked(remote)
	entry := &connEntry{ready: make(chan struct{})}
	t.conns[key] = entry
	t.mu.Unlock()

	t.handshake(remote, peer, entry)
	return entry.conn, entry.err
}

func (t *dtlsTransport) handshake(remote *net.UDPAddr, peer *peerConn, entry *connEntry) {
	var conn *dtls.Conn
	var err error
	if t.isServer {
		conn, err = dtls.Server(peer, t.cfg)
	} else {
		conn, err = dtls.Client(peer, t.cfg)
	}
	entry.conn = conn
	entry.err = err
	close(entry.ready)
	if err == nil {
		go t.pump(remote, conn)
	}
}

// pump 持续从一个已完成握手的会话读取解密后的应用数据，转交给
// appData 供 RecvFrom 消费。
func (t *dtlsTransport) pump(remote *net.UDPAddr, conn *dtls.Conn) {
	buf := make([]byte, dtlsRawBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case t.appData <- appPacket{buf: pkt, remote: remote}:
		case <-t.closeCh:
			return
		}
	}
}

func (t *dtlsTransport) Send(b []byte, remote *net.UDPAddr) (int, error) {
	conn, err := t.connFor(remote)
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

func (t *dtlsTransport) RecvFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case pkt := <-t.appData:
		n := copy(buf, pkt.buf)
		return n, pkt.remote, nil
	case <-t.interrupt:
		return 0, nil, dtlsTimeoutErr{}
	case <-deadline:
		return 0, nil, dtlsTimeoutErr{}
	case <-t.closeCh:
		return 0, nil, dtlsTimeoutErr{}
	}
}

// Interrupt 使一个正在阻塞的 RecvFrom 立即以超时错误返回，语义
// 与 udpTransport.Interrupt 相同，不关闭传输层。
func (t *dtlsTransport) Interrupt() {
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
}

func (t *dtlsTransport) LocalAddr() *net.UDPAddr { return t.udp.LocalAddr() }

func (t *dtlsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closeCh) })
	t.udp.Interrupt()

	t.mu.Lock()
	for _, e := range t.conns {
		select {
		case <-e.ready:
			if e.conn != nil {
				e.conn.Close()
			}
		default:
		}
	}
	t.mu.Unlock()

	return t.udp.Close()
}

// peerConn 把固定指向一个远端的共享 Transport 适配成
// github.com/pion/dtls/v2 记录层所需的 net.Conn 形态：Write 直接
// 发往共享套接字，Read 不再触达套接字本身，而是从 demuxLoop 按
// 来源地址分拣好、投递到 inbox 的密文数据包中取，避免与 demuxLoop
// 自己的读争抢同一个共享套接字。
type peerConn struct {
	transport Transport
	remote    *net.UDPAddr
	inbox     chan []byte
}

func (p *peerConn) deliver(b []byte) {
	cp := append([]byte(nil), b...)
	select {
	case p.inbox <- cp:
	default:
		// 对端握手/读取跟不上到达速度时宁可丢弃，也不能阻塞 demuxLoop
	}
}

func (p *peerConn) Read(b []byte) (int, error) {
	pkt, ok := <-p.inbox
	if !ok {
		return 0, io.EOF
	}
	return copy(b, pkt), nil
}

func (p *peerConn) Write(b []byte) (int, error) {
	return p.transport.Send(b, p.remote)
}

func (p *peerConn) Close() error                      { return nil }
func (p *peerConn) LocalAddr() net.Addr               { return p.transport.LocalAddr() }
func (p *peerConn) RemoteAddr() net.Addr              { return p.remote }
func (p *peerConn) SetDeadline(t time.Time) error      { return nil }
func (p *peerConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *peerConn) SetWriteDeadline(t time.Time) error { return nil }
