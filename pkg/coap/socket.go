package coap

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// multicastTTL 限定一个出站组播 CoAP 发现数据包能传播多远
const multicastTTL = 64

// Transport 抽象出 Engine 所驱动的数据包通道，使一个普通 UDP
// 套接字和一个 DTLS 加密套接字（dtls.go）能共享同一套分发循环。
type Transport interface {
	Send(b []byte, remote *net.UDPAddr) (int, error)
	// RecvFrom 最多阻塞 timeout（0 表示无限期阻塞），返回收到的数据包及其来源
	RecvFrom(buf []byte, timeout time.Duration) (n int, remote *net.UDPAddr, err error)
	// Interrupt 使一个正在进行中的 RecvFrom 立即以超时错误返回，
	// 而不关闭传输层
	Interrupt()
	LocalAddr() *net.UDPAddr
	Close() error
}

// udpTransport 是普通（非 DTLS）的 Transport，用同一个绑定的
// *net.UDPConn 既接收请求又发送响应，或既发送客户端请求又接收响应。
type udpTransport struct {
	conn *net.UDPConn
}

// NewUDPServer 为入站 CoAP 流量绑定一个 UDP 套接字，组播 TTL 和
// 环回设置都为 CoAP 组发现而调校。
func NewUDPServer(addr *net.UDPAddr) (Transport, error) {
	if addr == nil {
		addr = &net.UDPAddr{IP: net.IPv4zero, Port: defaultPort}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}

// NewUDPClient 绑定一个未连接的 UDP 套接字，适合向任意远端发送
// 请求并接收其响应。
func NewUDPClient() (Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) Send(b []byte, remote *net.UDPAddr) (int, error) {
	return t.conn.WriteToUDP(b, remote)
}

func (t *udpTransport) RecvFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if timeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.ReadFromUDP(buf)
}

// Interrupt 通过将读取截止时间移到过去，强制一个阻塞中的 RecvFrom
// 立即返回。这是线程 mailbox 唤醒消息在传输层上的等价物。
func (t *udpTransport) Interrupt() {
	t.conn.SetReadDeadline(time.Now())
}

func (t *udpTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

// isTimeout 判断 err 是否是传输层的截止时间到期，而非真正的 I/O 故障
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
