package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/junbin-yang/gocoap/pkg/coap"
	"github.com/junbin-yang/gocoap/pkg/utils/config"
	"github.com/junbin-yang/gocoap/pkg/utils/logger"
)

// Gateway 包装一个 Engine 和它所提供的少量演示资源，外加交互式
// 命令行向远端对等体发起请求所需的客户端状态。
type Gateway struct {
	engine    *coap.Engine
	toggle    *toggleResource
	toggleRes *coap.Resource // 实际存储在引擎 listener 链表中的 Resource
	clientBuf []byte
}

// toggleResource 是本网关提供的唯一有状态资源：GET 返回其当前值，
// PUT 设置新值并通知观察者。
type toggleResource struct {
	gw    *Gateway
	value string
}

func (r *toggleResource) get(m *coap.Message, buf []byte) (int, error) {
	if err := r.gw.engine.RespInit(m, buf, coap.CodeContent); err != nil {
		return 0, err
	}
	n := copy(bufPayload(m), r.value)
	return r.gw.engine.Finish(m, n, coap.FormatTextPlain)
}

func (r *toggleResource) put(m *coap.Message, buf []byte) (int, error) {
	r.value = strings.TrimSpace(string(requestBody(m)))

	if err := r.gw.engine.RespInit(m, buf, coap.CodeChanged); err != nil {
		return 0, err
	}
	n, err := r.gw.engine.Finish(m, 0, coap.FormatNone)
	if err != nil {
		return 0, err
	}

	r.gw.notify()
	return n, nil
}

func bufPayload(m *coap.Message) []byte {
	return m.PayloadBuf()
}

func requestBody(m *coap.Message) []byte {
	return m.Payload
}

func (gw *Gateway) notify() {
	obsBuf := make([]byte, 128)
	m, err := gw.engine.ObsInit(obsBuf, gw.toggleRes)
	if err != nil {
		if err != coap.ErrNoObserver {
			logger.Warnf("gateway: 初始化 observe 通知失败: %v", err)
		}
		return
	}
	n := copy(bufPayload(m), gw.toggle.value)
	total, err := gw.engine.Finish(m, n, coap.FormatTextPlain)
	if err != nil {
		logger.Warnf("gateway: 构造 observe 通知失败: %v", err)
		return
	}
	if _, err := gw.engine.ObsSend(obsBuf, total, gw.toggleRes); err != nil {
		logger.Warnf("gateway: 发送 observe 通知失败: %v", err)
	}
}

func newGateway(cfg coap.Config, addr *net.UDPAddr) (*Gateway, error) {
	transport, err := coap.NewUDPServer(addr)
	if err != nil {
		return nil, err
	}
	engine := coap.New(cfg, transport)
	gw := &Gateway{engine: engine, clientBuf: make([]byte, cfg.PDUBufSize)}
	gw.toggle = &toggleResource{gw: gw, value: "off"}

	listener := coap.NewListener([]coap.Resource{{
		Path:    "/toggle",
		Methods: coap.MethodGET | coap.MethodPUT,
		Handler: func(m *coap.Message, buf []byte) (int, error) {
			if m.CodeDetail() == coap.CodeGET.Detail() {
				return gw.toggle.get(m, buf)
			}
			return gw.toggle.put(m, buf)
		},
	}})
	gw.toggleRes = &listener.Resources[0]
	engine.RegisterListener(listener)

	if err := engine.Start(); err != nil {
		return nil, err
	}
	return gw, nil
}

func (gw *Gateway) get(remote *net.UDPAddr, path string) error {
	buf := make([]byte, 128)
	m, err := gw.engine.ReqInit(buf, coap.CodeGET, path)
	if err != nil {
		return err
	}
	n, err := gw.engine.Finish(m, 0, coap.FormatNone)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	_, err = gw.engine.ReqSend(m, n, remote, func(state coap.State, resp *coap.Message, _ *net.UDPAddr) {
		defer close(done)
		if state == coap.StateTimeout {
			fmt.Println("请求超时")
			return
		}
		fmt.Printf("%s %s\n", resp.Header.Code, string(resp.Payload))
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (gw *Gateway) printHelp() {
	fmt.Println("\n可用命令:")
	fmt.Println("  get <host:port> <path>   - 发送一个 GET 请求")
	fmt.Println("  open-reqs                - 打印当前未完成的请求数")
	fmt.Println("  exit, quit, q            - 停止网关")
}

func (gw *Gateway) interactive() {
	fmt.Println("coap-gateway: 正在提供 /.well-known/core 和 /toggle 服务")
	fmt.Println("输入 'help' 查看命令")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\ncoap> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)

		switch parts[0] {
		case "help", "h":
			gw.printHelp()
		case "get":
			if len(parts) < 3 {
				fmt.Println("用法: get <host:port> <path>")
				continue
			}
			remote, err := net.ResolveUDPAddr("udp", parts[1])
			if err != nil {
				fmt.Printf("错误: %v\n", err)
				continue
			}
			if err := gw.get(remote, parts[2]); err != nil {
				fmt.Printf("错误: %v\n", err)
			}
		case "open-reqs":
			fmt.Println(strconv.Itoa(gw.engine.OpenRequests()))
		case "exit", "quit", "q":
			return
		default:
			fmt.Printf("未知命令: %s（输入 'help' 查看帮助）\n", parts[0])
		}
	}
}

func main() {
	cfg := config.Parse()

	engineCfg := coap.DefaultConfig()
	if cfg.Engine.PDUBufSize > 0 {
		engineCfg.PDUBufSize = cfg.Engine.PDUBufSize
	}
	if cfg.Engine.TokenLen > 0 {
		engineCfg.TokenLen = cfg.Engine.TokenLen
	}
	if cfg.Engine.REQWaitingMax > 0 {
		engineCfg.REQWaitingMax = cfg.Engine.REQWaitingMax
	}
	if cfg.Engine.ObsClientsMax > 0 {
		engineCfg.ObsClientsMax = cfg.Engine.ObsClientsMax
	}
	if cfg.Engine.ObsRegistrationsMax > 0 {
		engineCfg.ObsRegistrationsMax = cfg.Engine.ObsRegistrationsMax
	}
	if cfg.Engine.ResendBufsMax > 0 {
		engineCfg.ResendBufsMax = cfg.Engine.ResendBufsMax
	}
	if cfg.Engine.AckTimeoutMs > 0 {
		engineCfg.AckTimeout = time.Duration(cfg.Engine.AckTimeoutMs) * time.Millisecond
	}
	if cfg.Engine.MaxRetransmit > 0 {
		engineCfg.MaxRetransmit = cfg.Engine.MaxRetransmit
	}
	if cfg.Engine.RandomFactor > 0 {
		engineCfg.RandomFactor = cfg.Engine.RandomFactor
	}
	if cfg.Engine.NonTimeoutMs > 0 {
		engineCfg.NonTimeout = time.Duration(cfg.Engine.NonTimeoutMs) * time.Millisecond
	}
	if cfg.Engine.RecvTimeoutMs > 0 {
		engineCfg.RecvTimeout = time.Duration(cfg.Engine.RecvTimeoutMs) * time.Millisecond
	}
	if cfg.Engine.ObsTickExponent > 0 {
		engineCfg.ObsTickExponent = cfg.Engine.ObsTickExponent
	}
	engineCfg.WaitForResponse = cfg.Engine.WaitForResponse

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: 5683}
	gw, err := newGateway(engineCfg, addr)
	if err != nil {
		logger.Errorf("gateway: 初始化失败: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n正在关闭...")
		gw.engine.Stop()
		os.Exit(0)
	}()
	defer gw.engine.Stop()

	gw.interactive()
}
