package coap

import (
	"net"
	"testing"
)

func testEngine() *Engine {
	cfg := DefaultConfig()
	cfg.PDUBufSize = 128
	return New(cfg, nil)
}

func TestReqInitAndFinishBuildsParsablePDU(t *testing.T) {
	e := testEngine()
	buf := make([]byte, e.cfg.PDUBufSize)

	m, err := e.ReqInit(buf, CodeGET, "/toggle")
	if err != nil {
		t.Fatalf("ReqInit: %v", err)
	}
	if m.Header.Type != TypeCON {
		t.Errorf("ReqInit Type = %v, want CON", m.Header.Type)
	}
	if len(m.Token) != e.cfg.TokenLen {
		t.Errorf("token length = %d, want %d", len(m.Token), e.cfg.TokenLen)
	}

	n, err := e.Finish(m, 0, FormatNone)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	parsed, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse finished PDU: %v", err)
	}
	if parsed.Path != "/toggle" {
		t.Errorf("parsed Path = %q, want /toggle", parsed.Path)
	}
	if parsed.Header.Code != CodeGET {
		t.Errorf("parsed Code = %v, want GET", parsed.Header.Code)
	}
}

func TestFinishRejectsPathWithoutLeadingSlash(t *testing.T) {
	e := testEngine()
	buf := make([]byte, e.cfg.PDUBufSize)
	m, err := e.ReqInit(buf, CodeGET, "toggle")
	if err != nil {
		t.Fatalf("ReqInit: %v", err)
	}
	if _, err := e.Finish(m, 0, FormatNone); err != ErrPathFormat {
		t.Errorf("Finish with bad path = %v, want ErrPathFormat", err)
	}
}

func TestAddQueryStringJoinsWithAmpersand(t *testing.T) {
	e := testEngine()
	buf := make([]byte, e.cfg.PDUBufSize)
	m, err := e.ReqInit(buf, CodeGET, "/toggle")
	if err != nil {
		t.Fatalf("ReqInit: %v", err)
	}
	if err := e.AddQueryString(m, "k1", "v1"); err != nil {
		t.Fatalf("AddQueryString: %v", err)
	}
	if err := e.AddQueryString(m, "k2", "v2"); err != nil {
		t.Fatalf("AddQueryString: %v", err)
	}
	if m.Query != "k1=v1&k2=v2" {
		t.Errorf("Query = %q, want k1=v1&k2=v2", m.Query)
	}

	n, err := e.Finish(m, 0, FormatNone)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	parsed, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Query != "k1=v1&k2=v2" {
		t.Errorf("parsed Query = %q, want k1=v1&k2=v2", parsed.Query)
	}
}

func TestRespInitConvertsCONtoACK(t *testing.T) {
	e := testEngine()
	reqBuf := make([]byte, e.cfg.PDUBufSize)
	req, err := e.ReqInit(reqBuf, CodeGET, "/toggle")
	if err != nil {
		t.Fatalf("ReqInit: %v", err)
	}
	n, err := e.Finish(req, 0, FormatNone)
	if err != nil {
		t.Fatalf("Finish request: %v", err)
	}
	parsedReq, err := Parse(reqBuf[:n])
	if err != nil {
		t.Fatalf("Parse request: %v", err)
	}

	respBuf := make([]byte, e.cfg.PDUBufSize)
	if err := e.RespInit(&parsedReq, respBuf, CodeContent); err != nil {
		t.Fatalf("RespInit: %v", err)
	}
	if parsedReq.Header.Type != TypeACK {
		t.Errorf("RespInit Type = %v, want ACK", parsedReq.Header.Type)
	}

	payload := copy(parsedReq.PayloadBuf(), "on")
	total, err := e.Finish(&parsedReq, payload, FormatTextPlain)
	if err != nil {
		t.Fatalf("Finish response: %v", err)
	}

	parsedResp, err := Parse(respBuf[:total])
	if err != nil {
		t.Fatalf("Parse response: %v", err)
	}
	if parsedResp.Header.Type != TypeACK {
		t.Errorf("response Type = %v, want ACK", parsedResp.Header.Type)
	}
	if string(parsedResp.Payload) != "on" {
		t.Errorf("response Payload = %q, want on", parsedResp.Payload)
	}
}

func TestRespInitUsesNONForNONRequest(t *testing.T) {
	e := testEngine()
	reqBuf := make([]byte, e.cfg.PDUBufSize)
	req, err := e.ReqInitOpts(reqBuf, SendOptions{Type: TypeNON, Code: CodeGET, Path: "/toggle"})
	if err != nil {
		t.Fatalf("ReqInitOpts: %v", err)
	}
	n, err := e.Finish(req, 0, FormatNone)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	parsedReq, err := Parse(reqBuf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	respBuf := make([]byte, e.cfg.PDUBufSize)
	if err := e.RespInit(&parsedReq, respBuf, CodeContent); err != nil {
		t.Fatalf("RespInit: %v", err)
	}
	if parsedReq.Header.Type != TypeNON {
		t.Errorf("RespInit Type = %v, want NON", parsedReq.Header.Type)
	}
}

func TestObsInitWithoutObserverFails(t *testing.T) {
	e := testEngine()
	res := &Resource{Path: "/toggle"}
	buf := make([]byte, e.cfg.PDUBufSize)
	if _, err := e.ObsInit(buf, res); err != ErrNoObserver {
		t.Errorf("ObsInit without observer = %v, want ErrNoObserver", err)
	}
}

func TestObsInitAfterRegisterSucceeds(t *testing.T) {
	e := testEngine()
	res := &Resource{Path: "/toggle"}
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	if err := e.obs.register(remote, res, []byte{1, 2}); err != nil {
		t.Fatalf("register: %v", err)
	}

	buf := make([]byte, e.cfg.PDUBufSize)
	m, err := e.ObsInit(buf, res)
	if err != nil {
		t.Fatalf("ObsInit: %v", err)
	}
	if !m.HasObserve() {
		t.Error("ObsInit result has no Observe option set")
	}

	n := copy(m.PayloadBuf(), "on")
	total, err := e.Finish(m, n, FormatTextPlain)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	parsed, err := Parse(buf[:total])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.HasObserve() {
		t.Error("parsed notification missing Observe option")
	}
	if string(parsed.Payload) != "on" {
		t.Errorf("parsed Payload = %q, want on", parsed.Payload)
	}
}

func TestOpenRequestsReflectsTransactionTable(t *testing.T) {
	e := testEngine()
	if e.OpenRequests() != 0 {
		t.Fatalf("OpenRequests initially = %d, want 0", e.OpenRequests())
	}
	idx, _ := e.tx.alloc()
	if e.OpenRequests() != 1 {
		t.Errorf("OpenRequests after alloc = %d, want 1", e.OpenRequests())
	}
	e.tx.release(idx)
	if e.OpenRequests() != 0 {
		t.Errorf("OpenRequests after release = %d, want 0", e.OpenRequests())
	}
}
