package coap

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func testPSK() PSKParams {
	return PSKParams{Identity: []byte("gocoap-test"), Key: []byte("0123456789abcdef")}
}

func TestDTLSLoopbackRoundTrip(t *testing.T) {
	psk := testPSK()

	server, err := NewDTLSServer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, psk)
	if err != nil {
		t.Fatalf("NewDTLSServer: %v", err)
	}
	defer server.Close()

	client, err := NewDTLSClient(psk)
	if err != nil {
		t.Fatalf("NewDTLSClient: %v", err)
	}
	defer client.Close()

	remote := server.LocalAddr()

	payload := []byte("hello over dtls")
	sendErr := make(chan error, 1)
	go func() {
		_, err := client.Send(payload, remote)
		sendErr <- err
	}()

	buf := make([]byte, dtlsRawBufSize)
	n, from, err := server.RecvFrom(buf, 5*time.Second)
	if err != nil {
		t.Fatalf("server RecvFrom: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("server received %q, want %q", buf[:n], payload)
	}
	if from == nil {
		t.Fatal("server RecvFrom returned a nil remote address")
	}

	if err := <-sendErr; err != nil {
		t.Fatalf("client Send: %v", err)
	}

	reply := []byte("ack")
	if _, err := server.Send(reply, from); err != nil {
		t.Fatalf("server Send: %v", err)
	}

	n, _, err = client.RecvFrom(buf, 5*time.Second)
	if err != nil {
		t.Fatalf("client RecvFrom: %v", err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Errorf("client received %q, want %q", buf[:n], reply)
	}
}

func TestDTLSInterruptWakesRecvFromWithoutClosing(t *testing.T) {
	client, err := NewDTLSClient(testPSK())
	if err != nil {
		t.Fatalf("NewDTLSClient: %v", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := client.RecvFrom(make([]byte, 16), 0)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Interrupt()

	select {
	case err := <-done:
		if !isTimeout(err) {
			t.Errorf("RecvFrom after Interrupt returned %v, want a timeout error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrom did not return after Interrupt")
	}

	// Interrupt 之后传输层必须仍可正常使用，因为 Interrupt 只是
	// 唤醒一次被阻塞的读取，并不会关闭任何东西。
	done2 := make(chan error, 1)
	go func() {
		_, _, err := client.RecvFrom(make([]byte, 16), 100*time.Millisecond)
		done2 <- err
	}()
	select {
	case err := <-done2:
		if !isTimeout(err) {
			t.Errorf("RecvFrom after prior Interrupt returned %v, want a plain timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrom did not return its own deadline timeout")
	}
}
