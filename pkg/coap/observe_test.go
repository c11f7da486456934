package coap

import (
	"net"
	"testing"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func testObserveRegistry() *observeRegistry {
	return newObserveRegistry(Config{ObsClientsMax: 4, ObsRegistrationsMax: 4})
}

func TestObserveRegisterAndFindByResource(t *testing.T) {
	r := testObserveRegistry()
	res := &Resource{Path: "/toggle"}
	remote := udpAddr(1111)
	token := []byte{1, 2, 3}

	if err := r.register(remote, res, token); err != nil {
		t.Fatalf("register: %v", err)
	}
	memo := r.findMemoByResource(res)
	if memo == nil {
		t.Fatal("findMemoByResource returned nil after register")
	}
	if !sameRemote(memo.observer.addr, remote) {
		t.Errorf("memo observer addr mismatch")
	}
}

func TestObserveRegisterDuplicateResourceFails(t *testing.T) {
	r := testObserveRegistry()
	res := &Resource{Path: "/toggle"}
	if err := r.register(udpAddr(1111), res, []byte{1}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.register(udpAddr(2222), res, []byte{2}); err != ErrObserveFull {
		t.Errorf("second register = %v, want ErrObserveFull", err)
	}
}

func TestObserveDeregisterClearsMemoAndObserver(t *testing.T) {
	r := testObserveRegistry()
	res := &Resource{Path: "/toggle"}
	remote := udpAddr(1111)
	token := []byte{9, 9}

	if err := r.register(remote, res, token); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.deregister(remote, token)

	if memo := r.findMemoByResource(res); memo != nil {
		t.Error("memo still present after deregister")
	}
	if obs, _ := r.findObserver(remote); obs != nil {
		t.Error("observer slot still occupied after deregister, should be freed with no remaining memos")
	}
}

func TestObserveSharedObserverAcrossTwoResources(t *testing.T) {
	r := testObserveRegistry()
	resA := &Resource{Path: "/a"}
	resB := &Resource{Path: "/b"}
	remote := udpAddr(1111)

	if err := r.register(remote, resA, []byte{1}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.register(remote, resB, []byte{2}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	r.deregister(remote, []byte{1})
	if obs, _ := r.findObserver(remote); obs == nil {
		t.Error("observer slot freed too early: resB's memo still references it")
	}

	r.deregister(remote, []byte{2})
	if obs, _ := r.findObserver(remote); obs != nil {
		t.Error("observer slot should be freed once its last memo is cleared")
	}
}

func TestObserveRegisterRefreshReusesExistingMemo(t *testing.T) {
	r := testObserveRegistry()
	res := &Resource{Path: "/toggle"}
	remote := udpAddr(1111)
	token := []byte{7, 7}

	if err := r.register(remote, res, token); err != nil {
		t.Fatalf("initial register: %v", err)
	}
	before := r.findMemoByResource(res)

	// 同一个客户端用相同的 (remote, token) 刷新自己的订阅时必须
	// 成功并复用该 memo，而不是返回 ErrObserveFull。
	if err := r.register(remote, res, token); err != nil {
		t.Fatalf("refresh register: %v", err)
	}
	after := r.findMemoByResource(res)
	if before != after {
		t.Errorf("refresh allocated a new memo instead of reusing the existing one")
	}
}

func TestObserveRegistryFullRejects(t *testing.T) {
	r := newObserveRegistry(Config{ObsClientsMax: 4, ObsRegistrationsMax: 1})
	resA := &Resource{Path: "/a"}
	resB := &Resource{Path: "/b"}

	if err := r.register(udpAddr(1111), resA, []byte{1}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.register(udpAddr(2222), resB, []byte{2}); err != ErrObserveFull {
		t.Errorf("register on full memo table = %v, want ErrObserveFull", err)
	}
}

func TestNextObserveValueMasksTo24Bits(t *testing.T) {
	v := nextObserveValue(1<<40, 0)
	if v>>24 != 0 {
		t.Errorf("nextObserveValue did not mask to 24 bits: %x", v)
	}
}

func TestNextObserveValueAppliesTickExponent(t *testing.T) {
	got := nextObserveValue(1<<10, 5)
	want := int64((1 << 10) >> 5)
	if got != want {
		t.Errorf("nextObserveValue(1<<10, 5) = %d, want %d", got, want)
	}
}
