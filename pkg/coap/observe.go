package coap

import "net"

// observer 是一个去重后的远端地址，至少关联着一个活跃的 observe
// memo。其零值（addr == nil）标记一个空闲槽位。
type observer struct {
	addr *net.UDPAddr
}

func (o *observer) free() bool { return o.addr == nil }

// obsMemo 将一个资源绑定到当前唯一正在观察它的远端。每个资源只
// 跟踪一个 memo，对应 _find_obs_memo_resource 的线性模型：第二个
// 客户端注册同一资源会得到 ErrObserveFull，直到第一个客户端取消注册。
type obsMemo struct {
	observer *observer
	resource *Resource
	token    []byte
}

func (m *obsMemo) free() bool { return m.observer == nil }

// observeRegistry 是引擎的观察者表加上 observe-memo 表。两者都是
// 固定容量并线性扫描；所有方法都运行在分发协程上。
type observeRegistry struct {
	observers []observer
	memos     []obsMemo
}

func newObserveRegistry(cfg Config) *observeRegistry {
	return &observeRegistry{
		observers: make([]observer, cfg.ObsClientsMax),
		memos:     make([]obsMemo, cfg.ObsRegistrationsMax),
	}
}

func sameRemote(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// findObserver 返回 remote 对应的观察者槽位（不存在则为 nil），
// 以及第一个空闲槽位的索引（表已满则为 -1）
func (r *observeRegistry) findObserver(remote *net.UDPAddr) (*observer, int) {
	emptySlot := -1
	for i := range r.observers {
		if r.observers[i].free() {
			if emptySlot < 0 {
				emptySlot = i
			}
			continue
		}
		if sameRemote(r.observers[i].addr, remote) {
			return &r.observers[i], emptySlot
		}
	}
	return nil, emptySlot
}

// findMemo 按 (remote, token) 匹配一个 memo。matchToken 为 false 时
// 只按 remote 地址匹配，供取消注册时清理使用，用来检测"该观察者是否
// 还剩其它 memo"。
// 返回匹配到的 memo（不存在为 nil）以及第一个空闲槽位的索引
// （表已满为 -1）。
func (r *observeRegistry) findMemo(remote *net.UDPAddr, token []byte, matchToken bool) (*obsMemo, int) {
	emptySlot := -1
	obs, _ := r.findObserver(remote)

	for i := range r.memos {
		if r.memos[i].free() {
			if emptySlot < 0 {
				emptySlot = i
			}
			continue
		}
		if r.memos[i].observer != obs {
			continue
		}
		if !matchToken {
			return &r.memos[i], emptySlot
		}
		if len(r.memos[i].token) != len(token) {
			continue
		}
		if len(token) == 0 || bytesEqual(r.memos[i].token, token) {
			return &r.memos[i], emptySlot
		}
	}
	return nil, emptySlot
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// findMemoByResource 返回 resource 对应的唯一 memo，不存在则返回 nil
func (r *observeRegistry) findMemoByResource(resource *Resource) *obsMemo {
	for i := range r.memos {
		if !r.memos[i].free() && r.memos[i].resource == resource {
			return &r.memos[i]
		}
	}
	return nil
}

// register 为 (remote, resource, token) 记录一个新的 observe memo，
// 如果 remote 尚未被缓存，则同时占用一个观察者槽位。若两张表中
// 任一已满，或 resource 已注册了一个 memo，则返回 ErrObserveFull。
func (r *observeRegistry) register(remote *net.UDPAddr, resource *Resource, token []byte) error {
	// 客户端刷新自己的订阅时，发来的 (remote, token) 与最初注册时
	// 完全相同；此时应复用该 memo，而不是落入下面"该资源已被另一个
	// 观察者占用"的判断，否则每次刷新都会被拒绝。
	if existingMemo, _ := r.findMemo(remote, token, true); existingMemo != nil {
		existingMemo.resource = resource
		return nil
	}

	if r.findMemoByResource(resource) != nil {
		return ErrObserveFull
	}
	_, emptyMemoSlot := r.findMemo(remote, token, true)
	if emptyMemoSlot < 0 {
		return ErrObserveFull
	}

	obs, emptyObsSlot := r.findObserver(remote)
	if obs == nil {
		if emptyObsSlot < 0 {
			return ErrObserveFull
		}
		r.observers[emptyObsSlot] = observer{addr: remote}
		obs = &r.observers[emptyObsSlot]
	}

	r.memos[emptyMemoSlot] = obsMemo{
		observer: obs,
		resource: resource,
		token:    append([]byte(nil), token...),
	}
	return nil
}

// deregister 清除绑定到 (remote, token) 的 memo，并在该观察者已无
// 其它 memo 时释放其槽位
func (r *observeRegistry) deregister(remote *net.UDPAddr, token []byte) {
	memo, _ := r.findMemo(remote, token, true)
	if memo == nil {
		return
	}
	r.clearMemo(memo, remote)
}

// clearMemo 释放 memo，并在没有其它 memo 引用同一观察者时一并
// 释放该观察者槽位
func (r *observeRegistry) clearMemo(memo *obsMemo, remote *net.UDPAddr) {
	*memo = obsMemo{}
	if other, _ := r.findMemo(remote, nil, false); other == nil {
		if obs, _ := r.findObserver(remote); obs != nil {
			*obs = observer{}
		}
	}
}

// nextObserveValue 由当前时间推导出 24 位单调递增的 Observe 计数器，
// 按 cfg.ObsTickExponent 进行位移 (RFC 7641 §4.4)
func nextObserveValue(nowMicros int64, tickExponent uint) int64 {
	return (nowMicros >> tickExponent) & 0xFFFFFF
}
