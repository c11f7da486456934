package coap

import "strings"

// Handler 为 m 所描述的请求，向 buf 生成一个响应 PDU，返回写入的
// 字节数。返回 error 会使引擎合成一个 5.00 Internal Server Error 响应。
type Handler func(m *Message, buf []byte) (int, error)

// Resource 是一条不可变的 (path, allowed-methods, handler) 记录。
// 在一个 Listener 内部，Resources 必须按严格的 ASCII 顺序提供：
// findResource 的查找依赖这一点来提前终止扫描。
type Resource struct {
	Path    string
	Methods MethodFlag
	Handler Handler
}

// Listener 是由某一模块贡献的一组有序 Resources，作为节点挂在以
// 引擎哨兵 listener 为根的单向链表上。
type Listener struct {
	Resources []Resource
	next      *Listener
}

// NewListener 用一组已按 ASCII 路径顺序排列的 resources 构造一个 Listener
func NewListener(resources []Resource) *Listener {
	return &Listener{Resources: resources}
}

// LookupResult 是一次资源查找的结果
type LookupResult int

const (
	LookupFound LookupResult = iota
	LookupWrongMethod
	LookupNoPath
)

// findResource 按注册顺序遍历各个 listener；在一个 listener 内部，
// 资源按 ASCII 排序，因此一旦候选项在字典序上大于所请求的路径，
// 就能证明该 listener 中不会再有其它匹配，扫描随即转到下一个 listener。路径
// 匹配但方法不对会被记为一个粘性兜底结果，但扫描仍会继续遍历剩余
// listener，以防另一个 listener 为所请求的方法注册了同一路径。
func findResource(head *Listener, path string, method MethodFlag) (*Resource, *Listener, LookupResult) {
	sawWrongMethod := false

	for listener := head; listener != nil; listener = listener.next {
		for i := range listener.Resources {
			r := &listener.Resources[i]
			cmp := strings.Compare(path, r.Path)
			if cmp > 0 {
				continue
			}
			if cmp < 0 {
				break // 资源按 ASCII 排序，这里不会再有匹配
			}
			if r.Methods&method != 0 {
				return r, listener, LookupFound
			}
			sawWrongMethod = true
		}
	}

	if sawWrongMethod {
		return nil, nil, LookupWrongMethod
	}
	return nil, nil, LookupNoPath
}

// registerListener 将 listener 追加到链表尾部。调用方只能在
// Engine.Start 之前调用本函数，或在能确保没有分发协程正在并发
// 遍历该链表的其它场合调用。
func registerListener(head **Listener, listener *Listener) {
	listener.next = nil
	if *head == nil {
		*head = listener
		return
	}
	last := *head
	for last.next != nil {
		last = last.next
	}
	last.next = listener
}
