package coap

// wellKnownCorePath 是每个引擎都会提供的发现资源 (RFC 6690)
const wellKnownCorePath = "/.well-known/core"

// newSentinelListener 构造引擎自己持有 /.well-known/core 的
// listener，它始终是 listener 链表中的第一个，且不会被
// ResourceList 计入。
func newSentinelListener(e *Engine) *Listener {
	return NewListener([]Resource{
		{Path: wellKnownCorePath, Methods: MethodGET, Handler: e.wellKnownCoreHandler},
	})
}

func (e *Engine) wellKnownCoreHandler(m *Message, buf []byte) (int, error) {
	if err := e.RespInit(m, buf, CodeContent); err != nil {
		return 0, err
	}
	payload := m.payloadBuf()
	n := e.ResourceList(payload, len(payload), FormatLinkFormat)
	return e.Finish(m, n, FormatLinkFormat)
}

// ResourceList 将每个已注册资源（不含哨兵自身的
// /.well-known/core）拼接成 link-format 列表写入 buf。这是一个
// 两遍式（先查询大小、再填充）操作：传入 buf == nil 可获得整份
// 列表不受限的完整长度；传入按 maxlen 分配的 buf 则进行填充，
// 在第一个放不下的资源条目处停止，该条目及其后的所有条目都被悄悄
// 丢弃，而不会使 buf 溢出。返回写入
// 的字节数（buf == nil 时则返回列表本应占用的完整长度）。
func (e *Engine) ResourceList(buf []byte, maxlen int, format ContentFormat) int {
	pos := 0
	// 跳过哨兵 listener 自身
	for listener := e.listeners.next; listener != nil; listener = listener.next {
		for _, r := range listener.Resources {
			pathLen := len(r.Path)
			if buf != nil {
				if pos+pathLen+3 > maxlen {
					return pos
				}
				if pos > 0 {
					buf[pos] = ','
					pos++
				}
				buf[pos] = '<'
				pos++
				copy(buf[pos:], r.Path)
				pos += pathLen
				buf[pos] = '>'
				pos++
			} else {
				if pos > 0 {
					pos += 3
				} else {
					pos += 2
				}
				pos += pathLen
			}
		}
	}
	return pos
}
