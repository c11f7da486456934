package coap

import (
	"encoding/binary"
	"strings"
)

const coapVersion = 1

// Parse 从字节切片解析出一条 CoAP 消息。格式错误的输入返回
// ErrParse；分发循环会直接丢弃这类数据包而不予回应，以避免
// 成为反射放大的跳板。
func Parse(buf []byte) (Message, error) {
	var m Message
	if len(buf) < 4 {
		return m, ErrParse
	}

	first := buf[0]
	m.Header.Version = (first >> 6) & 0x03
	if m.Header.Version != coapVersion {
		return m, ErrParse
	}
	m.Header.Type = Type((first >> 4) & 0x03)
	tkl := first & 0x0f
	if tkl > 8 {
		return m, ErrParse
	}
	m.Header.TokenLen = tkl
	m.Header.Code = Code(buf[1])
	m.Header.MessageID = binary.BigEndian.Uint16(buf[2:4])

	tokenEnd := 4 + int(tkl)
	if tokenEnd > len(buf) {
		return m, ErrParse
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), buf[4:tokenEnd]...)
	}
	m.ContentFormat = FormatNone
	m.Observe = ObserveAbsent

	if err := parseOptionsAndPayload(&m, buf, tokenEnd); err != nil {
		return Message{}, err
	}
	return m, nil
}

func parseOptionsAndPayload(m *Message, buf []byte, offset int) error {
	n := len(buf)
	prevNum := uint16(0)
	var pathSegs, querySegs []string

	for offset < n {
		if buf[offset] == payloadMarker {
			offset++
			if offset >= n {
				return ErrParse // 有标记但没有负载
			}
			m.Payload = append([]byte(nil), buf[offset:]...)
			offset = n
			break
		}

		h := buf[offset]
		offset++
		deltaNib := (h >> 4) & 0x0f
		lenNib := h & 0x0f

		delta, offset2, err := decodeExt(buf, offset, deltaNib, 13, 269)
		if err != nil {
			return err
		}
		offset = offset2

		length, offset3, err := decodeExt(buf, offset, lenNib, 13, 269)
		if err != nil {
			return err
		}
		offset = offset3

		optNum := prevNum + uint16(delta)
		prevNum = optNum

		if offset+length > n {
			return ErrParse
		}
		val := buf[offset : offset+length]
		offset += length

		m.Options = append(m.Options, Option{Number: optNum, Value: append([]byte(nil), val...)})

		switch optNum {
		case OptionURIPath:
			pathSegs = append(pathSegs, string(val))
		case OptionURIQuery:
			querySegs = append(querySegs, string(val))
		case OptionContentFormat:
			m.ContentFormat = ContentFormat(decodeUint(val))
		case OptionObserve:
			m.Observe = int64(decodeUint(val))
		}
	}

	if len(pathSegs) > 0 {
		m.Path = "/" + strings.Join(pathSegs, "/")
	}
	if len(querySegs) > 0 {
		m.Query = strings.Join(querySegs, "&")
	}
	return nil
}

// decodeExt 解码一个选项的 delta/length 半字节，包括 RFC 7252
// 定义的扩展值转义（13 => 多读 1 字节，14 => 多读 2 字节，15 => 保留值）
func decodeExt(buf []byte, offset int, nib uint8, base1 int, base2 int) (int, int, error) {
	switch nib {
	case 13:
		if offset >= len(buf) {
			return 0, 0, ErrParse
		}
		return base1 + int(buf[offset]), offset + 1, nil
	case 14:
		if offset+1 >= len(buf) {
			return 0, 0, ErrParse
		}
		return base2 + int(binary.BigEndian.Uint16(buf[offset:offset+2])), offset + 2, nil
	case 15:
		return 0, 0, ErrParse
	default:
		return int(nib), offset, nil
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// encodeUintMinimal 返回 v 的最小大端编码（不含前导零字节），
// 供 Content-Format 和 Observe 计数器使用
func encodeUintMinimal(v uint32) []byte {
	if v == 0 {
		return nil
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// BuildHeader 将 4 字节的 CoAP 头部加 token 写入 buf，返回写入的字节数
func BuildHeader(buf []byte, typ Type, token []byte, code Code, msgID uint16) (int, error) {
	if len(token) > 8 {
		return 0, ErrParse
	}
	need := 4 + len(token)
	if len(buf) < need {
		return 0, ErrBufferTooSmall
	}
	buf[0] = (coapVersion << 6) | (uint8(typ) << 4) | uint8(len(token))
	buf[1] = uint8(code)
	binary.BigEndian.PutUint16(buf[2:4], msgID)
	copy(buf[4:need], token)
	return need, nil
}

// PutOption 在已知上一个已写入选项号的前提下，将一个 CoAP 选项的
// delta/length 头部加值写入 buf 起始处，返回写入的字节数
func PutOption(buf []byte, lastOptNum, optNum uint16, value []byte) (int, error) {
	delta := int(optNum) - int(lastOptNum)
	if delta < 0 {
		return 0, ErrParse // 选项必须按升序写入
	}
	return encodeOption(buf, uint16(delta), value)
}

// PutOptionURI 将一个以 '/' 或 '&' 分隔的多段选项（Uri-Path 或
// Uri-Query）写成一串共享同一递增 delta 链的独立 CoAP 选项
func PutOptionURI(buf []byte, lastOptNum uint16, path string, optNum uint16) (int, error) {
	var sep byte = '/'
	if optNum == OptionURIQuery {
		sep = '&'
	}
	path = strings.TrimPrefix(path, string(sep))
	if path == "" {
		return 0, nil
	}
	segs := strings.Split(path, string(sep))

	total := 0
	num := lastOptNum
	for _, seg := range segs {
		n, err := PutOption(buf[total:], num, optNum, []byte(seg))
		if err != nil {
			return 0, err
		}
		total += n
		num = optNum
	}
	return total, nil
}

func encodeOption(buf []byte, delta uint16, value []byte) (int, error) {
	deltaNib, deltaExt := encodeExt(delta)
	lenNib, lenExt := encodeExt(uint16(len(value)))

	need := 1 + len(deltaExt) + len(lenExt) + len(value)
	if len(buf) < need {
		return 0, ErrBufferTooSmall
	}
	pos := 0
	buf[pos] = (deltaNib << 4) | lenNib
	pos++
	pos += copy(buf[pos:], deltaExt)
	pos += copy(buf[pos:], lenExt)
	pos += copy(buf[pos:], value)
	return pos, nil
}

func encodeExt(v uint16) (nib uint8, ext []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 13+256:
		return 13, []byte{uint8(v - 13)}
	default:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v-269)
		return 14, b[:]
	}
}
