package coap

import "errors"

// 暴露给调用方和回调函数的错误类型
var (
	// ErrNoSlot 表示请求事务表或重发缓冲池已满，ReqSend 会返回
	// (0, ErrNoSlot) 且不会发送任何数据；观察者表已满由 ErrObserveFull 表示
	ErrNoSlot = errors.New("coap: 没有空闲槽位")
	// ErrParse 表示报文格式错误：Parse 遇到畸形输入、BuildHeader 遇到
	// 超过 8 字节的 token、PutOption 遇到降序选项号，或 ReqSend 遇到
	// 既非 CON 也非 NON 的消息类型时返回。分发循环收到无法解析的入站
	// 数据包时直接丢弃，不作回应
	ErrParse = errors.New("coap: 报文格式错误")
	// ErrPathFormat 表示发出请求的路径不以 '/' 开头，Finish 会因此失败
	ErrPathFormat = errors.New("coap: 请求路径必须以 '/' 开头")
	// ErrObserveFull 表示 Observe 注册未能完成（观察者表或
	// memo 表已无空闲槽位，或该资源已存在一个 memo），Observe
	// 选项会被清除并返回普通响应，此错误仅作提示用
	ErrObserveFull = errors.New("coap: 无法注册 observe")
	// ErrBufferTooSmall 表示调用方提供的缓冲区容纳不下要写入的字节
	ErrBufferTooSmall = errors.New("coap: 缓冲区过小")
	// ErrNotInitialized 表示在 Engine 尚未完成 Start 时发起了操作
	ErrNotInitialized = errors.New("coap: 引擎尚未启动")
	// ErrAlreadyStarted 表示同一个 Engine 的 Start 被重复调用
	ErrAlreadyStarted = errors.New("coap: 引擎已启动")
	// ErrNoObserver 表示对一个尚无观察者的资源调用了 ObsInit（ObsSend
	// 在同样情形下返回 (0, nil)）
	ErrNoObserver = errors.New("coap: 该资源尚无注册的观察者")
	// ErrSendFailed 表示传输层接受了发送调用却报告写入字节数为零
	ErrSendFailed = errors.New("coap: 发送失败")
)
