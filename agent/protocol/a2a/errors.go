package a2a

import "errors"

// 描述符错误.
var (
	// ErrMissingName 表示描述符缺少名称.
	ErrMissingName = errors.New("stage descriptor: missing name")
	// ErrUnknownCapability 表示出现未知的枚举能力.
	ErrUnknownCapability = errors.New("stage descriptor: unknown capability")
	// ErrDescriptorNotFound 表示静态描述符文件不存在.
	ErrDescriptorNotFound = errors.New("stage descriptor: artifact not found")
	// ErrDescriptorMalformed 表示静态描述符文件无法解析.
	ErrDescriptorMalformed = errors.New("stage descriptor: artifact malformed")
)

// 信封错误.
var (
	// ErrMissingParts 表示信封没有任何 part.
	ErrMissingParts = errors.New("task envelope: missing message parts")
	// ErrPartPayloadMismatch 表示 part 的载荷与判别字段不一致.
	ErrPartPayloadMismatch = errors.New("task envelope: part payload does not match its mime type")
	// ErrInvalidStatus 表示结果状态无效.
	ErrInvalidStatus = errors.New("task result: invalid status")
)

// 客户端错误.
var (
	// ErrRemoteUnavailable 表示远端阶段不可达.
	ErrRemoteUnavailable = errors.New("a2a: remote stage unavailable")
	// ErrUnexpectedStatus 表示远端返回了非成功状态码.
	ErrUnexpectedStatus = errors.New("a2a: unexpected status code")
	// ErrInvalidResponse 表示远端响应无法解码.
	ErrInvalidResponse = errors.New("a2a: invalid response body")
	// ErrTaskNotFound 表示未找到任务.
	ErrTaskNotFound = errors.New("a2a: task not found")
)
