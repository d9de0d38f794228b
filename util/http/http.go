// Package http 封装 net/http, 用于调用推理后端的 JSON 和 multipart 接口
package http

import (
	"context"
	"fmt"
	"time"
)

type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 一次请求的参数
//
// Body 可以是 nil, io.Reader, []byte, string 或按 JSON 编码的任意值
// Response 可以是 nil (丢弃响应), *[]byte (原始内容) 或 JSON 解码的目标指针
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Query      map[string]string
	Body       any
	Response   any

	// Timeout 仅对本次请求生效, 为 0 时使用客户端超时
	Timeout time.Duration
}

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP request failed with status %d: %s", e.StatusCode, e.Body)
}
