package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/types"
)

// maxRequestBody 是请求体的上限
const maxRequestBody = 1 << 20

// =============================================================================
// 📦 响应信封
// =============================================================================

// Response 是 /version 等管理端点使用的信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 是信封中的错误部分
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON 以给定状态码写出 JSON
func WriteJSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写出 200 成功信封
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteError 写出失败信封。非 *types.Error 的错误按内部错误处理，
// 状态码取自错误本身，缺省时按错误码映射。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	apiErr := types.WrapError(err, types.ErrInternalError, "internal error")
	if apiErr == nil {
		apiErr = types.NewError(types.ErrInternalError, "internal error")
	}
	status := apiErr.HTTPStatus
	if status == 0 {
		status = types.DefaultHTTPStatus(apiErr.Code)
	}

	if logger != nil {
		level := zap.WarnLevel
		if status >= http.StatusInternalServerError {
			level = zap.ErrorLevel
		}
		logger.Log(level, "request failed",
			zap.String("code", string(apiErr.Code)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	WriteJSON(w, status, Response{
		Error: &ErrorInfo{
			Code:      string(apiErr.Code),
			Message:   apiErr.Message,
			Stage:     apiErr.Stage,
			Retryable: apiErr.Retryable,
		},
		Timestamp: time.Now(),
	})
}

// =============================================================================
// 📥 请求体
// =============================================================================

// IsJSONRequest 判断 Content-Type 是否为 application/json（忽略参数）
func IsJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// ReadJSON 在 1 MB 上限内解码请求体，失败时返回 BadRequest 错误，不写响应
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.NewError(types.ErrBadRequest, "request body is empty")
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		return types.NewError(types.ErrBadRequest, msg).WithCause(err)
	}
	return nil
}

// =============================================================================
// 📊 状态记录
// =============================================================================

// ResponseWriter 记录状态码与响应字节数，供日志、指标与追踪中间件读取
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

// NewResponseWriter 包装 w，状态码默认 200
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只记录并转发第一次调用
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// Unwrap 让 http.ResponseController 拿到底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack 支持 /status/{id}/watch 的 websocket 升级
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.StatusCode = http.StatusSwitchingProtocols
	rw.Written = true
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}
