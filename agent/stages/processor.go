package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
)

// Input 是交给领域协作者的一次处理请求.
type Input struct {
	Kind          Kind           `json:"kind"`
	TaskID        string         `json:"taskId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	// Text 是转写文本 (extractor).
	Text string `json:"text,omitempty"`
	// SourceURL 是视频链接 (transcriber, extractor).
	SourceURL string `json:"sourceUrl,omitempty"`
	// Record 是结构化记录 (storer).
	Record map[string]any `json:"record,omitempty"`
	// Context 携带频道名、缩略图等上下文字段.
	Context map[string]any `json:"context,omitempty"`
}

// Output 是协作者的处理结果, 按阶段类型使用不同字段.
type Output struct {
	// Text 是转写结果 (transcriber).
	Text string `json:"text,omitempty"`
	// Record 是抽取出的结构化记录 (extractor).
	Record map[string]any `json:"record,omitempty"`
	// ResultURL 是存储后的记录地址 (storer).
	ResultURL string `json:"resultUrl,omitempty"`
	// Metadata 是附加信息, 如 channel_name、thumbnail_url.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Processor 是阶段的领域协作者: 下载与转写、文本模型抽取、写入托管数据库等.
type Processor interface {
	Process(ctx context.Context, in Input) (*Output, error)
}

// ProcessorFunc 让普通函数实现 Processor.
type ProcessorFunc func(ctx context.Context, in Input) (*Output, error)

// Process 调用 f(ctx, in).
func (f ProcessorFunc) Process(ctx context.Context, in Input) (*Output, error) {
	return f(ctx, in)
}

// 转发给远程协作者的追踪头.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

// ErrProcessorStatus 表示协作者返回了非 2xx 状态码.
var ErrProcessorStatus = errors.New("stages: processor returned error status")

// HTTPProcessorConfig 配置远程协作者.
type HTTPProcessorConfig struct {
	// Endpoint 接收 POST Input, 返回 Output.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Timeout 限制单次调用.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Headers 附加到每个请求.
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// HTTPProcessor 通过 HTTP 调用远程协作者.
type HTTPProcessor struct {
	config     HTTPProcessorConfig
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Processor = (*HTTPProcessor)(nil)

// NewHTTPProcessor 创建远程协作者客户端.
func NewHTTPProcessor(config HTTPProcessorConfig, logger *zap.Logger) *HTTPProcessor {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProcessor{
		config:     config,
		httpClient: tlsutil.SecureHTTPClient(config.Timeout),
		logger:     logger.With(zap.String("component", "http_processor")),
	}
}

// WithHTTPClient 替换底层 HTTP 客户端.
func (p *HTTPProcessor) WithHTTPClient(hc *http.Client) *HTTPProcessor {
	p.httpClient = hc
	return p
}

// Process 实现 Processor.
func (p *HTTPProcessor) Process(ctx context.Context, in Input) (*Output, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal processor input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
	correlationID, ok := ctxkeys.CorrelationID(ctx)
	if !ok {
		correlationID = in.CorrelationID
	}
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
	}
	if requestID, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set(HeaderRequestID, requestID)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrProcessorStatus, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode processor output: %w", err)
	}
	p.logger.Debug("processor call finished",
		zap.String("kind", string(in.Kind)),
		zap.String("task_id", in.TaskID),
		zap.Duration("duration", time.Since(start)),
	)
	return &out, nil
}
