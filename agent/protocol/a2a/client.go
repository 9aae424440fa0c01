package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/BaSui01/agentrelay/internal/tlsutil"
)

// 阶段端点路径.
const (
	PathDescriptor = "/.well-known/agent.json"
	PathQuerySkill = "/query-skill"
	PathTasksSend  = "/tasks/send"
	PathTasksGet   = "/tasks/get"
	PathHealth     = "/health"
	PathValidate   = "/validate-data"
	PathCallback   = "/callbacks/completion"
)

// maxErrorBody 是错误信息中保留的响应体长度.
const maxErrorBody = 200

// StageClient 定义了对其他阶段的 HTTP 调用.
type StageClient interface {
	// FetchDescriptor 获取远端阶段的描述符.
	FetchDescriptor(ctx context.Context, baseURL string) (*StageDescriptor, error)
	// QuerySkill 调用远端 /query-skill.
	QuerySkill(ctx context.Context, baseURL string, query CapabilityQuery) (*QueryResponse, error)
	// SendTask 向远端 /tasks/send 投递信封.
	SendTask(ctx context.Context, baseURL string, env *TaskEnvelope) (*TaskResult, error)
	// GetTask 查询远端 /tasks/get.
	GetTask(ctx context.Context, baseURL, taskID string) (*TaskResult, error)
	// Health 探测远端 /health.
	Health(ctx context.Context, baseURL string) error
	// NotifyCompletion 向回调地址推送完成通知.
	NotifyCompletion(ctx context.Context, callbackURL string, notice *CompletionNotice) error
}

// JSONCache 是描述符缓存的外部存储, internal/cache.Manager 满足该接口.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// StatusError 表示远端返回了非成功状态码.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d, body: %s", ErrUnexpectedStatus, e.StatusCode, e.Body)
}

// Unwrap 返回 ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// StatusCodeOf 从错误链中提取状态码, 没有时返回 0.
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// ClientConfig 为阶段客户端持有配置.
type ClientConfig struct {
	// Timeout 是单次 HTTP 请求的默认超时.
	Timeout time.Duration
	// RetryCount 只作用于幂等的 GET 请求, 转发从不重试.
	RetryCount int
	// RetryDelay 是重试之间的延迟.
	RetryDelay time.Duration
	// DescriptorCacheTTL 大于 0 时缓存远端描述符.
	DescriptorCacheTTL time.Duration
	// Headers 是每个请求附带的额外请求头.
	Headers map[string]string
	// StageName 是本阶段名称, 写入 User-Agent.
	StageName string
}

// DefaultClientConfig 返回默认客户端配置.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    30 * time.Second,
		RetryCount: 0,
		RetryDelay: 500 * time.Millisecond,
		Headers:    make(map[string]string),
		StageName:  "agentrelay",
	}
}

// HTTPClient 是 StageClient 的 HTTP 实现.
type HTTPClient struct {
	config     *ClientConfig
	httpClient *http.Client
	external   JSONCache
	cacheMu    sync.RWMutex
	cache      map[string]*cachedDescriptor
}

type cachedDescriptor struct {
	descriptor *StageDescriptor
	expiresAt  time.Time
}

var _ StageClient = (*HTTPClient)(nil)

// NewHTTPClient 以给定配置创建客户端.
func NewHTTPClient(config *ClientConfig) *HTTPClient {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}
	return &HTTPClient{
		config:     config,
		httpClient: tlsutil.SecureHTTPClient(config.Timeout),
		cache:      make(map[string]*cachedDescriptor),
	}
}

// WithHTTPClient 替换底层 http.Client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithDescriptorCache 使用外部 JSON 缓存(例如 Redis)保存描述符.
func (c *HTTPClient) WithDescriptorCache(cache JSONCache) *HTTPClient {
	c.external = cache
	return c
}

// FetchDescriptor 获取 {baseURL}/.well-known/agent.json.
func (c *HTTPClient) FetchDescriptor(ctx context.Context, baseURL string) (*StageDescriptor, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrRemoteUnavailable)
	}

	if d, ok := c.cachedDescriptor(ctx, baseURL); ok {
		return d, nil
	}

	var d StageDescriptor
	if err := c.getJSON(ctx, baseURL+PathDescriptor, &d); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	c.storeDescriptor(ctx, baseURL, &d)
	return &d, nil
}

// QuerySkill 调用 {baseURL}/query-skill.
func (c *HTTPClient) QuerySkill(ctx context.Context, baseURL string, query CapabilityQuery) (*QueryResponse, error) {
	var out QueryResponse
	if err := c.postJSON(ctx, strings.TrimRight(baseURL, "/")+PathQuerySkill, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendTask 投递信封. 非 2xx 时返回 *StatusError, 若响应体是结果也一并返回.
func (c *HTTPClient) SendTask(ctx context.Context, baseURL string, env *TaskEnvelope) (*TaskResult, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMissingParts)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+PathTasksSend, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result TaskResult
	decodeErr := json.Unmarshal(raw, &result)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
		if decodeErr == nil && result.Status != "" {
			return &result, statusErr
		}
		return nil, statusErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, decodeErr)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &result, nil
}

// GetTask 查询 {baseURL}/tasks/get?taskId=.
func (c *HTTPClient) GetTask(ctx context.Context, baseURL, taskID string) (*TaskResult, error) {
	endpoint := strings.TrimRight(baseURL, "/") + PathTasksGet + "?taskId=" + url.QueryEscape(taskID)
	var result TaskResult
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		if StatusCodeOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &result, nil
}

// Health 探测 {baseURL}/health, 非 200 视为失败.
func (c *HTTPClient) Health(ctx context.Context, baseURL string) error {
	resp, err := c.do(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+PathHealth, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// NotifyCompletion 向回调地址 POST 完成通知.
func (c *HTTPClient) NotifyCompletion(ctx context.Context, callbackURL string, notice *CompletionNotice) error {
	if callbackURL == "" {
		return fmt.Errorf("%w: empty callback url", ErrRemoteUnavailable)
	}
	return c.postJSON(ctx, callbackURL, notice, nil)
}

// ClearCache 清空内存描述符缓存.
func (c *HTTPClient) ClearCache() {
	c.cacheMu.Lock()
	c.cache = make(map[string]*cachedDescriptor)
	c.cacheMu.Unlock()
}

// SetHeader 设置每个请求附带的请求头.
func (c *HTTPClient) SetHeader(key, value string) {
	c.config.Headers[key] = value
}

func (c *HTTPClient) cachedDescriptor(ctx context.Context, baseURL string) (*StageDescriptor, bool) {
	if c.config.DescriptorCacheTTL <= 0 {
		return nil, false
	}
	if c.external != nil {
		var d StageDescriptor
		if err := c.external.GetJSON(ctx, descriptorCacheKey(baseURL), &d); err == nil {
			return &d, true
		}
		return nil, false
	}
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if cached, ok := c.cache[baseURL]; ok && time.Now().Before(cached.expiresAt) {
		return cached.descriptor.Clone(), true
	}
	return nil, false
}

func (c *HTTPClient) storeDescriptor(ctx context.Context, baseURL string, d *StageDescriptor) {
	if c.config.DescriptorCacheTTL <= 0 {
		return
	}
	if c.external != nil {
		// 缓存写入失败不影响发现结果
		_ = c.external.SetJSON(ctx, descriptorCacheKey(baseURL), d, c.config.DescriptorCacheTTL)
		return
	}
	c.cacheMu.Lock()
	c.cache[baseURL] = &cachedDescriptor{
		descriptor: d.Clone(),
		expiresAt:  time.Now().Add(c.config.DescriptorCacheTTL),
	}
	c.cacheMu.Unlock()
}

func descriptorCacheKey(baseURL string) string {
	return "descriptor:" + baseURL
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}
		lastErr = c.roundTrip(ctx, http.MethodGet, endpoint, nil, out)
		if lastErr == nil {
			return nil
		}
		// 4xx 不重试
		if code := StatusCodeOf(lastErr); code >= 400 && code < 500 {
			return lastErr
		}
	}
	return lastErr
}

func (c *HTTPClient) postJSON(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.roundTrip(ctx, http.MethodPost, endpoint, body, out)
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, endpoint string, body []byte, out any) error {
	resp, err := c.do(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "agentrelay/"+c.config.StageName)
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
