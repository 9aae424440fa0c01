package a2a

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/types"
)

// SkillMatcher 判断能力查询是否命中本阶段描述符.
type SkillMatcher interface {
	Match(query CapabilityQuery, descriptor *StageDescriptor) (*QueryResponse, error)
}

// TaskHandler 处理 /tasks/send 收到的信封.
// 返回 *types.Error 时按其错误码生成失败结果, 其他错误视为 InternalError.
type TaskHandler interface {
	HandleTask(ctx context.Context, env *TaskEnvelope) (*TaskResult, error)
}

// TaskHandlerFunc 让普通函数实现 TaskHandler.
type TaskHandlerFunc func(ctx context.Context, env *TaskEnvelope) (*TaskResult, error)

// HandleTask 调用 f(ctx, env).
func (f TaskHandlerFunc) HandleTask(ctx context.Context, env *TaskEnvelope) (*TaskResult, error) {
	return f(ctx, env)
}

// TaskObserver 接收每一跳的处理结果, internal/metrics.Collector 满足该接口.
type TaskObserver interface {
	RecordTask(stage, status string, duration time.Duration)
}

// ServerConfig 持有阶段服务器配置.
type ServerConfig struct {
	// StageName 用于日志与指标.
	StageName string
	// RequestTimeout 是单个任务处理的超时.
	RequestTimeout time.Duration
	// MaxBodyBytes 限制请求体大小.
	MaxBodyBytes int64
	// ResultCacheSize 是 /tasks/get 保留的最近结果数量.
	ResultCacheSize int
	// ResultTTL 是结果在缓存中的保留时长.
	ResultTTL time.Duration
	// Logger 是日志实例.
	Logger *zap.Logger
}

// DefaultServerConfig 返回默认服务器配置.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		StageName:       "stage",
		RequestTimeout:  5 * time.Minute,
		MaxBodyBytes:    10 << 20,
		ResultCacheSize: 1000,
		ResultTTL:       time.Hour,
		Logger:          zap.NewNop(),
	}
}

// HTTPServer 暴露阶段的五个标准端点, 以及额外注册的端点.
type HTTPServer struct {
	config      *ServerConfig
	logger      *zap.Logger
	descriptors *DescriptorSource
	matcher     SkillMatcher
	handler     TaskHandler
	observer    TaskObserver

	extraMu sync.RWMutex
	extra   map[string]http.Handler

	resultsMu sync.Mutex
	results   map[string]*list.Element
	order     *list.List
	now       func() time.Time
}

type resultEntry struct {
	taskID   string
	result   *TaskResult
	storedAt time.Time
}

var _ http.Handler = (*HTTPServer)(nil)

// NewHTTPServer 创建阶段服务器.
func NewHTTPServer(config *ServerConfig, descriptors *DescriptorSource, matcher SkillMatcher, handler TaskHandler) *HTTPServer {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ResultCacheSize <= 0 {
		config.ResultCacheSize = 1000
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 << 20
	}

	return &HTTPServer{
		config:      config,
		logger:      config.Logger.With(zap.String("component", "a2a_server"), zap.String("stage", config.StageName)),
		descriptors: descriptors,
		matcher:     matcher,
		handler:     handler,
		extra:       make(map[string]http.Handler),
		results:     make(map[string]*list.Element),
		order:       list.New(),
		now:         time.Now,
	}
}

// SetObserver 设置结果观察者.
func (s *HTTPServer) SetObserver(o TaskObserver) {
	s.observer = o
}

// Handle 注册额外端点, 例如 /validate-data 或 /callbacks/completion.
func (s *HTTPServer) Handle(path string, h http.Handler) {
	s.extraMu.Lock()
	s.extra[path] = h
	s.extraMu.Unlock()
}

// ServeHTTP 实现 http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	method := r.Method

	switch {
	case path == PathDescriptor && method == http.MethodGet:
		s.handleDescriptor(w, r)
	case path == PathQuerySkill && method == http.MethodPost:
		s.handleQuerySkill(w, r)
	case path == PathTasksSend && method == http.MethodPost:
		s.handleTaskSend(w, r)
	case path == PathTasksGet && method == http.MethodGet:
		s.handleTaskGet(w, r)
	case path == PathHealth && method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		s.extraMu.RLock()
		h, ok := s.extra[path]
		s.extraMu.RUnlock()
		if ok {
			h.ServeHTTP(w, r)
			return
		}
		s.writeError(w, types.NewError(types.ErrNotFound, fmt.Sprintf("endpoint not found: %s %s", method, path)))
	}
}

// ============================================================
// 端点
// ============================================================

func (s *HTTPServer) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	if s.descriptors == nil {
		s.writeError(w, types.NewError(types.ErrNotFound, "stage descriptor not configured"))
		return
	}
	d, err := s.descriptors.Resolve(r)
	if err != nil {
		s.writeError(w, descriptorError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) handleQuerySkill(w http.ResponseWriter, r *http.Request) {
	var query CapabilityQuery
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&query); err != nil {
		s.writeError(w, types.NewError(types.ErrBadRequest, "request body must be a JSON object").WithCause(err))
		return
	}
	if query.IsEmpty() {
		s.writeError(w, types.NewError(types.ErrBadRequest, "skill or capability is required"))
		return
	}
	if s.descriptors == nil || s.matcher == nil {
		s.writeJSON(w, http.StatusOK, NewUnavailable())
		return
	}

	d, err := s.descriptors.Load()
	if err != nil {
		s.writeError(w, descriptorError(err))
		return
	}
	resp, err := s.matcher.Match(query, d)
	if err != nil {
		s.writeError(w, asTypedError(err, types.ErrBadRequest))
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleTaskSend(w http.ResponseWriter, r *http.Request) {
	start := s.now()

	var env TaskEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&env); err != nil {
		result := NewFailedResult("", types.NewError(types.ErrBadRequest, "malformed task envelope"), nil)
		s.finish(w, result, start)
		return
	}
	env.Normalize()

	if err := env.Message.Validate(); err != nil {
		result := NewFailedResult(env.TaskID, types.NewError(types.ErrBadRequest, err.Error()), env.Metadata)
		s.finish(w, result, start)
		return
	}

	logger := s.logger.With(
		zap.String("task_id", env.TaskID),
		zap.String("correlation_id", env.Metadata.CorrelationID()),
		zap.String("flow_step", env.Metadata.FlowStep()),
	)
	logger.Info("task received", zap.Int("parts", len(env.Message.Parts)))

	ctx := ctxkeys.WithCorrelationID(r.Context(), env.Metadata.CorrelationID())
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	result := s.runHandler(ctx, &env, logger)
	s.finish(w, result, start)
}

func (s *HTTPServer) runHandler(ctx context.Context, env *TaskEnvelope, logger *zap.Logger) (result *TaskResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("task handler panicked", zap.Any("panic", rec))
			result = NewFailedResult(env.TaskID, types.NewError(types.ErrInternalError, fmt.Sprintf("internal error: %v", rec)), env.Metadata)
		}
	}()

	if s.handler == nil {
		return NewFailedResult(env.TaskID, types.NewError(types.ErrInternalError, "no task handler configured"), env.Metadata)
	}

	res, err := s.handler.HandleTask(ctx, env)
	if err != nil {
		typed := asTypedError(err, types.ErrInternalError)
		logger.Warn("task failed", zap.String("code", string(typed.Code)), zap.Error(err))
		return NewFailedResult(env.TaskID, typed, env.Metadata)
	}
	if res == nil {
		return NewFailedResult(env.TaskID, types.NewError(types.ErrInternalError, "handler returned no result"), env.Metadata)
	}
	if res.TaskID == "" {
		res.TaskID = env.TaskID
	}
	return res
}

func (s *HTTPServer) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		taskID = r.URL.Query().Get("task_id")
	}
	if taskID == "" {
		s.writeError(w, types.NewError(types.ErrBadRequest, "missing taskId"))
		return
	}

	if result, ok := s.LookupResult(taskID); ok {
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	// 未跟踪的任务返回合成快照
	s.writeJSON(w, http.StatusOK, &TaskResult{
		TaskID:   taskID,
		Status:   TaskStatusCompleted,
		Metadata: Metadata{"synthesized": true},
	})
}

func (s *HTTPServer) finish(w http.ResponseWriter, result *TaskResult, start time.Time) {
	if result.TaskID != "" {
		s.storeResult(result)
	}
	if s.observer != nil {
		s.observer.RecordTask(s.config.StageName, string(result.Status), s.now().Sub(start))
	}
	s.writeJSON(w, result.HTTPStatus(), result)
}

// ============================================================
// 结果缓存
// ============================================================

func (s *HTTPServer) storeResult(result *TaskResult) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	if el, ok := s.results[result.TaskID]; ok {
		entry := el.Value.(*resultEntry)
		entry.result = result
		entry.storedAt = s.now()
		s.order.MoveToBack(el)
		return
	}

	s.results[result.TaskID] = s.order.PushBack(&resultEntry{
		taskID:   result.TaskID,
		result:   result,
		storedAt: s.now(),
	})
	for s.order.Len() > s.config.ResultCacheSize {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.results, oldest.Value.(*resultEntry).taskID)
	}
}

// LookupResult 返回缓存中的最近结果.
func (s *HTTPServer) LookupResult(taskID string) (*TaskResult, bool) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	el, ok := s.results[taskID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*resultEntry)
	if s.config.ResultTTL > 0 && s.now().Sub(entry.storedAt) > s.config.ResultTTL {
		s.order.Remove(el)
		delete(s.results, taskID)
		return nil, false
	}
	return entry.result, true
}

// ResultCount 返回缓存的结果数量.
func (s *HTTPServer) ResultCount() int {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	return s.order.Len()
}

// CleanupExpiredResults 删除超过 maxAge 的结果.
func (s *HTTPServer) CleanupExpiredResults(maxAge time.Duration) int {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	cutoff := s.now().Add(-maxAge)
	count := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*resultEntry)
		if entry.storedAt.Before(cutoff) {
			s.order.Remove(el)
			delete(s.results, entry.taskID)
			count++
		}
		el = next
	}
	return count
}

// StartCleanupLoop 启动后台 goroutine 定期清理过期结果.
func (s *HTTPServer) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	if s.config.ResultTTL <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if count := s.CleanupExpiredResults(s.config.ResultTTL); count > 0 {
					s.logger.Debug("cleaned up expired results", zap.Int("count", count))
				}
			}
		}
	}()
}

// ============================================================
// 完成通知接收端
// ============================================================

// CompletionReceiver 接收终端阶段推送的完成通知.
type CompletionReceiver interface {
	ReceiveCompletion(ctx context.Context, notice *CompletionNotice) error
}

// CompletionHandler 返回 POST /callbacks/completion 的处理器.
func CompletionHandler(receiver CompletionReceiver, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(logger, w, http.StatusMethodNotAllowed, ErrorInfo{Code: types.ErrBadRequest, Message: "method not allowed"})
			return
		}
		var notice CompletionNotice
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&notice); err != nil {
			writeJSON(logger, w, http.StatusBadRequest, ErrorInfo{Code: types.ErrBadRequest, Message: "malformed completion notice"})
			return
		}
		if notice.CorrelationID == "" {
			writeJSON(logger, w, http.StatusBadRequest, ErrorInfo{Code: types.ErrBadRequest, Message: "missing correlationId"})
			return
		}
		if err := receiver.ReceiveCompletion(r.Context(), &notice); err != nil {
			typed := asTypedError(err, types.ErrInternalError)
			writeJSON(logger, w, typed.HTTPStatus, ErrorInfo{Code: typed.Code, Message: typed.Message})
			return
		}
		writeJSON(logger, w, http.StatusOK, map[string]string{"status": "received"})
	})
}

// ============================================================
// 响应辅助
// ============================================================

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(s.logger, w, status, data)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err *types.Error) {
	s.logger.Warn("request error",
		zap.Int("status", err.HTTPStatus),
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
	)
	s.writeJSON(w, err.HTTPStatus, map[string]any{
		"error": ErrorInfo{Code: err.Code, Message: err.Message},
	})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func descriptorError(err error) *types.Error {
	if errors.Is(err, ErrDescriptorNotFound) {
		return types.NewError(types.ErrNotFound, err.Error()).WithCause(err)
	}
	return types.NewError(types.ErrMalformed, err.Error()).WithCause(err)
}

func asTypedError(err error, fallback types.ErrorCode) *types.Error {
	if typed, ok := types.AsError(err); ok {
		if typed.HTTPStatus == 0 {
			return typed.WithHTTPStatus(types.DefaultHTTPStatus(typed.Code))
		}
		return typed
	}
	return types.NewError(fallback, err.Error()).WithCause(err)
}
