package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/tracker"
	"github.com/BaSui01/agentrelay/types"
)

// =============================================================================
// 🚪 入口 Handler
// =============================================================================

// 入口端点路径
const (
	PathSubmit = "/submit"
	PathStatus = "/status/{id}"
	PathWatch  = "/status/{id}/watch"
)

// ErrInvalidVideoURL 表示提交的地址不是受支持的视频链接
var ErrInvalidVideoURL = errors.New("a valid video URL is required")

// TaskSender 向入口阶段投递信封，a2a.HTTPClient 满足该接口
type TaskSender interface {
	SendTask(ctx context.Context, baseURL string, env *a2a.TaskEnvelope) (*a2a.TaskResult, error)
}

// OriginTracker 是入口 Handler 使用的跟踪器操作，*tracker.Tracker 满足该接口
type OriginTracker interface {
	a2a.CompletionReceiver
	Track(taskID, correlationID, sourceURL string) (tracker.Record, error)
	MarkAccepted(taskID, step string) (tracker.Record, error)
	MarkRejected(taskID, message string) (tracker.Record, error)
	Get(taskID string) (tracker.Record, error)
	Poll(ctx context.Context, taskID string) (tracker.Record, error)
}

var _ OriginTracker = (*tracker.Tracker)(nil)

// OriginConfig 入口 Handler 配置
type OriginConfig struct {
	// Name 写入 source_agent
	Name string
	// EntryURL 是入口阶段（转录）的基地址
	EntryURL string
	// CallbackURL 非空时随信封下发，终端阶段向其推送完成通知
	CallbackURL   string
	SubmitTimeout time.Duration
	WatchInterval time.Duration
	// AllowedHosts 是视频链接主机名需包含的片段
	AllowedHosts []string
}

// SubmitRequest 是 POST /submit 的 JSON 请求体，也接受表单字段 youtube_url
type SubmitRequest struct {
	URL        string `json:"url,omitempty"`
	YouTubeURL string `json:"youtube_url,omitempty"`
}

// SubmitResponse 是 POST /submit 的响应
type SubmitResponse struct {
	Status  string `json:"status"` // "success", "error"
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// OriginHandler 接收用户提交、启动链路并报告完成状态
type OriginHandler struct {
	config  OriginConfig
	sender  TaskSender
	tracker OriginTracker
	logger  *zap.Logger
}

// NewOriginHandler 创建入口 Handler
func NewOriginHandler(config OriginConfig, sender TaskSender, tracker OriginTracker, logger *zap.Logger) *OriginHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = 2 * time.Second
	}
	return &OriginHandler{
		config:  config,
		sender:  sender,
		tracker: tracker,
		logger:  logger.With(zap.String("component", "origin")),
	}
}

// Mount 在 mux 上注册入口端点与完成回调
func (h *OriginHandler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathSubmit, h.HandleSubmit)
	mux.HandleFunc("GET "+PathStatus, h.HandleStatus)
	mux.HandleFunc("GET "+PathWatch, h.HandleWatch)
	mux.Handle("POST "+a2a.PathCallback, a2a.CompletionHandler(h.tracker, h.logger))
}

// =============================================================================
// 📨 提交
// =============================================================================

// HandleSubmit 处理 POST /submit
func (h *OriginHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := h.readSubmitURL(w, r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, SubmitResponse{Status: "error", Message: err.Error()})
		return
	}
	if err := ValidateVideoURL(raw, h.config.AllowedHosts); err != nil {
		WriteJSON(w, http.StatusBadRequest, SubmitResponse{Status: "error", Message: err.Error()})
		return
	}

	taskID, err := h.Submit(r.Context(), raw)
	if err != nil {
		status := http.StatusBadGateway
		if types.IsErrorCode(err, types.ErrInternalError) {
			status = http.StatusInternalServerError
		}
		WriteJSON(w, status, SubmitResponse{Status: "error", TaskID: taskID, Message: err.Error()})
		return
	}

	WriteJSON(w, http.StatusOK, SubmitResponse{
		Status:  "success",
		TaskID:  taskID,
		Message: "processing started",
	})
}

// Submit 登记任务并把信封投递给入口阶段。返回的 taskID 在投递失败时同样有效，
// 此时记录已被置为 error。
func (h *OriginHandler) Submit(ctx context.Context, videoURL string) (string, error) {
	taskID := uuid.New().String()
	correlationID := uuid.New().String()

	if _, err := h.tracker.Track(taskID, correlationID, videoURL); err != nil {
		return "", types.WrapError(err, types.ErrInternalError, "failed to track task")
	}

	meta := a2a.Metadata{
		a2a.MetaCorrelationID: correlationID,
		a2a.MetaSourceAgent:   h.config.Name,
	}
	if h.config.CallbackURL != "" {
		meta[a2a.MetaCallbackURL] = h.config.CallbackURL
	}
	env := a2a.NewTaskEnvelope(taskID, meta,
		a2a.MustDataPart(map[string]string{"youtube_url": videoURL}),
		a2a.NewTextPart(videoURL),
	)

	logger := h.logger.With(
		zap.String("task_id", taskID),
		zap.String("correlation_id", correlationID),
	)

	sendCtx, cancel := context.WithTimeout(ctx, h.config.SubmitTimeout)
	defer cancel()

	result, err := h.sender.SendTask(sendCtx, h.config.EntryURL, env)
	if err != nil && result == nil && submitTimedOut(ctx, sendCtx, err) {
		// 入口阶段可能仍在处理, 交给追踪器轮询决定结果
		if _, markErr := h.tracker.MarkAccepted(taskID, ""); markErr != nil {
			logger.Warn("failed to mark task accepted", zap.Error(markErr))
		}
		logger.Warn("entry stage did not confirm in time, tracking continues",
			zap.Duration("submit_timeout", h.config.SubmitTimeout),
			zap.Error(err),
		)
		return taskID, nil
	}
	rejected := result != nil && result.Status == a2a.TaskStatusFailed
	if err != nil || rejected {
		msg := "entry stage rejected task"
		switch {
		case rejected && result.Error != nil:
			msg += ": " + result.Error.Message
		case err != nil && !rejected:
			msg = "entry stage unavailable: " + err.Error()
		}
		if _, markErr := h.tracker.MarkRejected(taskID, msg); markErr != nil {
			logger.Warn("failed to mark task rejected", zap.Error(markErr))
		}
		logger.Warn("submit failed", zap.String("reason", msg), zap.Error(err))
		return taskID, types.NewError(types.ErrForwardFailed, msg).WithCause(err)
	}

	step := ""
	if result != nil {
		step = result.Metadata.FlowStep()
	}
	if _, err := h.tracker.MarkAccepted(taskID, step); err != nil {
		logger.Warn("failed to mark task accepted", zap.Error(err))
	}
	logger.Info("task submitted", zap.String("flow_step", step))
	return taskID, nil
}

// submitTimedOut 报告投递是否因 SubmitTimeout 到期而中断. 调用方取消不算.
func submitTimedOut(parent, sendCtx context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded)
}

// readSubmitURL 从 JSON 或表单请求体中取出视频地址
func (h *OriginHandler) readSubmitURL(w http.ResponseWriter, r *http.Request) (string, error) {
	if IsJSONRequest(r) {
		var req SubmitRequest
		if err := ReadJSON(w, r, &req); err != nil {
			if apiErr, ok := types.AsError(err); ok {
				return "", errors.New(apiErr.Message)
			}
			return "", err
		}
		if req.URL != "" {
			return strings.TrimSpace(req.URL), nil
		}
		return strings.TrimSpace(req.YouTubeURL), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		return "", errors.New("invalid form body")
	}
	if v := r.PostForm.Get("youtube_url"); v != "" {
		return strings.TrimSpace(v), nil
	}
	return strings.TrimSpace(r.PostForm.Get("url")), nil
}

// ValidateVideoURL 要求 http(s) 地址且主机名包含任一允许片段
func ValidateVideoURL(raw string, allowedHosts []string) error {
	if raw == "" {
		return ErrInvalidVideoURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidVideoURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidVideoURL
	}
	host := strings.ToLower(u.Host)
	for _, allowed := range allowedHosts {
		if allowed != "" && strings.Contains(host, strings.ToLower(allowed)) {
			return nil
		}
	}
	return ErrInvalidVideoURL
}

// =============================================================================
// 🔍 状态
// =============================================================================

// HandleStatus 处理 GET /status/{id}：轮询一次并返回记录，未知 ID 返回 404
func (h *OriginHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tracker.Poll(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			WriteJSON(w, http.StatusNotFound, rec)
			return
		}
		h.logger.Error("status poll failed", zap.String("task_id", r.PathValue("id")), zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, SubmitResponse{Status: "error", Message: err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleWatch 处理 GET /status/{id}/watch：升级为 websocket，按 WatchInterval
// 推送记录，到达终态后以正常关闭结束
func (h *OriginHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if rec, err := h.tracker.Get(taskID); err != nil {
		WriteJSON(w, http.StatusNotFound, rec)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只写不读，CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(h.config.WatchInterval)
	defer ticker.Stop()

	for {
		rec, err := h.tracker.Poll(ctx, taskID)
		if err != nil && !errors.Is(err, tracker.ErrNotFound) {
			conn.Close(websocket.StatusInternalError, "poll failed")
			return
		}
		if err := wsjson.Write(ctx, conn, rec); err != nil {
			h.logger.Debug("websocket write failed", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if rec.Status.IsTerminal() || rec.Status == tracker.StateNotFound {
			conn.Close(websocket.StatusNormalClosure, string(rec.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
