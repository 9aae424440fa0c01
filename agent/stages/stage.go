package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/handoff"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/internal/pool"
	"github.com/BaSui01/agentrelay/types"
)

// =============================================================================
// 🧩 阶段类型
// =============================================================================

// Kind 是阶段类型.
type Kind string

const (
	KindTranscriber Kind = "transcriber"
	KindExtractor   Kind = "extractor"
	KindStorer      Kind = "storer"
)

// 各阶段写入结果的 flow_step.
const (
	FlowStepYouTube = "youtube"
	FlowStepRecipe  = "recipe"
	FlowStepNotion  = "notion"
)

// ParseKind 解析阶段类型.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// IsValid 检查阶段类型是否已知.
func (k Kind) IsValid() bool {
	switch k {
	case KindTranscriber, KindExtractor, KindStorer:
		return true
	default:
		return false
	}
}

// FlowStep 返回该阶段结果中的 flow_step.
func (k Kind) FlowStep() string {
	switch k {
	case KindTranscriber:
		return FlowStepYouTube
	case KindExtractor:
		return FlowStepNotion
	case KindStorer:
		return a2a.FlowStepCompleted
	default:
		return ""
	}
}

// IsTerminal 报告该阶段是否是链路的最后一跳.
func (k Kind) IsTerminal() bool {
	return k == KindStorer
}

// Capabilities 返回该阶段类型默认声明的能力.
func (k Kind) Capabilities() []a2a.Capability {
	switch k {
	case KindTranscriber:
		return []a2a.Capability{a2a.CapabilityTranscribeVideo, a2a.CapabilityExtractText}
	case KindExtractor:
		return []a2a.Capability{a2a.CapabilityExtractRecipe, a2a.CapabilityStructureRecord}
	case KindStorer:
		return []a2a.Capability{a2a.CapabilityStoreRecord, a2a.CapabilityValidateRecord, a2a.CapabilityManageRecords}
	default:
		return nil
	}
}

// ErrUnknownKind 表示未知的阶段类型.
var ErrUnknownKind = errors.New("stages: unknown stage kind")

// =============================================================================
// ⚙️ 配置
// =============================================================================

// Config 阶段配置
type Config struct {
	// Kind 是阶段类型.
	Kind Kind `json:"kind" yaml:"kind"`
	// Name 写入 source_agent 与跳转记录, 为空时使用 Kind.
	Name string `json:"name" yaml:"name"`
	// AsyncDispatch 为 true 时在返回本地结果后再转发.
	AsyncDispatch bool `json:"async_dispatch" yaml:"async_dispatch"`
	// DispatchTimeout 限制一次异步转发 (发现 + 投递), 从入队开始计时.
	DispatchTimeout time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
	// DispatchWorkers 是异步转发的最大并发数.
	DispatchWorkers int `json:"dispatch_workers" yaml:"dispatch_workers"`
	// DispatchQueue 是等待转发的队列长度, 满时退化为同步转发.
	DispatchQueue int `json:"dispatch_queue" yaml:"dispatch_queue"`
}

// DefaultConfig 返回默认配置
func DefaultConfig(kind Kind) *Config {
	return &Config{
		Kind:            kind,
		Name:            string(kind),
		AsyncDispatch:   true,
		DispatchTimeout: time.Minute,
		DispatchWorkers: 16,
		DispatchQueue:   256,
	}
}

// Forwarder 是 handoff.Dispatcher 的转发能力.
type Forwarder interface {
	Dispatch(ctx context.Context, out handoff.Outbound, hint handoff.RoutingHint) handoff.Outcome
}

// =============================================================================
// 🚀 阶段
// =============================================================================

// Stage 把协作者包装成 a2a.TaskHandler: 解析入站内容, 调用协作者,
// 构造本地结果, 然后把输出交给下一跳.
type Stage struct {
	config    *Config
	processor Processor
	forwarder Forwarder
	notifier  *Notifier
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	handoffs *pool.WorkerPool
}

var _ a2a.TaskHandler = (*Stage)(nil)

// New 创建阶段. forwarder 为 nil 时不转发, notifier 为 nil 时不推送完成通知.
func New(config *Config, processor Processor, forwarder Forwarder, notifier *Notifier, logger *zap.Logger) (*Stage, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: missing config", ErrUnknownKind)
	}
	if !config.Kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, config.Kind)
	}
	if processor == nil {
		return nil, errors.New("stages: processor is required")
	}
	if config.Name == "" {
		config.Name = string(config.Kind)
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "stage"), zap.String("stage", config.Name))

	s := &Stage{
		config:    config,
		processor: processor,
		forwarder: forwarder,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer("github.com/BaSui01/agentrelay/agent/stages"),
		now:       time.Now,
	}
	if config.AsyncDispatch && forwarder != nil {
		s.handoffs = pool.New(pool.Config{
			MaxWorkers: config.DispatchWorkers,
			QueueSize:  config.DispatchQueue,
			PanicHandler: func(r any) {
				logger.Error("hand-off panicked", zap.Any("panic", r))
			},
		})
	}
	return s, nil
}

// Kind 返回阶段类型.
func (s *Stage) Kind() Kind { return s.config.Kind }

// Name 返回阶段名称.
func (s *Stage) Name() string { return s.config.Name }

// HandleTask 实现 a2a.TaskHandler. 失败以 failed 结果返回, 不返回 error.
func (s *Stage) HandleTask(ctx context.Context, env *a2a.TaskEnvelope) (*a2a.TaskResult, error) {
	ctx, span := s.tracer.Start(ctx, "stages.HandleTask", trace.WithAttributes(
		attribute.String("stage", s.config.Name),
		attribute.String("task_id", env.TaskID),
		attribute.String("correlation_id", env.Metadata.CorrelationID()),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("task_id", env.TaskID),
		zap.String("correlation_id", env.Metadata.CorrelationID()),
		zap.String("flow_step", env.Metadata.FlowStep()),
	)

	var (
		res *stepResult
		err error
	)
	switch s.config.Kind {
	case KindTranscriber:
		res, err = s.transcribe(ctx, env, logger)
	case KindExtractor:
		res, err = s.extract(ctx, env, logger)
	case KindStorer:
		res, err = s.store(ctx, env, logger)
	}

	if err != nil {
		typed := types.WrapError(err, types.ErrInternalError, "internal error: "+err.Error())
		span.SetStatus(codes.Error, string(typed.Code))
		logger.Warn("task failed", zap.String("code", string(typed.Code)), zap.String("message", typed.Message))
		s.notifyFailure(ctx, env, typed)
		return a2a.NewFailedResult(env.TaskID, typed, failureMetadata(env.Metadata)), nil
	}

	if s.config.Kind.IsTerminal() {
		s.notifier.Notify(ctx, res.result.Metadata, a2a.CompletionNotice{
			CorrelationID: env.Metadata.CorrelationID(),
			TaskID:        env.TaskID,
			Stage:         s.config.Name,
			Status:        a2a.TaskStatusCompleted,
			FlowStep:      a2a.FlowStepCompleted,
			ResultURL:     res.resultURL,
		})
	}
	if res.outbound != nil {
		s.forward(ctx, *res.outbound, res.hint, logger)
	}
	logger.Info("task completed")
	return res.result, nil
}

// stepResult 是单个阶段处理的产出.
type stepResult struct {
	result    *a2a.TaskResult
	outbound  *handoff.Outbound
	hint      handoff.RoutingHint
	resultURL string
}

// notifyFailure 让失败终止链路: 写入 failed 跳转并推送通知.
func (s *Stage) notifyFailure(ctx context.Context, env *a2a.TaskEnvelope, typed *types.Error) {
	s.notifier.Notify(ctx, env.Metadata, a2a.CompletionNotice{
		CorrelationID: env.Metadata.CorrelationID(),
		TaskID:        env.TaskID,
		Stage:         s.config.Name,
		Status:        a2a.TaskStatusFailed,
		FlowStep:      env.Metadata.FlowStep(),
		Error:         &a2a.ErrorInfo{Code: typed.Code, Message: typed.Message},
	})
}

// failureMetadata 保留链路字段, 供调用方关联.
func failureMetadata(md a2a.Metadata) a2a.Metadata {
	out := a2a.Metadata{}
	for _, k := range []string{a2a.MetaCorrelationID, a2a.MetaFlowStep, FieldYouTubeURL} {
		if v, ok := md[k]; ok {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// 🚚 转发
// =============================================================================

// forward 把输出交给下一跳. 转发结果从不影响本地结果.
func (s *Stage) forward(ctx context.Context, out handoff.Outbound, hint handoff.RoutingHint, logger *zap.Logger) {
	if s.forwarder == nil {
		logger.Debug("no forwarder configured, skipping hand-off")
		return
	}
	if s.handoffs == nil {
		s.logOutcome(s.forwarder.Dispatch(ctx, out, hint), logger)
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DispatchTimeout)
	err := s.handoffs.Submit(dctx, func(ctx context.Context) {
		defer cancel()
		s.logOutcome(s.forwarder.Dispatch(ctx, out, hint), logger)
	})
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrPoolFull):
		logger.Warn("hand-off queue full, dispatching inline")
		s.logOutcome(s.forwarder.Dispatch(dctx, out, hint), logger)
		cancel()
	default:
		cancel()
		logger.Warn("stage is shutting down, hand-off dropped")
	}
}

func (s *Stage) logOutcome(o handoff.Outcome, logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("status", string(o.Status)),
		zap.String("tier", o.Tier.String()),
		zap.String("target", o.Target),
		zap.String("next_task_id", o.TaskID),
	}
	if o.OK() {
		logger.Info("hand-off accepted", fields...)
		return
	}
	logger.Warn("hand-off failed", append(fields, zap.Error(o.Err))...)
}

// Shutdown 拒绝新的异步转发, 并等待进行中的转发结束或 ctx 到期.
func (s *Stage) Shutdown(ctx context.Context) error {
	if s.handoffs == nil {
		return nil
	}
	if err := s.handoffs.Drain(ctx); err != nil {
		return fmt.Errorf("waiting for in-flight hand-offs: %w", err)
	}
	return nil
}

// DispatchStats 返回异步转发队列的统计, 同步转发时为零值.
func (s *Stage) DispatchStats() pool.Stats {
	if s.handoffs == nil {
		return pool.Stats{}
	}
	return s.handoffs.Stats()
}

// =============================================================================
// 🎬 transcriber
// =============================================================================

func (s *Stage) transcribe(ctx context.Context, env *a2a.TaskEnvelope, logger *zap.Logger) (*stepResult, error) {
	req, ok := parseVideoRequest(env.Message)
	if !ok {
		return nil, types.NewError(types.ErrBadRequest, "Missing or invalid 'youtube_url' in message parts.")
	}
	logger.Info("transcription requested", zap.String("youtube_url", req.URL))

	start := s.now()
	out, err := s.processor.Process(ctx, Input{
		Kind:          KindTranscriber,
		TaskID:        env.TaskID,
		CorrelationID: env.Metadata.CorrelationID(),
		SourceURL:     req.URL,
	})
	if err != nil {
		return nil, processingError(types.ErrProcessingError, "transcription failed", err)
	}
	if out == nil || strings.TrimSpace(out.Text) == "" {
		return nil, types.NewError(types.ErrProcessingError, "transcription produced no text")
	}
	elapsed := s.now().Sub(start)

	channel := outputString(out, FieldChannelName)
	thumbnail := outputString(out, FieldThumbnailURL)
	contentType := AnalyzeContentType(out.Text)

	md := env.Metadata.Clone()
	md[a2a.MetaFlowStep] = FlowStepYouTube
	md[a2a.MetaFlowCompleted] = false
	md[FieldYouTubeURL] = req.URL
	md[FieldChannelName] = channel
	md[FieldThumbnailURL] = thumbnail
	md["processing_time_seconds"] = elapsed.Seconds()

	info := map[string]any{
		FieldYouTubeURL:   req.URL,
		FieldChannelName:  channel,
		FieldThumbnailURL: thumbnail,
	}
	result := a2a.NewCompletedResult(env.TaskID, md,
		a2a.NewArtifact("transcription", a2a.NewTextPart(out.Text)),
		a2a.NewArtifact("metadata", a2a.MustDataPart(info)),
	)

	nextMD := env.Metadata.Clone()
	nextMD[FieldYouTubeURL] = req.URL
	nextMD[FieldChannelName] = orDefault(channel, "不明")
	nextMD[FieldThumbnailURL] = thumbnail
	nextMD[a2a.MetaContentType] = contentType

	return &stepResult{
		result: result,
		outbound: &handoff.Outbound{
			TaskID:       env.TaskID,
			KeepTaskID:   true,
			Metadata:     nextMD,
			Kind:         handoff.PayloadText,
			Text:         out.Text,
			ReferenceURL: req.URL,
			Data: map[string]any{
				FieldYouTubeURL:     req.URL,
				FieldChannelName:    orDefault(channel, "不明"),
				FieldThumbnailURL:   thumbnail,
				a2a.MetaContentType: contentType,
			},
		},
		hint: transcriptHint(contentType),
	}, nil
}

// transcriptHint 按内容类型选择下一跳的发现条件.
func transcriptHint(contentType string) handoff.RoutingHint {
	if contentType == ContentTypeRecipe {
		return handoff.RoutingHint{
			NextStep:         FlowStepRecipe,
			CapabilityPhrase: "extract recipe from text",
			Skill:            "recipe",
			ContentType:      contentType,
		}
	}
	return handoff.RoutingHint{NextStep: FlowStepRecipe, ContentType: contentType}
}

// =============================================================================
// 🍳 extractor
// =============================================================================

// extractedFields 是抽取结果应包含的字段.
var extractedFields = []string{FieldRecipeName, FieldYouTubeURL, FieldCategory, FieldIngredients, FieldInstructions}

func (s *Stage) extract(ctx context.Context, env *a2a.TaskEnvelope, logger *zap.Logger) (*stepResult, error) {
	req := parseTranscriptRequest(env)
	if missing := req.missing(); len(missing) > 0 {
		return nil, types.NewError(types.ErrBadRequest,
			"message parts are missing required information: "+strings.Join(missing, ", "))
	}
	logger.Info("extraction requested", zap.String("youtube_url", req.URL), zap.Int("transcript_len", len(req.Transcript)))

	out, err := s.processor.Process(ctx, Input{
		Kind:          KindExtractor,
		TaskID:        env.TaskID,
		CorrelationID: env.Metadata.CorrelationID(),
		Text:          req.Transcript,
		SourceURL:     req.URL,
		Context: map[string]any{
			FieldChannelName:  req.ChannelName,
			FieldThumbnailURL: req.ThumbnailURL,
		},
	})
	if err != nil {
		return nil, processingError(types.ErrProcessingError, "recipe extraction failed", err)
	}
	if out == nil || out.Record == nil {
		return nil, types.NewError(types.ErrProcessingError, "recipe extraction produced no record")
	}

	record := copyRecord(out.Record)
	var warnings []string
	var missing []string
	for _, f := range extractedFields {
		if _, ok := record[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		warnings = append(warnings, "Missing fields in extracted record: "+strings.Join(missing, ", "))
		logger.Warn("extracted record is incomplete", zap.Strings("missing", missing))
	}
	if _, ok := record[FieldRecipeName]; !ok {
		record[FieldRecipeName] = DefaultRecipeName
	}
	if _, ok := record[FieldYouTubeURL]; !ok {
		record[FieldYouTubeURL] = req.URL
	}
	if _, ok := record[FieldChannelName]; !ok && req.ChannelName != "" {
		record[FieldChannelName] = req.ChannelName
	}
	if _, ok := record[FieldThumbnailURL]; !ok && req.ThumbnailURL != "" {
		record[FieldThumbnailURL] = req.ThumbnailURL
	}

	md := env.Metadata.Clone()
	md[a2a.MetaFlowStep] = FlowStepNotion
	md[a2a.MetaFlowCompleted] = false
	md[a2a.MetaSourceAgent] = s.config.Name
	md[FieldYouTubeURL] = req.URL
	md[FieldChannelName] = req.ChannelName
	md[FieldThumbnailURL] = req.ThumbnailURL
	if len(warnings) > 0 {
		md[a2a.MetaWarnings] = warnings
	}

	result := a2a.NewCompletedResult(env.TaskID, md,
		a2a.NewArtifact("recipe_data", a2a.MustDataPart(record)),
	)

	nextMD := env.Metadata.Clone()
	nextMD[FieldYouTubeURL] = req.URL
	nextMD[FieldChannelName] = req.ChannelName
	nextMD[FieldThumbnailURL] = req.ThumbnailURL

	return &stepResult{
		result: result,
		outbound: &handoff.Outbound{
			TaskID:   env.TaskID,
			Metadata: nextMD,
			Kind:     handoff.PayloadRecord,
			Data:     record,
		},
		hint: handoff.RoutingHint{
			NextStep:         FlowStepNotion,
			CapabilityPhrase: "store recipe in database",
			Skill:            "notion",
		},
	}, nil
}

// =============================================================================
// 🗄️ storer
// =============================================================================

func (s *Stage) store(ctx context.Context, env *a2a.TaskEnvelope, logger *zap.Logger) (*stepResult, error) {
	raw, ok := parseRecordRequest(env.Message)
	if !ok {
		return nil, types.NewError(types.ErrBadRequest, "message parts carry no valid record (application/json)")
	}
	backfill(raw, env.Metadata, FieldYouTubeURL, FieldChannelName, FieldThumbnailURL)

	v := ValidateRecord(raw)
	if !v.OK() {
		msg := "record validation failed"
		if len(v.Problems) > 0 {
			msg = v.Problems[0]
		}
		return nil, types.NewError(types.ErrValidationFailed, msg)
	}
	if len(v.Problems) > 0 {
		logger.Warn("record validated with warnings", zap.Strings("warnings", v.Problems))
	}
	record := v.Record

	out, err := s.processor.Process(ctx, Input{
		Kind:          KindStorer,
		TaskID:        env.TaskID,
		CorrelationID: env.Metadata.CorrelationID(),
		Record:        record,
	})
	if err != nil {
		return nil, processingError(types.ErrProcessingFailed, "storing record failed", err)
	}
	if out == nil || out.ResultURL == "" {
		return nil, types.NewError(types.ErrProcessingFailed, "storing record returned no result url")
	}
	logger.Info("record stored", zap.String("result_url", out.ResultURL))

	md := env.Metadata.Clone()
	md[a2a.MetaFlowStep] = a2a.FlowStepCompleted
	md[a2a.MetaFlowCompleted] = true
	md[FieldYouTubeURL] = recordString(record, FieldYouTubeURL)
	md[FieldChannelName] = recordString(record, FieldChannelName)
	md[FieldThumbnailURL] = recordString(record, FieldThumbnailURL)
	md[FieldRecipeName] = recordString(record, FieldRecipeName)
	md["notion_url"] = out.ResultURL
	if len(v.Problems) > 0 {
		md[a2a.MetaWarnings] = v.Problems
	}

	return &stepResult{
		result: a2a.NewCompletedResult(env.TaskID, md,
			a2a.NewArtifact("notion_page", a2a.NewURIPart(out.ResultURL)),
		),
		resultURL: out.ResultURL,
	}, nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// processingError 把协作者错误归入给定错误码, 已带类型的错误保持原样.
func processingError(code types.ErrorCode, message string, err error) *types.Error {
	if typed, ok := types.AsError(err); ok {
		return typed
	}
	return types.NewError(code, fmt.Sprintf("%s: %v", message, err)).WithCause(err)
}

func outputString(out *Output, key string) string {
	if out == nil || out.Metadata == nil {
		return ""
	}
	v, _ := out.Metadata[key].(string)
	return v
}

func recordString(record map[string]any, key string) string {
	v, _ := record[key].(string)
	return v
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
