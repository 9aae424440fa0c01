package handoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/discovery"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// =============================================================================
// 🎯 路由提示与投递结果
// =============================================================================

// RoutingHint 描述下一跳应该由什么样的阶段接收.
type RoutingHint struct {
	// NextStep 写入下一跳信封的 flow_step.
	NextStep string
	// CapabilityPhrase 第一层: 按能力短语发现.
	CapabilityPhrase string
	// Skill 第二层: 按技能名发现.
	Skill string
	// ContentType 第二层的替代: 仅在 Skill 为空时按内容类型发现.
	ContentType string
}

// Tier 是产生候选的发现层级, 0 表示没有候选.
type Tier int

const (
	TierNone       Tier = 0
	TierCapability Tier = 1
	TierSkill      Tier = 2
	TierAny        Tier = 3
)

// String 返回层级名称, 用作指标标签.
func (t Tier) String() string {
	switch t {
	case TierCapability:
		return "capability"
	case TierSkill:
		return "skill"
	case TierAny:
		return "any"
	default:
		return "none"
	}
}

// tierFilter 是一个层级及其过滤条件.
type tierFilter struct {
	tier   Tier
	filter discovery.Filter
}

// tiers 按顺序返回需要尝试的过滤条件.
func (h RoutingHint) tiers() []tierFilter {
	var out []tierFilter
	if h.CapabilityPhrase != "" {
		out = append(out, tierFilter{TierCapability, discovery.Filter{Capability: h.CapabilityPhrase}})
	}
	switch {
	case h.Skill != "":
		out = append(out, tierFilter{TierSkill, discovery.Filter{Skill: h.Skill}})
	case h.ContentType != "":
		out = append(out, tierFilter{TierSkill, discovery.Filter{ContentType: h.ContentType}})
	}
	return append(out, tierFilter{TierAny, discovery.Filter{}})
}

// Status 是投递结果分类.
type Status string

const (
	StatusForwarded      Status = "forwarded"
	StatusNoCandidate    Status = "no_candidate"
	StatusRejected       Status = "rejected"
	StatusTransportError Status = "transport_error"
)

// Outcome 是一次投递的结果, 从不以 error 形式越过调度器边界.
type Outcome struct {
	Accepted   bool
	Status     Status
	Tier       Tier
	Target     string
	TargetName string
	TaskID     string
	HTTPStatus int
	// TimedOut 表示投递在等待下一跳响应时超时, 下一跳可能仍在处理.
	TimedOut bool
	Err      error
}

// OK 报告下一跳是否接受了任务.
func (o Outcome) OK() bool {
	return o.Accepted
}

// =============================================================================
// 📦 出站载荷
// =============================================================================

// PayloadKind 决定信封 part 的构造方式.
type PayloadKind int

const (
	// PayloadText 自由文本 + 引用 URL: text/plain、text/uri-list、application/json.
	PayloadText PayloadKind = iota
	// PayloadRecord 结构化记录: 单个 application/json data part.
	PayloadRecord
)

// Outbound 是阶段交给调度器的待转发内容.
type Outbound struct {
	// TaskID 是入站任务 ID, KeepTaskID 为 true 时沿用.
	TaskID     string
	KeepTaskID bool
	// Metadata 是入站元数据, 调度器复制后覆盖流程字段.
	Metadata a2a.Metadata
	Kind     PayloadKind
	// Text 与 ReferenceURL 用于 PayloadText.
	Text         string
	ReferenceURL string
	// Data 是 PayloadText 的上下文对象或 PayloadRecord 的记录.
	Data map[string]any
}

// parts 按载荷类型构造 part 列表.
func (o Outbound) parts() ([]a2a.Part, error) {
	switch o.Kind {
	case PayloadRecord:
		if o.Data == nil {
			return nil, fmt.Errorf("%w: record payload is empty", a2a.ErrMissingParts)
		}
		p, err := a2a.NewDataPart(o.Data)
		if err != nil {
			return nil, err
		}
		return []a2a.Part{p}, nil
	default:
		var parts []a2a.Part
		if o.Text != "" {
			parts = append(parts, a2a.NewTextPart(o.Text))
		}
		if o.ReferenceURL != "" {
			parts = append(parts, a2a.NewURIPart(o.ReferenceURL))
		}
		if len(o.Data) > 0 {
			p, err := a2a.NewDataPart(o.Data)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			return nil, a2a.ErrMissingParts
		}
		return parts, nil
	}
}

// =============================================================================
// 🚚 调度器
// =============================================================================

// Observer 接收投递结果, internal/metrics.Collector 满足该接口.
type Observer interface {
	RecordDispatch(tier, status string, duration time.Duration)
}

// Config 调度器配置
type Config struct {
	// Self 是本阶段名称, 写入 source_agent 与跳转记录.
	Self string `json:"self" yaml:"self"`
	// ForwardTimeout 限制单次 POST /tasks/send.
	ForwardTimeout time.Duration `json:"forward_timeout" yaml:"forward_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ForwardTimeout: 30 * time.Second,
	}
}

// ErrNoCandidate 表示所有发现层级都没有候选.
var ErrNoCandidate = errors.New("handoff: no candidate stage")

// Dispatcher 为一个输出寻找下一跳并转发.
type Dispatcher struct {
	discoverer discovery.Discoverer
	stages     a2a.StageClient
	chains     persistence.ChainStore
	observer   Observer
	config     *Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewDispatcher 创建调度器. chains 可以为 nil.
func NewDispatcher(discoverer discovery.Discoverer, stages a2a.StageClient, chains persistence.ChainStore, config *Config, logger *zap.Logger) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ForwardTimeout <= 0 {
		config.ForwardTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		discoverer: discoverer,
		stages:     stages,
		chains:     chains,
		config:     config,
		logger:     logger.With(zap.String("component", "dispatcher")),
		tracer:     otel.Tracer("github.com/BaSui01/agentrelay/agent/handoff"),
	}
}

// SetObserver 设置结果观察者
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// Dispatch 依次尝试各发现层级, 选第一个候选并转发一次.
func (d *Dispatcher) Dispatch(ctx context.Context, out Outbound, hint RoutingHint) (outcome Outcome) {
	start := time.Now()

	env, err := d.envelope(out, hint)
	if err != nil {
		return Outcome{Status: StatusRejected, Err: err}
	}
	outcome.TaskID = env.TaskID
	correlationID := env.Metadata.CorrelationID()

	ctx, span := d.tracer.Start(ctx, "handoff.Dispatch", trace.WithAttributes(
		attribute.String("task_id", env.TaskID),
		attribute.String("correlation_id", correlationID),
		attribute.String("flow_step", hint.NextStep),
	))
	logger := d.logger.With(
		zap.String("task_id", env.TaskID),
		zap.String("correlation_id", correlationID),
		zap.String("flow_step", hint.NextStep),
	)

	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{TaskID: env.TaskID, Status: StatusTransportError, Err: fmt.Errorf("dispatch panic: %v", r)}
			logger.Error("dispatch panicked", zap.Any("panic", r))
		}
		span.SetAttributes(
			attribute.String("dispatch.status", string(outcome.Status)),
			attribute.String("dispatch.tier", outcome.Tier.String()),
		)
		if !outcome.Accepted {
			span.SetStatus(codes.Error, string(outcome.Status))
		}
		span.End()
		if d.observer != nil {
			d.observer.RecordDispatch(outcome.Tier.String(), string(outcome.Status), time.Since(start))
		}
		d.record(correlationID, hint, outcome, logger)
	}()

	candidate, tier, err := d.selectCandidate(ctx, hint, logger)
	if err != nil {
		return Outcome{TaskID: env.TaskID, Status: StatusNoCandidate, Err: err}
	}
	outcome.Tier = tier
	outcome.Target = candidate.Address()
	outcome.TargetName = candidate.Peer.Name

	logger.Info("forwarding task",
		zap.String("target", outcome.Target),
		zap.String("target_name", outcome.TargetName),
		zap.String("tier", tier.String()),
	)

	fctx, cancel := context.WithTimeout(ctx, d.config.ForwardTimeout)
	defer cancel()

	result, err := d.stages.SendTask(fctx, outcome.Target, env)
	if code := a2a.StatusCodeOf(err); code != 0 {
		outcome.HTTPStatus = code
		outcome.Status = StatusRejected
		outcome.Err = err
		logger.Warn("next stage rejected task", zap.Int("status", code), zap.Error(err))
		return outcome
	}
	if err != nil {
		outcome.Status = StatusTransportError
		outcome.Err = err
		outcome.TimedOut = timedOut(fctx, err)
		logger.Warn("forward failed", zap.Bool("timed_out", outcome.TimedOut), zap.Error(err))
		return outcome
	}

	outcome.Accepted = true
	outcome.Status = StatusForwarded
	outcome.HTTPStatus = 200
	if result != nil {
		logger.Info("next stage accepted task", zap.String("remote_status", string(result.Status)))
	}
	return outcome
}

// selectCandidate 返回第一个非空层级的第一个候选.
func (d *Dispatcher) selectCandidate(ctx context.Context, hint RoutingHint, logger *zap.Logger) (discovery.QualifiedStage, Tier, error) {
	for _, step := range hint.tiers() {
		stages, err := d.discoverer.Discover(ctx, step.filter)
		if err != nil {
			return discovery.QualifiedStage{}, TierNone, err
		}
		if len(stages) > 0 {
			return stages[0], step.tier, nil
		}
		logger.Debug("no candidate at tier", zap.String("tier", step.tier.String()))
	}
	return discovery.QualifiedStage{}, TierNone, ErrNoCandidate
}

// envelope 构造下一跳信封: 复制入站元数据并覆盖流程字段.
func (d *Dispatcher) envelope(out Outbound, hint RoutingHint) (*a2a.TaskEnvelope, error) {
	parts, err := out.parts()
	if err != nil {
		return nil, err
	}

	md := out.Metadata.Clone()
	md[a2a.MetaFlowStep] = hint.NextStep
	md[a2a.MetaFlowCompleted] = false
	if d.config.Self != "" {
		md[a2a.MetaSourceAgent] = d.config.Self
	}
	if hint.ContentType != "" {
		md.SetIfAbsent(a2a.MetaContentType, hint.ContentType)
	}
	md.EnsureCorrelationID()

	taskID := ""
	if out.KeepTaskID {
		taskID = out.TaskID
	}
	if taskID == "" {
		taskID = uuid.New().String()
	}
	return a2a.NewTaskEnvelope(taskID, md, parts...), nil
}

// timedOut 报告转发是否因时限到期而中断. 主动取消不算超时.
func timedOut(fctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// record 把投递结果写入链路存储, 失败只记日志.
func (d *Dispatcher) record(correlationID string, hint RoutingHint, outcome Outcome, logger *zap.Logger) {
	if d.chains == nil || correlationID == "" {
		return
	}
	hop := persistence.HopRecord{
		Stage:    d.config.Self,
		TaskID:   outcome.TaskID,
		FlowStep: hint.NextStep,
		Status:   persistence.ChainStatusProcessing,
		Target:   outcome.Target,
	}
	if hop.Stage == "" {
		hop.Stage = "dispatcher"
	}
	switch {
	case outcome.TimedOut:
		// 下一跳未确认接收, 链路保持 processing, 由后续跳转或追踪器超时决定结果
		hop.Error = fmt.Sprintf("forward unconfirmed: %v", outcome.Err)
	case !outcome.Accepted:
		hop.Status = persistence.ChainStatusForwardFailed
		hop.Error = string(outcome.Status)
		if outcome.Err != nil {
			hop.Error = fmt.Sprintf("%s: %v", outcome.Status, outcome.Err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.chains.RecordHop(ctx, correlationID, hop); err != nil {
		logger.Warn("failed to record hop", zap.Error(err))
	}
}
