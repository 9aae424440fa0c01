package stages

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// CompletionSink 是 a2a.StageClient 中推送完成通知的部分.
type CompletionSink interface {
	NotifyCompletion(ctx context.Context, callbackURL string, notice *a2a.CompletionNotice) error
}

// Notifier 在链路结束时写入终态跳转并推送完成通知. 两者都是尽力而为.
type Notifier struct {
	sink    CompletionSink
	chains  persistence.ChainStore
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewNotifier 创建通知器. sink 与 chains 都可以为 nil.
func NewNotifier(sink CompletionSink, chains persistence.ChainStore, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sink:    sink,
		chains:  chains,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "completion_notifier")),
		now:     time.Now,
	}
}

// Notify 记录终态跳转, 存在 callback_url 时推送通知.
// 使用独立上下文, 调用方取消不会丢失通知.
func (n *Notifier) Notify(ctx context.Context, md a2a.Metadata, notice a2a.CompletionNotice) {
	if n == nil {
		return
	}
	if notice.CompletedAt.IsZero() {
		notice.CompletedAt = n.now()
	}
	if notice.CorrelationID == "" {
		notice.CorrelationID = md.CorrelationID()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	logger := n.logger.With(
		zap.String("task_id", notice.TaskID),
		zap.String("correlation_id", notice.CorrelationID),
		zap.String("status", string(notice.Status)),
	)

	if n.chains != nil && notice.CorrelationID != "" {
		if _, err := n.chains.RecordHop(ctx, notice.CorrelationID, hopFromNotice(notice)); err != nil {
			logger.Warn("failed to record terminal hop", zap.Error(err))
		}
	}

	callback := md.CallbackURL()
	if n.sink == nil || callback == "" || notice.CorrelationID == "" {
		return
	}
	if err := n.sink.NotifyCompletion(ctx, callback, &notice); err != nil {
		logger.Warn("completion callback failed", zap.String("callback_url", callback), zap.Error(err))
		return
	}
	logger.Info("completion callback delivered", zap.String("callback_url", callback))
}

func hopFromNotice(notice a2a.CompletionNotice) persistence.HopRecord {
	hop := persistence.HopRecord{
		Stage:     notice.Stage,
		TaskID:    notice.TaskID,
		FlowStep:  notice.FlowStep,
		Status:    persistence.ChainStatusCompleted,
		ResultURL: notice.ResultURL,
		At:        notice.CompletedAt,
	}
	if notice.Status == a2a.TaskStatusFailed {
		hop.Status = persistence.ChainStatusFailed
		if notice.Error != nil {
			hop.Error = string(notice.Error.Code) + ": " + notice.Error.Message
		}
	}
	return hop
}
