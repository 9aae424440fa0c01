package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentrelay/types"
)

// 流程控制元数据键.
const (
	MetaFlowStep      = "flow_step"
	MetaFlowCompleted = "flow_completed"
	MetaCorrelationID = "correlation_id"
	MetaCallbackURL   = "callback_url"
	MetaSourceAgent   = "source_agent"
	MetaContentType   = "content_type"
	MetaWarnings      = "warnings"
)

// FlowStepCompleted 是终端阶段写入的 flow_step 值.
const FlowStepCompleted = "completed"

// Metadata 是在每一跳之间传递的自由格式元数据.
type Metadata map[string]any

// String 返回字符串值, 非字符串或缺失返回空串.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Bool 返回布尔值, 兼容 "true" 字符串.
func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// FlowStep 返回 flow_step.
func (m Metadata) FlowStep() string { return m.String(MetaFlowStep) }

// FlowCompleted 返回 flow_completed.
func (m Metadata) FlowCompleted() bool { return m.Bool(MetaFlowCompleted) }

// CorrelationID 返回链路稳定的关联 ID.
func (m Metadata) CorrelationID() string { return m.String(MetaCorrelationID) }

// CallbackURL 返回完成通知的回调地址.
func (m Metadata) CallbackURL() string { return m.String(MetaCallbackURL) }

// Clone 返回浅拷贝, 嵌套值共享.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetIfAbsent 仅在键缺失或为空串时写入.
func (m Metadata) SetIfAbsent(key string, value any) {
	if existing, ok := m[key]; ok {
		if s, isStr := existing.(string); !isStr || s != "" {
			return
		}
	}
	m[key] = value
}

// EnsureCorrelationID 在缺失时生成关联 ID 并返回最终值.
func (m Metadata) EnsureCorrelationID() string {
	if id := m.CorrelationID(); id != "" {
		return id
	}
	id := uuid.New().String()
	m[MetaCorrelationID] = id
	return id
}

// TaskEnvelope 是阶段间传递的工作单元.
type TaskEnvelope struct {
	// TaskID 仅在单跳内稳定, 每个阶段可以为自己的转发生成新 ID.
	TaskID string `json:"taskId"`
	// Message 承载有序的 part.
	Message *Message `json:"message,omitempty"`
	// Metadata 承载流程控制字段与领域上下文.
	Metadata Metadata `json:"metadata,omitempty"`
}

// NewTaskEnvelope 创建信封, taskID 为空时生成.
func NewTaskEnvelope(taskID string, metadata Metadata, parts ...Part) *TaskEnvelope {
	if taskID == "" {
		taskID = uuid.New().String()
	}
	if metadata == nil {
		metadata = Metadata{}
	}
	return &TaskEnvelope{
		TaskID:   taskID,
		Message:  NewMessage(parts...),
		Metadata: metadata,
	}
}

// Normalize 补全缺失的 taskId 与 metadata.
func (e *TaskEnvelope) Normalize() {
	if e.TaskID == "" {
		e.TaskID = uuid.New().String()
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
}

// EnvelopeFromArtifacts 用产物的 part 构造下一跳信封.
func EnvelopeFromArtifacts(taskID string, metadata Metadata, artifacts ...Artifact) *TaskEnvelope {
	var parts []Part
	for _, a := range artifacts {
		parts = append(parts, a.Parts...)
	}
	return NewTaskEnvelope(taskID, metadata, parts...)
}

// TaskStatus 是单跳结果的状态.
type TaskStatus string

const (
	TaskStatusWorking   TaskStatus = "working"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsValid 检查状态是否合法.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusWorking, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Artifact 是阶段返回给直接调用方的产物.
type Artifact struct {
	// Type 是语义标签, 如 "transcription"、"recipe_data"、"notion_page".
	Type  string `json:"type"`
	Parts []Part `json:"parts"`
}

// NewArtifact 创建产物.
func NewArtifact(artifactType string, parts ...Part) Artifact {
	return Artifact{Type: artifactType, Parts: parts}
}

// ErrorInfo 是结果中的错误描述.
type ErrorInfo struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// TaskResult 是 /tasks/send 的同步响应.
type TaskResult struct {
	TaskID    string     `json:"taskId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`
}

// NewCompletedResult 创建完成状态的结果.
func NewCompletedResult(taskID string, metadata Metadata, artifacts ...Artifact) *TaskResult {
	return &TaskResult{
		TaskID:    taskID,
		Status:    TaskStatusCompleted,
		Artifacts: artifacts,
		Metadata:  metadata,
	}
}

// NewFailedResult 创建失败状态的结果.
func NewFailedResult(taskID string, err *types.Error, metadata Metadata) *TaskResult {
	if err == nil {
		err = types.NewError(types.ErrInternalError, "unknown failure")
	}
	return &TaskResult{
		TaskID:   taskID,
		Status:   TaskStatusFailed,
		Error:    &ErrorInfo{Code: err.Code, Message: err.Message},
		Metadata: metadata,
	}
}

// HTTPStatus 返回该结果对应的响应状态码.
func (r *TaskResult) HTTPStatus() int {
	if r.Status != TaskStatusFailed {
		return 200
	}
	if r.Error == nil {
		return 500
	}
	return types.DefaultHTTPStatus(r.Error.Code)
}

// Artifact 按类型查找产物.
func (r *TaskResult) Artifact(artifactType string) (*Artifact, bool) {
	for i := range r.Artifacts {
		if r.Artifacts[i].Type == artifactType {
			return &r.Artifacts[i], true
		}
	}
	return nil, false
}

// Validate 检查 artifacts 只在完成时出现, error 只在失败时出现.
func (r *TaskResult) Validate() error {
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if len(r.Artifacts) > 0 && r.Status != TaskStatusCompleted {
		return fmt.Errorf("%w: artifacts on %s result", ErrInvalidStatus, r.Status)
	}
	if r.Error != nil && r.Status != TaskStatusFailed {
		return fmt.Errorf("%w: error on %s result", ErrInvalidStatus, r.Status)
	}
	return nil
}

// CompletionNotice 由终端阶段推送到 callback_url.
type CompletionNotice struct {
	CorrelationID string     `json:"correlationId"`
	TaskID        string     `json:"taskId"`
	Stage         string     `json:"stage"`
	Status        TaskStatus `json:"status"`
	FlowStep      string     `json:"flowStep,omitempty"`
	ResultURL     string     `json:"resultUrl,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	CompletedAt   time.Time  `json:"completedAt"`
}

// DecodeEnvelope 解析信封 JSON 并补全缺省值.
func DecodeEnvelope(data []byte) (*TaskEnvelope, error) {
	var env TaskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	env.Normalize()
	return &env, nil
}
