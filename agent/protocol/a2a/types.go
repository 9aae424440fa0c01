package a2a

import (
	"fmt"
	"strings"
)

// Capability 是阶段声明的枚举能力, 作为能力协商的主契约.
type Capability string

const (
	// CapabilityTranscribeVideo 表示阶段可以把视频转写为文本.
	CapabilityTranscribeVideo Capability = "transcribe_video"
	// CapabilityExtractText 表示阶段可以从媒体中抽取文本(字幕等).
	CapabilityExtractText Capability = "extract_text"
	// CapabilityExtractRecipe 表示阶段可以从文本中抽取结构化食谱.
	CapabilityExtractRecipe Capability = "extract_recipe"
	// CapabilityStructureRecord 表示阶段可以把自由文本整理成结构化记录.
	CapabilityStructureRecord Capability = "structure_record"
	// CapabilityStoreRecord 表示阶段可以把结构化记录写入存储.
	CapabilityStoreRecord Capability = "store_record"
	// CapabilityValidateRecord 表示阶段可以校验并预处理结构化记录.
	CapabilityValidateRecord Capability = "validate_record"
	// CapabilityManageRecords 表示阶段可以管理已存储的记录.
	CapabilityManageRecords Capability = "manage_records"
)

// AllCapabilities 返回全部已知能力, 顺序固定.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityTranscribeVideo,
		CapabilityExtractText,
		CapabilityExtractRecipe,
		CapabilityStructureRecord,
		CapabilityStoreRecord,
		CapabilityValidateRecord,
		CapabilityManageRecords,
	}
}

// IsValid 检查能力是否为已知枚举值.
func (c Capability) IsValid() bool {
	for _, known := range AllCapabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// String 返回能力的字符串表示.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability 将字符串解析为枚举能力, 忽略大小写与首尾空白.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return c, nil
}

// Skill 是阶段声明的具名技能.
type Skill struct {
	// Name 是技能名称, 例如 "recipe_extraction".
	Name string `json:"name"`
	// Description 是技能的可读描述.
	Description string `json:"description,omitempty"`
	// Tags 是技能的附加标签.
	Tags []string `json:"tags,omitempty"`
}

// StageDescriptor 是阶段的自描述元数据, 通过 /.well-known/agent.json 暴露.
// 启动时从静态文件读取, 之后不再修改.
type StageDescriptor struct {
	// Name 是阶段的可读名称.
	Name string `json:"name"`
	// Description 描述阶段的用途.
	Description string `json:"description,omitempty"`
	// URL 是阶段的对外地址, 对外提供时按请求上下文改写.
	URL string `json:"url"`
	// Version 是阶段版本.
	Version string `json:"version,omitempty"`
	// Skills 是有序的声明技能列表.
	Skills []Skill `json:"skills"`
	// Capabilities 是声明的枚举能力集合.
	Capabilities []Capability `json:"capabilities,omitempty"`
	// DefaultInputModes 是阶段可以解析的 mimeType 列表.
	DefaultInputModes []string `json:"defaultInputModes,omitempty"`
	// DefaultOutputModes 是阶段产出的 mimeType 列表.
	DefaultOutputModes []string `json:"defaultOutputModes,omitempty"`
	// Metadata 包含额外的键值对.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SkillNames 按声明顺序返回技能名称.
func (d *StageDescriptor) SkillNames() []string {
	names := make([]string, 0, len(d.Skills))
	for _, s := range d.Skills {
		names = append(names, s.Name)
	}
	return names
}

// HasCapability 检查阶段是否声明了指定的枚举能力.
func (d *StageDescriptor) HasCapability(c Capability) bool {
	for _, declared := range d.Capabilities {
		if declared == c {
			return true
		}
	}
	return false
}

// AddCapabilities 追加尚未声明的能力, 保持已有顺序.
func (d *StageDescriptor) AddCapabilities(caps ...Capability) {
	for _, c := range caps {
		if !d.HasCapability(c) {
			d.Capabilities = append(d.Capabilities, c)
		}
	}
}

// Clone 返回描述符的深拷贝.
func (d *StageDescriptor) Clone() *StageDescriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.Skills = make([]Skill, len(d.Skills))
	for i, s := range d.Skills {
		out.Skills[i] = s
		out.Skills[i].Tags = append([]string(nil), s.Tags...)
	}
	out.Capabilities = append([]Capability(nil), d.Capabilities...)
	out.DefaultInputModes = append([]string(nil), d.DefaultInputModes...)
	out.DefaultOutputModes = append([]string(nil), d.DefaultOutputModes...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Validate 检查描述符是否具备必需字段.
// URL 在对外提供时才会被填充, 因此这里不做要求.
func (d *StageDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrMissingName
	}
	for _, c := range d.Capabilities {
		if !c.IsValid() {
			return fmt.Errorf("%w: %q", ErrUnknownCapability, c)
		}
	}
	return nil
}

// CapabilityQuery 是 /query-skill 的请求体.
// skill、capability、capabilityType 至少需要一个.
type CapabilityQuery struct {
	// Skill 是要查询的技能名称.
	Skill string `json:"skill,omitempty"`
	// Capability 是自由文本能力描述.
	Capability string `json:"capability,omitempty"`
	// CapabilityType 是枚举能力, 作为主契约.
	CapabilityType Capability `json:"capabilityType,omitempty"`
}

// IsEmpty 报告查询是否缺少全部字段.
func (q CapabilityQuery) IsEmpty() bool {
	return strings.TrimSpace(q.Skill) == "" &&
		strings.TrimSpace(q.Capability) == "" &&
		q.CapabilityType == ""
}

// ContentTypeQuery 把内容类型过滤转换为能力查询 "process {ct} content".
func ContentTypeQuery(contentType string) CapabilityQuery {
	return CapabilityQuery{Capability: ContentTypePhrase(contentType)}
}

// ContentTypePhrase 返回内容类型对应的能力描述短语.
func ContentTypePhrase(contentType string) string {
	return fmt.Sprintf("process %s content", contentType)
}

// MatchedBy 记录能力查询是通过哪种方式命中的.
type MatchedBy string

const (
	// MatchedBySkill 表示技能名子串命中.
	MatchedBySkill MatchedBy = "skill"
	// MatchedByCapabilityType 表示枚举能力命中.
	MatchedByCapabilityType MatchedBy = "capability_type"
	// MatchedByContentType 表示阶段声明可处理该内容类型.
	MatchedByContentType MatchedBy = "content_type"
	// MatchedByLexicon 表示自由文本词表兜底命中, 仅为尽力而为.
	MatchedByLexicon MatchedBy = "lexicon"
)

// QueryResponse 是 /query-skill 的响应体.
type QueryResponse struct {
	Available bool           `json:"available"`
	Details   map[string]any `json:"details"`
}

// NewUnavailable 返回未命中的查询响应.
func NewUnavailable() *QueryResponse {
	return &QueryResponse{Available: false, Details: map[string]any{}}
}

// MatchedBy 返回响应中记录的命中方式.
func (r *QueryResponse) MatchedBy() MatchedBy {
	if r == nil || r.Details == nil {
		return ""
	}
	switch v := r.Details["matchedBy"].(type) {
	case MatchedBy:
		return v
	case string:
		return MatchedBy(v)
	default:
		return ""
	}
}
