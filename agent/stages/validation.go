package stages

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// 记录字段.
const (
	FieldRecipeName   = "recipe_name"
	FieldIngredients  = "ingredients"
	FieldInstructions = "instructions"
	FieldCategory     = "category"
	FieldYouTubeURL   = "youtube_url"
	FieldChannelName  = "channel_name"
	FieldThumbnailURL = "thumbnail_url"
)

// DefaultRecipeName 在记录缺少可用名称时使用.
const DefaultRecipeName = "不明なレシピ"

// requiredRecordFields 是存储阶段要求的字段.
var requiredRecordFields = []string{FieldRecipeName, FieldIngredients, FieldInstructions}

// Validation 是记录校验与预处理的结果.
type Validation struct {
	// Record 是预处理后的副本, Fatal 时为 nil.
	Record map[string]any
	// Problems 按发现顺序列出问题. 非 Fatal 时均为警告.
	Problems []string
	// Fatal 表示记录不可用: 不是对象, 或必填字段全部缺失.
	Fatal bool
}

// OK 报告记录是否可以继续处理.
func (v Validation) OK() bool {
	return !v.Fatal
}

// ValidateRecord 校验并预处理结构化记录, 输入不会被修改.
//
// 规则:
//   - 名称为空或非字符串时替换为 DefaultRecipeName; 部分缺失时同样补默认名.
//   - ingredients / instructions 为字符串时按行拆分, 非列表时置空并告警.
//   - 列表型 instructions 丢弃空项, 未编号的步骤补 "N. " 前缀.
//   - youtube_url 存在但不是视频链接时告警.
func ValidateRecord(data any) Validation {
	src, ok := data.(map[string]any)
	if !ok || src == nil {
		return Validation{
			Fatal:    true,
			Problems: []string{"Invalid data format: record must be a JSON object"},
		}
	}

	var problems []string
	var missing []string
	for _, f := range requiredRecordFields {
		if _, exists := src[f]; !exists {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		problems = append(problems, "Missing required fields: "+strings.Join(missing, ", "))
	}
	if len(missing) == len(requiredRecordFields) {
		return Validation{Fatal: true, Problems: problems}
	}

	record := copyRecord(src)

	if v, exists := record[FieldRecipeName]; exists {
		if s, isStr := v.(string); !isStr || s == "" {
			record[FieldRecipeName] = DefaultRecipeName
			problems = append(problems, "Invalid recipe_name: using default value")
		}
	} else {
		record[FieldRecipeName] = DefaultRecipeName
	}

	if v, exists := record[FieldIngredients]; exists {
		list, ok := normalizeList(v)
		if !ok {
			problems = append(problems, "Invalid ingredients format: must be a list or string")
		}
		record[FieldIngredients] = list
	}

	if v, exists := record[FieldInstructions]; exists {
		list, ok := normalizeList(v)
		if !ok {
			problems = append(problems, "Invalid instructions format: must be a list or string")
		}
		switch v.(type) {
		case []any, []string:
			list = numberSteps(list)
		}
		record[FieldInstructions] = list
	}

	if v, exists := record[FieldYouTubeURL]; exists {
		if s, isStr := v.(string); !isStr || s == "" || !IsVideoURL(s) {
			problems = append(problems, "Invalid YouTube URL format")
		}
	}

	return Validation{Record: record, Problems: problems}
}

// normalizeList 把字符串按行拆分, 把列表转成非空字符串列表.
// 其他类型返回空列表与 false.
func normalizeList(v any) ([]any, bool) {
	switch t := v.(type) {
	case string:
		out := []any{}
		for _, line := range strings.Split(t, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out, true
	case []any:
		out := []any{}
		for _, item := range t {
			if truthy(item) {
				out = append(out, stringify(item))
			}
		}
		return out, true
	case []string:
		out := []any{}
		for _, item := range t {
			if item != "" {
				out = append(out, item)
			}
		}
		return out, true
	default:
		return []any{}, false
	}
}

// numberSteps 给未编号的步骤加上序号.
func numberSteps(steps []any) []any {
	out := make([]any, len(steps))
	for i, step := range steps {
		s := fmt.Sprint(step)
		trimmed := strings.TrimSpace(s)
		prefix := strconv.Itoa(i+1) + "."
		if strings.HasPrefix(trimmed, prefix) || leadingDigits(trimmed) {
			out[i] = s
			continue
		}
		out[i] = prefix + " " + s
	}
	return out
}

// leadingDigits 报告前两个字符是否都是数字.
func leadingDigits(s string) bool {
	r := []rune(s)
	if len(r) < 2 {
		return len(r) == 1 && unicode.IsDigit(r[0])
	}
	return unicode.IsDigit(r[0]) && unicode.IsDigit(r[1])
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// copyRecord 深拷贝 JSON 形状的记录.
func copyRecord(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyRecord(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
