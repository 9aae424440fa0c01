package stages

import (
	"strings"

	"golang.org/x/text/cases"
)

// 内容类型.
const (
	ContentTypeRecipe      = "recipe"
	ContentTypeGeneralText = "general_text"
)

// recipeKeywords 命中任意一个即判定为食谱内容.
var recipeKeywords = []string{
	"材料", "レシピ", "調理", "グラム", "小さじ", "大さじ",
	"recipe", "ingredients", "cooking", "instructions",
}

var folder = cases.Fold()

// AnalyzeContentType 用关键词表粗略判断文本的内容类型.
func AnalyzeContentType(text string) string {
	folded := folder.String(text)
	for _, kw := range recipeKeywords {
		if strings.Contains(folded, kw) {
			return ContentTypeRecipe
		}
	}
	return ContentTypeGeneralText
}

// IsVideoURL 报告 s 是否指向受支持的视频站点.
func IsVideoURL(s string) bool {
	return strings.Contains(s, "youtube.com") || strings.Contains(s, "youtu.be")
}
