package stages

import (
	"strings"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// =============================================================================
// 📥 入站解析
// =============================================================================

// videoRequest 是 transcriber 的入站内容.
type videoRequest struct {
	URL string
}

// parseVideoRequest 依次查找 data part 的 youtube_url 与包含视频链接的文本 part.
func parseVideoRequest(msg *a2a.Message) (videoRequest, bool) {
	if msg == nil {
		return videoRequest{}, false
	}
	for _, p := range msg.Parts {
		if obj, ok := p.DataObject(); ok && p.HasData() {
			if u, isStr := obj[FieldYouTubeURL].(string); isStr && u != "" {
				return videoRequest{URL: strings.TrimSpace(u)}, true
			}
			continue
		}
		if u := videoURLIn(p.TextValue()); u != "" {
			return videoRequest{URL: u}, true
		}
	}
	return videoRequest{}, false
}

// videoURLIn 返回文本中第一个视频链接, 没有时返回空串.
func videoURLIn(text string) string {
	for _, field := range strings.Fields(text) {
		if IsVideoURL(field) {
			return field
		}
	}
	return ""
}

// transcriptRequest 是 extractor 的入站内容.
type transcriptRequest struct {
	Transcript   string
	URL          string
	ChannelName  string
	ThumbnailURL string
}

// missing 返回缺失项的描述, 为空表示完整.
func (r transcriptRequest) missing() []string {
	var out []string
	if r.Transcript == "" {
		out = append(out, "transcript text (text/plain)")
	}
	if r.URL == "" {
		out = append(out, "youtube_url (text/uri-list or data)")
	}
	return out
}

// parseTranscriptRequest 提取转写文本与视频链接.
//
// 文本来源按顺序: text/plain (含旧版 type:text), data 中的 transcript_text,
// 无判别字段的裸文本. 链接来源按顺序: 元数据 youtube_url, text/uri-list,
// data 中的 youtube_url. 频道名与缩略图从元数据或任一 data part 回填.
func parseTranscriptRequest(env *a2a.TaskEnvelope) transcriptRequest {
	req := transcriptRequest{
		URL:          env.Metadata.String(FieldYouTubeURL),
		ChannelName:  env.Metadata.String(FieldChannelName),
		ThumbnailURL: env.Metadata.String(FieldThumbnailURL),
	}
	msg := env.Message
	if msg == nil {
		return req
	}

	for _, p := range msg.Parts {
		switch p.Kind() {
		case a2a.MimeTextPlain, "":
			req.Transcript = p.Text
		default:
			if obj, ok := p.DataObject(); ok {
				req.Transcript, _ = obj["transcript_text"].(string)
			}
		}
		if req.Transcript != "" {
			break
		}
	}

	if req.URL == "" {
		for _, p := range msg.Parts {
			if p.Kind() == a2a.MimeURIList {
				req.URL = strings.TrimSpace(p.TextValue())
			} else if obj, ok := p.DataObject(); ok && p.HasData() {
				req.URL, _ = obj[FieldYouTubeURL].(string)
			}
			if req.URL != "" {
				break
			}
		}
	}

	for _, obj := range dataObjects(msg) {
		if req.ChannelName == "" {
			req.ChannelName, _ = obj[FieldChannelName].(string)
		}
		if req.ThumbnailURL == "" {
			req.ThumbnailURL, _ = obj[FieldThumbnailURL].(string)
		}
	}
	return req
}

// parseRecordRequest 返回第一个 application/json 对象 (data 或 JSON 文本).
func parseRecordRequest(msg *a2a.Message) (map[string]any, bool) {
	if msg == nil {
		return nil, false
	}
	return msg.FirstObject()
}

// dataObjects 返回全部结构化对象载荷.
func dataObjects(msg *a2a.Message) []map[string]any {
	var out []map[string]any
	for _, p := range msg.Parts {
		if !p.HasData() {
			continue
		}
		if obj, ok := p.DataObject(); ok {
			out = append(out, obj)
		}
	}
	return out
}

// backfill 在 dst 缺少键时从 md 复制非空字符串值.
func backfill(dst map[string]any, md a2a.Metadata, keys ...string) {
	for _, k := range keys {
		if _, exists := dst[k]; exists {
			continue
		}
		if v := md.String(k); v != "" {
			dst[k] = v
		}
	}
}
