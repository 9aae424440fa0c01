package a2a

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"
)

// 常用 mimeType 判别值.
const (
	MimeTextPlain = "text/plain"
	MimeURIList   = "text/uri-list"
	MimeJSON      = "application/json"
)

// Part 是信封或产物中的一个带类型载荷单元.
// mimeType(或旧的 type 字段)是判别字段, 载荷为 text、data、uri 之一.
type Part struct {
	// MimeType 是主判别字段.
	MimeType string `json:"mimeType,omitempty"`
	// Type 是旧版判别字段: "text"、"data"、"uri".
	Type string `json:"type,omitempty"`
	// Text 是文本载荷.
	Text string `json:"text,omitempty"`
	// Data 是结构化载荷, 原样保留字节以避免重排.
	Data json.RawMessage `json:"data,omitempty"`
	// URI 是引用载荷.
	URI string `json:"uri,omitempty"`
}

// NewTextPart 创建 text/plain 文本 part.
func NewTextPart(text string) Part {
	return Part{MimeType: MimeTextPlain, Text: text}
}

// NewURIPart 创建 text/uri-list 引用 part.
func NewURIPart(uri string) Part {
	return Part{MimeType: MimeURIList, Text: uri}
}

// NewDataPart 将任意值编码为 application/json 数据 part.
func NewDataPart(v any) (Part, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Part{}, err
	}
	return Part{MimeType: MimeJSON, Data: raw}, nil
}

// MustDataPart 与 NewDataPart 相同, 编码失败时 panic. 仅用于字面量.
func MustDataPart(v any) Part {
	p, err := NewDataPart(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Kind 返回归一化的判别值. 未知判别返回原值, 缺失返回空串.
func (p Part) Kind() string {
	if p.MimeType != "" {
		mt, _, err := mime.ParseMediaType(p.MimeType)
		if err != nil {
			return strings.ToLower(strings.TrimSpace(p.MimeType))
		}
		return mt
	}
	switch strings.ToLower(p.Type) {
	case "text":
		return MimeTextPlain
	case "data", "json":
		return MimeJSON
	case "uri", "url":
		return MimeURIList
	case "":
		return ""
	default:
		return strings.ToLower(p.Type)
	}
}

// HasData 报告 part 是否携带非空结构化载荷.
func (p Part) HasData() bool {
	trimmed := bytes.TrimSpace(p.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// TextValue 返回文本或引用载荷.
func (p Part) TextValue() string {
	if p.Text != "" {
		return p.Text
	}
	return p.URI
}

// DataObject 将结构化载荷解码为对象. application/json 文本 part 也会尝试解析.
func (p Part) DataObject() (map[string]any, bool) {
	var raw []byte
	switch {
	case p.HasData():
		raw = p.Data
	case p.Kind() == MimeJSON && p.Text != "":
		raw = []byte(p.Text)
	default:
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Validate 检查载荷字段是否与判别字段一致. 未知判别不报错.
func (p Part) Validate() error {
	switch p.Kind() {
	case MimeJSON:
		if !p.HasData() && p.Text == "" {
			return ErrPartPayloadMismatch
		}
	case MimeTextPlain, MimeURIList:
		if p.HasData() || p.TextValue() == "" {
			return ErrPartPayloadMismatch
		}
	}
	return nil
}

// Message 是信封中的有序 part 序列.
type Message struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// NewMessage 用给定 part 创建消息.
func NewMessage(parts ...Part) *Message {
	return &Message{Parts: parts}
}

// PartsOfKind 返回指定判别值的全部 part, 保持原顺序.
func (m *Message) PartsOfKind(kind string) []Part {
	if m == nil {
		return nil
	}
	var out []Part
	for _, p := range m.Parts {
		if p.Kind() == kind {
			out = append(out, p)
		}
	}
	return out
}

// FirstText 返回第一个指定判别值且带文本的 part 的文本.
func (m *Message) FirstText(kind string) (string, bool) {
	for _, p := range m.PartsOfKind(kind) {
		if v := p.TextValue(); v != "" {
			return v, true
		}
	}
	return "", false
}

// FirstObject 返回第一个可解析为对象的 application/json part.
func (m *Message) FirstObject() (map[string]any, bool) {
	for _, p := range m.PartsOfKind(MimeJSON) {
		if obj, ok := p.DataObject(); ok {
			return obj, true
		}
	}
	return nil, false
}

// ObjectsWithKey 按顺序返回包含指定键的对象载荷, 不限判别值.
func (m *Message) ObjectsWithKey(key string) []map[string]any {
	if m == nil {
		return nil
	}
	var out []map[string]any
	for _, p := range m.Parts {
		if !p.HasData() {
			continue
		}
		obj, ok := p.DataObject()
		if !ok {
			continue
		}
		if _, exists := obj[key]; exists {
			out = append(out, obj)
		}
	}
	return out
}

// Validate 检查消息至少包含一个 part, 且每个 part 自洽.
func (m *Message) Validate() error {
	if m == nil || len(m.Parts) == 0 {
		return ErrMissingParts
	}
	for _, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
