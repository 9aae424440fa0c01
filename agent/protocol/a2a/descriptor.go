package a2a

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
)

// DescriptorSource 从静态文件加载阶段描述符, 并按请求上下文改写地址.
type DescriptorSource struct {
	path        string
	publicURL   string
	mu          sync.RWMutex
	descriptor  *StageDescriptor
	implicit    []Capability
	lastLoadErr error
}

// NewDescriptorSource 创建描述符来源. publicURL 非空时覆盖按请求推导的地址.
func NewDescriptorSource(path, publicURL string) *DescriptorSource {
	return &DescriptorSource{
		path:      path,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// NewStaticDescriptorSource 用内存中的描述符创建来源, 主要用于测试与嵌入.
func NewStaticDescriptorSource(d *StageDescriptor, publicURL string) *DescriptorSource {
	return &DescriptorSource{
		publicURL:  strings.TrimRight(publicURL, "/"),
		descriptor: d.Clone(),
	}
}

// WithCapabilities 登记阶段类型固有的能力. 它们与文件中声明的能力合并后对外提供.
func (s *DescriptorSource) WithCapabilities(caps ...Capability) *DescriptorSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.implicit = append(s.implicit, caps...)
	if s.descriptor != nil {
		s.descriptor.AddCapabilities(caps...)
	}
	return s
}

// Load 读取并校验静态描述符文件. 成功结果会被缓存.
func (s *DescriptorSource) Load() (*StageDescriptor, error) {
	s.mu.RLock()
	if s.descriptor != nil {
		d := s.descriptor
		s.mu.RUnlock()
		return d.Clone(), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptor != nil {
		return s.descriptor.Clone(), nil
	}

	d, err := readDescriptor(s.path)
	if err != nil {
		s.lastLoadErr = err
		return nil, err
	}
	d.AddCapabilities(s.implicit...)
	s.descriptor = d
	s.lastLoadErr = nil
	return d.Clone(), nil
}

// LastError 返回最近一次加载失败的错误.
func (s *DescriptorSource) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLoadErr
}

// Resolve 返回描述符副本, url 被替换为显式覆盖地址或调用方实际使用的地址.
func (s *DescriptorSource) Resolve(r *http.Request) (*StageDescriptor, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	if u := s.advertisedURL(r); u != "" {
		d.URL = u
	}
	return d, nil
}

// PublicURL 返回配置的覆盖地址.
func (s *DescriptorSource) PublicURL() string {
	return s.publicURL
}

func (s *DescriptorSource) advertisedURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	if r == nil {
		return ""
	}
	return RequestBaseURL(r)
}

// RequestBaseURL 从请求推导 scheme://host, 支持反向代理头.
func RequestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func readDescriptor(path string) (*StageDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrDescriptorNotFound, err)
	}

	var d StageDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorMalformed, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorMalformed, err)
	}
	return &d, nil
}
