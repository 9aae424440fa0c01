package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/tlsutil"
)

// =============================================================================
// 🌐 HTTP 服务生命周期
// =============================================================================

// Config 服务器配置
type Config struct {
	Addr           string        `yaml:"addr" json:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"` // 需覆盖最长的阶段处理时间
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// ShutdownTimeout 同时约束请求排空与关闭钩子
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    6 * time.Minute,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ShutdownHook 在服务器停止接收请求后执行
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

// Manager 持有一个 http.Server 及其关闭钩子
type Manager struct {
	srv    *http.Server
	config Config
	errCh  chan error
	logger *zap.Logger

	mu       sync.RWMutex
	state    state
	listener net.Listener
	hooks    []ShutdownHook
}

// NewManager 创建 Manager，此时尚未监听
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		srv: &http.Server{
			Addr:           config.Addr,
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
		},
		config: config,
		errCh:  make(chan error, 1),
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// OnShutdown 追加关闭钩子，按注册顺序执行
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.hooks = append(m.hooks, ShutdownHook{Name: name, Fn: fn})
	m.mu.Unlock()
}

// Start 在后台开始提供 HTTP 服务
func (m *Manager) Start() error {
	return m.start(nil)
}

// StartTLS 加载证书后在后台开始提供 HTTPS 服务
func (m *Manager) StartTLS(certFile, keyFile string) error {
	tlsConfig, err := tlsutil.ServerTLSConfig(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}
	return m.start(tlsConfig)
}

func (m *Manager) start(tlsConfig *tls.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateClosed:
		return errors.New("server is closed")
	case stateRunning:
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	scheme := "http"
	if tlsConfig != nil {
		m.srv.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
		scheme = "https"
	}
	m.listener = ln
	m.state = stateRunning

	m.logger.Info("server listening", zap.String("scheme", scheme), zap.String("addr", ln.Addr().String()))
	go m.serve(ln)
	return nil
}

func (m *Manager) serve(ln net.Listener) {
	err := m.srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("server stopped unexpectedly", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 排空在途请求后依次执行关闭钩子；重复调用直接返回
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosed
	hooks := append([]ShutdownHook(nil), m.hooks...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	m.logger.Info("draining in-flight requests")
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("request drain failed", zap.Error(err))
		errs = append(errs, err)
	}
	errs = append(errs, m.runHooks(ctx, hooks)...)

	m.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (m *Manager) runHooks(ctx context.Context, hooks []ShutdownHook) []error {
	var errs []error
	for _, h := range hooks {
		start := time.Now()
		err := h.Fn(ctx)
		if err != nil {
			m.logger.Error("shutdown hook failed", zap.String("hook", h.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Debug("shutdown hook done", zap.String("hook", h.Name), zap.Duration("took", time.Since(start)))
	}
	return errs
}

// WaitForShutdown 阻塞到收到 SIGINT/SIGTERM 或服务异常退出，然后关闭
func (m *Manager) WaitForShutdown() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var runErr error
	select {
	case s := <-sig:
		m.logger.Info("received shutdown signal", zap.String("signal", s.String()))
	case runErr = <-m.errCh:
	}
	return errors.Join(runErr, m.Shutdown(context.Background()))
}

// Errors 返回运行期错误通道
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回监听地址；启动后为实际绑定的地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 报告服务是否已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateRunning
}
