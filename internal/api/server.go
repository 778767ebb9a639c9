package api

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server 负责托管 HTTP 路由并处理优雅退出。
type Server struct {
	addr            string
	handler         http.Handler
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// ServerOption 调整 Server 的超时参数。
type ServerOption func(*Server)

// WithTimeouts 设置读写与关闭超时，非正数保留默认值。
func WithTimeouts(read, write, shutdown time.Duration) ServerOption {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		addr:            addr,
		handler:         NewRouter(deps),
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回底层路由，便于测试直接调用。
func (s *Server) Handler() http.Handler { return s.handler }

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]errorBody{
				"error": {Code: "UNAVAILABLE", Message: "服务已关闭"},
			})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
