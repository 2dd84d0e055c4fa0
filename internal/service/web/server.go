package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewMux 构建全部路由。registry 为 nil 时不暴露 /metrics。
func NewMux(cfg types.LocalConf, controller Controller, hub *Hub, registry *prometheus.Registry) *http.ServeMux {
	handler := NewHandler(controller)
	mux := http.NewServeMux()

	webUser := cfg.WebUser
	webPassword := cfg.WebPassword

	// --- 认证保护的 API ---
	mux.Handle("/api/sweep", basicAuthMiddleware(http.HandlerFunc(handler.HandleSweep), webUser, webPassword))
	mux.Handle("/api/reset", basicAuthMiddleware(http.HandlerFunc(handler.HandleReset), webUser, webPassword))
	// 节点列表包含代理凭据
	mux.Handle("/api/nodes", basicAuthMiddleware(http.HandlerFunc(handler.HandleNodes), webUser, webPassword))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/progress", handler.HandleProgress)

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Server is the web API server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// StartServer listens on cfg.WebPort and serves in the background. It returns
// nil without error when the web API is disabled (web_port <= 0).
func StartServer(cfg types.LocalConf, controller Controller, hub *Hub, registry *prometheus.Registry) (*Server, error) {
	l := logger.WithComponent("Web")
	if cfg.WebPort <= 0 {
		l.Info().Msg("Web API is disabled (web_port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}

	s := &Server{
		httpServer: &http.Server{
			Handler:           NewMux(cfg, controller, hub, registry),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
	}
	l.Info().Str("addr", listener.Addr().String()).Msg("Web API is listening.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close shuts the server down, waiting up to a few seconds for open requests.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
