package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"AgentMarket-Relay/internal/observability/metrics"
	"AgentMarket-Relay/pkg/logger"
)

// statusWriter 包装 http.ResponseWriter 以捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 为处理器附加访问日志与指标采集。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)

		metrics.ObserveHTTPRequest(name, r.Method, sw.status, duration)
		logger.Audit().Info("api_request",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	}
}

// requireOpsToken 保护运维接口。令牌可经 Bearer 头或 X-Ops-Token 头提供。
func (s *Server) requireOpsToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opsToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Ops-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opsToken)) != 1 {
			logger.Audit().Warn("ops_access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
			)
			writeErrorStatus(w, http.StatusUnauthorized, "UNAUTHORIZED", "运维令牌无效")
			return
		}
		next.ServeHTTP(w, r)
	}
}

// idempotencyKey 读取请求头中的幂等键。
func idempotencyKey(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return r.Header.Get("X-Idempotency-Key")
}
