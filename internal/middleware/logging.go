package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/wudi/checkoutguard/internal/logging"
	"go.uber.org/zap"
)

var statusWriterPool = sync.Pool{
	New: func() any { return &StatusWriter{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// Logger receives one entry per request; defaults to the global logger
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates an access log middleware with custom config
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := statusWriterPool.Get().(*StatusWriter)
			sw.Reset(w)

			next.ServeHTTP(sw, r)

			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.Status()),
				zap.Int64("body_bytes", sw.BytesWritten()),
				zap.Duration("response_time", time.Since(start)),
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			if cfg.Logger != nil {
				cfg.Logger.Info("HTTP request", fields...)
			} else {
				logging.Info("HTTP request", fields...)
			}

			sw.Reset(nil)
			statusWriterPool.Put(sw)
		})
	}
}

// StatusWriter wraps http.ResponseWriter to capture status and bytes
type StatusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewStatusWriter wraps w. The status defaults to 200.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	sw := &StatusWriter{}
	sw.Reset(w)
	return sw
}

// Reset points the writer at w and clears the recorded values.
func (sw *StatusWriter) Reset(w http.ResponseWriter) {
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.bytes = 0
	sw.wroteHeader = false
}

func (sw *StatusWriter) WriteHeader(status int) {
	if !sw.wroteHeader {
		sw.status = status
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sw *StatusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Status returns the recorded status code
func (sw *StatusWriter) Status() int {
	return sw.status
}

// WroteHeader reports whether a status or body has been written.
func (sw *StatusWriter) WroteHeader() bool {
	return sw.wroteHeader
}

// BytesWritten returns the number of bytes written
func (sw *StatusWriter) BytesWritten() int64 {
	return sw.bytes
}
