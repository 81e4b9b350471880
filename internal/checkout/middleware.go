package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	clienterrors "github.com/wudi/checkoutguard/internal/errors"
	"github.com/wudi/checkoutguard/internal/middleware"
	"go.uber.org/zap"
)

// handlerStatusError marks a handler that already answered with a 5xx.
type handlerStatusError struct {
	status int
}

func (e *handlerStatusError) Error() string {
	return fmt.Sprintf("handler responded %d", e.status)
}

// Middleware runs each request as a task of category. A 5xx response counts
// as a failure for the breaker and the monitor. When the request is rejected
// before the handler runs (open circuit, closed queue), the client gets a
// JSON error, 503 for transient unavailability.
func Middleware(g *Gate, category string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(middleware.RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(middleware.RequestIDHeader, id)
			}
			w.Header().Set(middleware.RequestIDHeader, id)
			ctx := middleware.WithRequestID(r.Context(), id)

			sw := middleware.NewStatusWriter(w)
			err := g.Run(ctx, category, func(ctx context.Context) error {
				next.ServeHTTP(sw, r.WithContext(ctx))
				if sw.Status() >= http.StatusInternalServerError {
					return &handlerStatusError{status: sw.Status()}
				}
				return nil
			})
			if err == nil {
				return
			}

			var hse *handlerStatusError
			if errors.As(err, &hse) {
				return
			}
			if sw.WroteHeader() {
				g.logger.Warn("request failed after response started",
					zap.String("request_id", id),
					zap.String("category", category),
					zap.Error(err),
				)
				return
			}

			g.logger.Debug("request rejected",
				zap.String("request_id", id),
				zap.String("category", category),
				zap.Error(err),
			)
			clienterrors.FromError(err).WithRequestID(id).WriteJSON(w)
		})
	}
}
