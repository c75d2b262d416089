package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/klinik/klinik/internal/platform/auth"
)

// Recovery turns a panicking handler into a 500. The stack goes to the log
// and the request span is marked failed.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var buf [4096]byte
				n := runtime.Stack(buf[:], false)
				msg := fmt.Sprint(r)
				ctx := c.Request().Context()

				evt := logger.Error().
					Str("panic", msg).
					Str("stack", string(buf[:n])).
					Str("path", c.Request().URL.Path)
				if rid, ok := c.Get("request_id").(string); ok {
					evt = evt.Str("request_id", rid)
				}
				if actor, ok := auth.ActorFromContext(ctx); ok {
					evt = evt.Str("user_id", actor.UserID)
				}
				evt.Msg("handler panicked")

				span := trace.SpanFromContext(ctx)
				span.AddEvent("panic")
				span.SetStatus(codes.Error, msg)

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
