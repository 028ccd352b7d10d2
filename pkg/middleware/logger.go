package middleware

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type LoggerOpts func(*middleware.RequestLoggerConfig)

// WithQuietPaths logs requests under the given prefixes at debug level,
// e.g. scrapes of /metrics.
func WithQuietPaths(prefixes ...string) LoggerOpts {
	return func(c *middleware.RequestLoggerConfig) {
		next := c.LogValuesFunc
		c.LogValuesFunc = func(ec echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				for _, p := range prefixes {
					if strings.HasPrefix(v.URI, p) {
						slog.LogAttrs(context.Background(), slog.LevelDebug, "REQUEST",
							slog.String("uri", v.URI),
							slog.Int("status", v.Status),
						)
						return nil
					}
				}
			}
			return next(ec, v)
		}
	}
}

func Logger(opts ...LoggerOpts) echo.MiddlewareFunc {
	o := defaultOpt()
	for _, opt := range opts {
		opt(&o)
	}

	return middleware.RequestLoggerWithConfig(o)
}

func defaultOpt() middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogLatency:  true,
		LogURI:      true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				slog.LogAttrs(context.Background(), slog.LevelInfo, "REQUEST",
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
					slog.Duration("latency", v.Latency),
				)
			} else {
				slog.LogAttrs(context.Background(), slog.LevelError, "REQUEST_ERROR",
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
					slog.String("err", v.Error.Error()),
				)
			}
			return nil
		},
	}
}
