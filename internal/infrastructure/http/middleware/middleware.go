// Package middleware provides HTTP middleware components
// following the Chain of Responsibility pattern
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/config"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Context keys set by the middleware
const (
	RequestIDKey = "request_id"
	SessionIDKey = "session_id"
)

// Middleware provides all middleware functions
type Middleware struct {
	config  *config.Config
	logger  *zap.Logger
	limiter *rate.Limiter
	tracer  trace.Tracer
	metrics *monitoring.MetricsCollector
}

// New creates a new middleware instance
func New(cfg *config.Config, logger *zap.Logger, metrics *monitoring.MetricsCollector) *Middleware {
	limiter := rate.NewLimiter(
		rate.Limit(cfg.RateLimit.RequestsPerMin)/60,
		cfg.RateLimit.BurstSize,
	)

	return &Middleware{
		config:  cfg,
		logger:  logger,
		limiter: limiter,
		tracer:  otel.Tracer(cfg.Monitoring.ServiceName),
		metrics: metrics,
	}
}

// RequestID adds a unique request ID to the context
func (m *Middleware) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// Session assigns the page session whose hint registry deduplicates
// preloads across requests
func (m *Middleware) Session() gin.HandlerFunc {
	return m.session(false)
}

// NavigationSession assigns the page session on HTML navigations only.
// Assets served beside the page carry no Set-Cookie and stay cacheable.
func (m *Middleware) NavigationSession() gin.HandlerFunc {
	return m.session(true)
}

func (m *Middleware) session(navigationOnly bool) gin.HandlerFunc {
	cookie := m.config.Session
	maxAge := int(cookie.TTL / time.Second)

	return func(c *gin.Context) {
		if navigationOnly && !IsNavigation(c.Request) {
			c.Next()
			return
		}

		sessionID, err := c.Cookie(cookie.CookieName)
		if err != nil || !validSessionID(sessionID) {
			sessionID = uuid.New().String()
		}

		// Refreshed on every request so the cookie expires with the registry.
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cookie.CookieName, sessionID, maxAge, "/", "", cookie.Secure, true)
		c.Set(SessionIDKey, sessionID)

		c.Next()
	}
}

// IsNavigation reports whether r is a page load that expects HTML
func IsNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == fetch.ModeNavigate {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Logger provides structured logging for requests
func (m *Middleware) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		// Skip logging for health checks
		switch path {
		case m.config.Monitoring.HealthCheckPath, m.config.Monitoring.ReadinessPath, m.config.Monitoring.LivenessPath:
			return
		}

		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		if raw != "" {
			path = path + "?" + raw
		}

		fields := []zap.Field{
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Int("status", statusCode),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()),
		}

		switch {
		case statusCode >= 500:
			m.logger.Error("Server error", append(fields, zap.String("error", errorMessage))...)
		case statusCode >= 400:
			m.logger.Warn("Client error", append(fields, zap.String("error", errorMessage))...)
		default:
			m.logger.Info("Request processed", fields...)
		}
	}
}

// Recovery recovers from panics and logs them
func (m *Middleware) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("Panic recovered",
					zap.String("request_id", c.GetString(RequestIDKey)),
					zap.Any("error", err),
					zap.String("stack", string(debug.Stack())),
				)

				appErr := errors.NewInternalError("")
				c.AbortWithStatusJSON(appErr.StatusCode(), errors.ToErrorResponse(appErr, c.GetString(RequestIDKey)))
			}
		}()

		c.Next()
	}
}

// RateLimit applies the edge-wide rate limit
func (m *Middleware) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.config.RateLimit.Enable {
			c.Next()
			return
		}

		if !m.limiter.Allow() {
			m.logger.Warn("Rate limit exceeded",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
			)

			appErr := errors.NewAppError(errors.CodeTooManyRequests, "Rate limit exceeded", "")
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(appErr.StatusCode(), errors.ToErrorResponse(appErr, c.GetString(RequestIDKey)))
			return
		}

		c.Next()
	}
}

// Tracing adds distributed tracing
func (m *Middleware) Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.config.Monitoring.EnableTracing {
			c.Next()
			return
		}

		ctx, span := m.tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.url", c.Request.URL.String()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("request.id", c.GetString(RequestIDKey)),
		)

		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
	}
}

// Security sets headers for the pipeline's own endpoints. Proxied responses
// keep the upstream's headers.
func (m *Middleware) Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// Metrics records request counts and latency
func (m *Middleware) Metrics() gin.HandlerFunc {
	return m.metrics.HTTPMiddleware()
}

// ErrorHandler renders errors attached by handlers as AppError responses
func (m *Middleware) ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.Wrap(c.Errors.Last().Err, "An unexpected error occurred")

		m.logger.Debug("Request error",
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("code", string(appErr.Code)),
			zap.String("message", appErr.Message),
			zap.String("details", appErr.Details),
		)

		c.JSON(appErr.StatusCode(), errors.ToErrorResponse(appErr, c.GetString(RequestIDKey)))
	}
}

func validSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
