package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tubechat/tubechat-backend/internal/apierrors"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/ratelimit"
)

// Gin context keys for request identity.
const (
	ctxUserID    = "user_id"
	ctxUserEmail = "user_email"
	ctxPremium   = "premium"
)

// abortError renders a classified error and stops the handler chain.
func (s *Server) abortError(c *gin.Context, apiErr *apierrors.APIError) {
	s.respondError(c, apiErr)
	c.Abort()
}

// requireAPIKey rejects requests without the shared X-API-KEY secret.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-KEY")
		if key == "" {
			s.abortError(c, apierrors.Unauthorized("X-API-KEY header is required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.BackendAPIKey)) != 1 {
			s.abortError(c, apierrors.Forbidden("invalid API key"))
			return
		}
		c.Next()
	}
}

// identity attaches the caller's identity headers and a request id to the
// gin and request contexts.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-Id")
		userEmail := c.GetHeader("X-User-Email")
		premium := c.GetHeader("X-User-Tier") == "premium"

		c.Set(ctxUserID, userID)
		c.Set(ctxUserEmail, userEmail)
		c.Set(ctxPremium, premium)

		ctx := context.WithValue(c.Request.Context(), logger.ContextKeyRequestID, uuid.New().String())
		if userID != "" {
			ctx = context.WithValue(ctx, logger.ContextKeyUserID, userID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// rateLimit enforces the sliding-window limits for one action and records
// the event when the request is admitted.
func (s *Server) rateLimit(action ratelimit.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ctxUserID)
		premium := c.GetBool(ctxPremium)
		identifier, class := ratelimit.Identify(c.Request, userID, premium)

		result := s.limiter.Check(c.Request.Context(), identifier, action, class)
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(maxInt64(result.Remaining, 0), 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			rlErr := &apierrors.RateLimitError{
				Limit:   result.Limit,
				Window:  result.Window,
				ResetAt: result.ResetAt,
			}
			c.JSON(http.StatusTooManyRequests, rlErr.Body())
			c.Abort()
			return
		}

		s.limiter.Record(c.Request.Context(), identifier, action)
		c.Next()
	}
}

// requestLog emits one structured line per request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"client_ip", ratelimit.ClientIP(c.Request))
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
