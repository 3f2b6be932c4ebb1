package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nerves76/promptreviews-sub034/internal/accountcontext"
	"github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	"github.com/nerves76/promptreviews-sub034/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonAccountRate = "account-rate"

// RunCreateRateLimit applies the per-account token bucket to run creation.
func (s *Server) RunCreateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.runLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		accountID, ok := accountcontext.AccountIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		endpoint := normalizeRateLimitEndpoint(c)

		res, err := s.runLimiter.Allow(ctx, accountID)
		if err != nil {
			logger.FromContext(ctx).Warn("run create rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		writeRateLimitHeaders(c, res)
		if !res.Allowed {
			denyRunCreateRateLimit(c, endpoint, res, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, res *ratelimit.Result) {
	if res == nil || res.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
}

func denyRunCreateRateLimit(c *gin.Context, endpoint string, res *ratelimit.Result, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("run create rate limit exceeded",
		zap.String("reason", rateLimitReasonAccountRate),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, rateLimitReasonAccountRate, metrics)

	retryAfter := 1
	if res != nil && res.RetryAfter > 0 {
		retryAfter = int(math.Ceil(res.RetryAfter.Seconds()))
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonAccountRate)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
