package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nerves76/promptreviews-sub034/internal/accountcontext"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	obscontext "github.com/nerves76/promptreviews-sub034/internal/observability/context"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	"go.uber.org/zap"
)

// accountClaims is the token shape issued to account holders. Subject
// carries the account id.
type accountClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AccountAuthRequired resolves the calling account from an HS256 bearer token.
func (s *Server) AccountAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || len(s.jwtSecret) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := parseAccountToken(token, s.jwtSecret, time.Now())
		if err != nil {
			obslogger.FromContext(c.Request.Context()).Debug("account token rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		ctx = accountcontext.WithAccountID(ctx, claims.Subject)
		ctx = accountcontext.WithRole(ctx, claims.Role)
		ctx = obscontext.WithAccountID(ctx, claims.Subject)
		ctx = obscontext.WithActor(ctx, authorization.ActorTypeAccount, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CronAuthRequired admits only callers presenting the shared cron secret.
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || len(s.cronSecret) == 0 ||
			subtle.ConstantTimeCompare([]byte(token), s.cronSecret) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), authorization.ActorTypeSystem, "cron")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func parseAccountToken(raw string, secret []byte, now time.Time) (*accountClaims, error) {
	claims := accountClaims{}
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithLeeway(time.Minute), jwt.WithTimeFunc(func() time.Time { return now.UTC() }))
	if err != nil {
		return nil, fmt.Errorf("parse account token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid account token")
	}
	claims.Subject = strings.TrimSpace(claims.Subject)
	if claims.Subject == "" {
		return nil, errors.New("account token has no subject")
	}
	return &claims, nil
}
