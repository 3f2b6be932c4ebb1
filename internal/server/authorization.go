package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nerves76/promptreviews-sub034/internal/accountcontext"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
)

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeActionWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, strings.TrimSpace(object), strings.TrimSpace(action))
}

func actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	if c == nil {
		return authorization.Actor{}, false
	}
	ctx := c.Request.Context()
	accountID, ok := accountcontext.AccountIDFromContext(ctx)
	if !ok {
		return authorization.Actor{}, false
	}
	return authorization.Actor{
		Type: authorization.ActorTypeAccount,
		ID:   accountID,
		Role: accountcontext.RoleFromContext(ctx),
	}, true
}

// accountFromRequest returns the caller's account. A body account that names
// someone else is forbidden.
func accountFromRequest(c *gin.Context, bodyAccountID string) (string, error) {
	accountID, ok := accountcontext.AccountIDFromContext(c.Request.Context())
	if !ok {
		return "", ErrUnauthorized
	}
	bodyAccountID = strings.TrimSpace(bodyAccountID)
	if bodyAccountID != "" && bodyAccountID != accountID {
		return "", ErrForbidden
	}
	return accountID, nil
}
