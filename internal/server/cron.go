package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunDispatcher runs one dispatcher invocation for a cron trigger. The body
// carries every sub-job result; the status is 500 only when all of them failed.
func (s *Server) RunDispatcher(c *gin.Context) {
	if s.dispatcher == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	// Sub-jobs run to their own budgets even if the trigger disconnects.
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := s.dispatcher.Dispatch(ctx, c.Param("dispatcher"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if res.Summary.Total > 0 && res.Summary.Succeeded == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, res)
}
