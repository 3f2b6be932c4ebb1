package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type createBatchRunRequest struct {
	AccountID               string            `json:"accountId"`
	Items                   []json.RawMessage `json:"items"`
	EstimatedCreditsPerItem *int64            `json:"estimatedCreditsPerItem"`
}

type createBatchRunResponse struct {
	RunID            string `json:"runId"`
	BatchType        string `json:"batchType"`
	Status           string `json:"status"`
	TotalItems       int    `json:"totalItems"`
	EstimatedCredits int64  `json:"estimatedCredits"`
	CreditsRemaining int64  `json:"creditsRemaining"`
	Replayed         bool   `json:"replayed,omitempty"`
}

func (s *Server) CreateBatchRun(c *gin.Context) {
	batchType, err := batchdomain.ParseBatchType(c.Param("batchType"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createBatchRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := accountFromRequest(c, req.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.runSvc.CreateRun(c.Request.Context(), batchdomain.CreateRunRequest{
		AccountID:      accountID,
		BatchType:      batchType,
		Items:          req.Items,
		CreditsPerItem: req.EstimatedCreditsPerItem,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createBatchRunResponse{
		RunID:            res.Run.ID.String(),
		BatchType:        string(res.Run.BatchType),
		Status:           string(res.Run.Status),
		TotalItems:       res.Run.TotalItems,
		EstimatedCredits: res.EstimatedCredits,
		CreditsRemaining: res.CreditsRemaining,
		Replayed:         res.Replayed,
	})
}

func (s *Server) ListBatchRuns(c *gin.Context) {
	accountID, err := accountFromRequest(c, "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var batchType batchdomain.BatchType
	if raw := strings.TrimSpace(c.Query("batchType")); raw != "" {
		batchType, err = batchdomain.ParseBatchType(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	limit, offset, err := parsePage(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	list, err := s.statusSvc.ListRuns(c.Request.Context(), accountID, batchType, limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) GetBatchRunStatus(c *gin.Context) {
	accountID, err := accountFromRequest(c, "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Malformed ids cannot name a run.
	runID, err := parseSnowflakeID(c.Param("runId"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	st, err := s.statusSvc.GetRunStatus(c.Request.Context(), accountID, runID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
