package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nerves76/promptreviews-sub034/internal/accountcontext"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ledgerEntryResponse struct {
	ID              string         `json:"id"`
	Amount          int64          `json:"amount"`
	BalanceAfter    int64          `json:"balanceAfter"`
	CreditType      string         `json:"creditType"`
	TransactionType string         `json:"transactionType"`
	FeatureType     string         `json:"featureType,omitempty"`
	FeatureMetadata datatypes.JSON `json:"featureMetadata,omitempty"`
	Description     string         `json:"description,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

type grantCreditsRequest struct {
	AccountID       string `json:"accountId"`
	Amount          int64  `json:"amount"`
	TransactionType string `json:"transactionType"`
	IdempotencyKey  string `json:"idempotencyKey"`
	Description     string `json:"description"`
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	accountID, err := accountFromRequest(c, "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.statusSvc.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId":        accountID,
		"creditsRemaining": balance,
	})
}

func (s *Server) ListCreditLedger(c *gin.Context) {
	accountID, err := accountFromRequest(c, "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit, offset, err := parsePage(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.statusSvc.GetLedger(c.Request.Context(), accountID, creditdomain.ListLedgerRequest{
		Limit:       limit,
		Offset:      offset,
		FeatureType: strings.TrimSpace(c.Query("featureType")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries := make([]ledgerEntryResponse, 0, len(res.Entries))
	for _, entry := range res.Entries {
		entries = append(entries, ledgerEntryResponse{
			ID:              entry.ID.String(),
			Amount:          entry.Amount,
			BalanceAfter:    entry.BalanceAfter,
			CreditType:      entry.CreditType,
			TransactionType: string(entry.TransactionType),
			FeatureType:     entry.FeatureType,
			FeatureMetadata: entry.FeatureMetadata,
			Description:     entry.Description,
			CreatedAt:       entry.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   res.Total,
	})
}

// GrantCredits adds purchased or granted credits to any account. Only
// admins hold the credits.grant permission.
func (s *Server) GrantCredits(c *gin.Context) {
	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	target := strings.TrimSpace(req.AccountID)
	if target == "" {
		target, _ = accountcontext.AccountIDFromContext(ctx)
	}

	txType := creditdomain.TransactionType(strings.ToLower(strings.TrimSpace(req.TransactionType)))
	switch txType {
	case "":
		txType = creditdomain.TransactionTypeGrant
	case creditdomain.TransactionTypeGrant, creditdomain.TransactionTypePurchase:
	default:
		AbortWithError(c, creditdomain.ErrInvalidTransactionType)
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	}

	res, err := s.creditSvc.Credit(ctx, creditdomain.CreditRequest{
		AccountID:       target,
		Amount:          req.Amount,
		IdempotencyKey:  key,
		TransactionType: txType,
		Description:     strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	granter, _ := accountcontext.AccountIDFromContext(ctx)
	obslogger.WithAccount(ctx, s.log, target).Info("credits.granted",
		zap.String("granted_by", granter),
		zap.String("transaction_type", string(txType)),
		zap.Int64("amount", req.Amount),
		zap.Bool("replayed", res.Replayed),
	)

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"entryId":          res.Entry.ID.String(),
		"accountId":        target,
		"creditsRemaining": res.NewBalance,
		"replayed":         res.Replayed,
	})
}
