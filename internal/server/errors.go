package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/schema"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	"github.com/nerves76/promptreviews-sub034/internal/dispatcher"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// insufficientCreditsBody is the one error body clients match on verbatim.
var insufficientCreditsBody = gin.H{"error": metering.CodeInsufficientCredits}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		c.Header("Content-Type", "application/json")
		if isInsufficientCredits(lastErr.Err) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, insufficientCreditsBody)
			return
		}
		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func isInsufficientCredits(err error) bool {
	if errors.Is(err, creditdomain.ErrInsufficientCredits) {
		return true
	}
	var merr *metering.Error
	return errors.As(err, &merr) && merr.Code == metering.CodeInsufficientCredits
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var payloadErr *schema.ValidationError
	if errors.As(err, &payloadErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid item payload",
			Errors:  payloadValidationErrors(payloadErr),
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, batchdomain.ErrIdempotencyConflict),
		errors.Is(err, creditdomain.ErrIdempotencyConflict),
		errors.Is(err, batchdomain.ErrRunTerminal):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, dispatcher.ErrDispatchInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "dispatch_in_progress",
			Message: "another invocation of this dispatcher is running",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, batchdomain.ErrBatchTypeUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "batch_type_unavailable",
			Message: "no worker is configured for this batch type",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	}

	var merr *metering.Error
	if errors.As(err, &merr) {
		return merr.Status, errorPayload{
			Type:    merr.Code,
			Message: strings.ReplaceAll(merr.Code, "_", " "),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the error type and code the request log records.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if isInsufficientCredits(err) {
		return "payment_required", metering.CodeInsufficientCredits
	}
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return http.StatusText(status), code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func payloadValidationErrors(err *schema.ValidationError) []ValidationError {
	out := make([]ValidationError, 0, len(err.Errors))
	for _, item := range err.Errors {
		field := fmt.Sprintf("items[%d]", item.Index)
		if item.Path != "" && item.Path != "(root)" {
			field += "." + item.Path
		}
		out = append(out, ValidationError{
			Field:   field,
			Code:    batchdomain.ErrInvalidPayload.Error(),
			Message: item.Message,
		})
	}
	return out
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, batchdomain.ErrInvalidBatchType),
		errors.Is(err, batchdomain.ErrInvalidAccount),
		errors.Is(err, batchdomain.ErrInvalidItems),
		errors.Is(err, batchdomain.ErrTooManyItems),
		errors.Is(err, batchdomain.ErrInvalidPayload),
		errors.Is(err, batchdomain.ErrInvalidCreditsPerItem),
		errors.Is(err, batchdomain.ErrInvalidRun),
		errors.Is(err, creditdomain.ErrInvalidAccount),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, creditdomain.ErrInvalidTransactionType):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, batchdomain.ErrRunNotFound),
		errors.Is(err, creditdomain.ErrAccountNotFound),
		errors.Is(err, dispatcher.ErrUnknownDispatcher),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, known := range []error{
		ErrInvalidRequest,
		batchdomain.ErrInvalidBatchType,
		batchdomain.ErrInvalidAccount,
		batchdomain.ErrInvalidItems,
		batchdomain.ErrTooManyItems,
		batchdomain.ErrInvalidPayload,
		batchdomain.ErrInvalidCreditsPerItem,
		batchdomain.ErrInvalidRun,
		creditdomain.ErrInvalidAccount,
		creditdomain.ErrInvalidAmount,
		creditdomain.ErrInvalidIdempotencyKey,
		creditdomain.ErrInvalidTransactionType,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "too_many_items":
		return "items"
	case "invalid_credits_per_item":
		return "estimatedCreditsPerItem"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "too_many_items":
		return fmt.Sprintf("a run accepts at most %d items", batchdomain.MaxItemsPerRun)
	case "invalid_credits_per_item":
		return "estimatedCreditsPerItem must be at least the configured cost"
	default:
		return "invalid value"
	}
}
