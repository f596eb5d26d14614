package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/inkledger/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// writeLedgerError maps ledger failures onto client and infrastructure statuses.
func (handler *httpHandler) writeLedgerError(ctx *gin.Context, action string, err error) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, errorResponseWithRemaining("insufficient_credits", "not enough credits", insufficient.Remaining))
	case errors.Is(err, ledger.ErrUnknownReservation):
		ctx.JSON(http.StatusNotFound, errorResponse("reservation_not_found", "reservation not found"))
	case errors.Is(err, ledger.ErrReservationSettled):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_settled", "reservation already settled"))
	case errors.Is(err, ledger.ErrUnknownPackage):
		ctx.JSON(http.StatusNotFound, errorResponse("package_not_found", "package not found"))
	case errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidReservationID),
		errors.Is(err, ledger.ErrInvalidPackageID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_unavailable", action+" failed"))
	}
}

// writeFulfillmentError maps orchestrator failures. None of them debit a credit.
func (handler *httpHandler) writeFulfillmentError(ctx *gin.Context, err error) {
	var fulfillmentError *fulfillment.Error
	if !errors.As(err, &fulfillmentError) {
		handler.writeLedgerError(ctx, "transformation", err)
		return
	}
	switch fulfillmentError.Kind {
	case fulfillment.KindInvalid:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", fulfillmentError.Err.Error()))
	case fulfillment.KindInsufficientCredits:
		ctx.JSON(http.StatusPaymentRequired, errorResponseWithRemaining("insufficient_credits", "not enough credits", fulfillmentError.Remaining))
	case fulfillment.KindRateLimited:
		ctx.Header("Retry-After", strconv.Itoa(fulfillmentError.RetryAfterSeconds))
		ctx.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":                "provider_rate_limited",
				"message":             "transformation provider is busy",
				"retry_after_seconds": fulfillmentError.RetryAfterSeconds,
			},
		})
	case fulfillment.KindTimeout:
		ctx.JSON(http.StatusGatewayTimeout, errorResponse("provider_timeout", "transformation timed out"))
	case fulfillment.KindCanceled:
		ctx.JSON(http.StatusRequestTimeout, errorResponse("request_canceled", "request canceled"))
	default:
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_failed", "transformation failed"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func errorResponseWithRemaining(code string, message string, remaining ledger.Credits) gin.H {
	return gin.H{
		"error": gin.H{
			"code":              code,
			"message":           message,
			"remaining_credits": remaining.Int64(),
		},
	}
}
