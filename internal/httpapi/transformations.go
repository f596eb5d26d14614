package httpapi

import (
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/inkledger/internal/transform"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type transformationRequest struct {
	Mode       string            `json:"mode"`
	Images     []string          `json:"images"`
	Parameters map[string]string `json:"parameters"`
}

func (handler *httpHandler) handleTransformation(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request transformationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	mode, err := transform.ParseMode(request.Mode)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_mode", err.Error()))
		return
	}
	result, err := handler.fulfiller.Fulfill(ctx.Request.Context(), userID, transform.Request{
		Mode:       mode,
		Images:     request.Images,
		Parameters: request.Parameters,
	})
	if err != nil {
		handler.writeFulfillmentError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"output_url":        result.OutputURL,
		"reservation_id":    result.ReservationID.String(),
		"remaining_credits": result.RemainingCredits.Int64(),
		"unbilled":          result.Unbilled,
	})
}

// rateLimit rejects callers over the per-user window. Limiter failures let the request through.
func (handler *httpHandler) rateLimit(route string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if handler.limiter == nil {
			ctx.Next()
			return
		}
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		decision, err := handler.limiter.Allow(ctx.Request.Context(), claims.GetUserID(), route)
		if err != nil {
			handler.logger.Warn("rate limiter unavailable", zap.String("route", route), zap.Error(err))
			ctx.Next()
			return
		}
		if !decision.Allowed {
			handler.metrics.RecordRateLimited(route)
			ctx.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}
