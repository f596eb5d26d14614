package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/inkledger/internal/payments"
	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	webhookApplied   = "applied"
	webhookDuplicate = "duplicate"
	webhookIgnored   = "ignored"
	webhookInvalid   = "invalid"
	webhookMismatch  = "mismatch"
	webhookError     = "error"
)

type checkoutRequest struct {
	PackageID string `json:"package_id"`
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	if handler.checkout == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("checkout_disabled", "checkout is not configured"))
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	packageID, err := ledger.NewPackageID(strings.TrimSpace(request.PackageID))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_package_id", "package_id is required"))
		return
	}
	creditPackage, err := handler.catalog.GetPackage(ctx.Request.Context(), packageID)
	if err != nil {
		handler.writeLedgerError(ctx, "checkout", err)
		return
	}
	if !creditPackage.Active {
		ctx.JSON(http.StatusNotFound, errorResponse("package_not_found", "package not found"))
		return
	}
	created, err := handler.checkout.CreateCheckout(ctx.Request.Context(), userID, creditPackage)
	if err != nil {
		handler.logger.Error("checkout session failed", zap.String("package_id", packageID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_failed", "failed to create checkout session"))
		return
	}
	sessionRef, err := ledger.NewSessionRef(created.ID)
	if err != nil {
		handler.logger.Error("checkout session without id", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_failed", "failed to create checkout session"))
		return
	}
	if _, err := handler.grants.RecordCheckout(ctx.Request.Context(), userID, packageID, sessionRef); err != nil {
		handler.writeLedgerError(ctx, "checkout", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": created.URL, "session_id": created.ID})
}

// handleStripeWebhook answers 2xx for everything that must not be redelivered,
// and 5xx only when the ledger could not record a valid payment.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	if handler.webhooks == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("webhook_disabled", "webhook not configured"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, payments.MaxPayloadBytes))
	if err != nil {
		handler.metrics.RecordWebhook(webhookInvalid)
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := handler.webhooks.ParseEvent(body, ctx.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrIgnoredEvent):
		handler.metrics.RecordWebhook(webhookIgnored)
		ctx.JSON(http.StatusOK, gin.H{"status": webhookIgnored})
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		handler.metrics.RecordWebhook(webhookInvalid)
		handler.logger.Warn("stripe webhook signature failed", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	case err != nil:
		handler.metrics.RecordWebhook(webhookInvalid)
		handler.logger.Warn("stripe webhook payload rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "payment event is incomplete"))
		return
	}

	result, err := handler.grants.ApplyPaymentSuccess(ctx.Request.Context(), event)
	if errors.Is(err, ledger.ErrPurchaseMismatch) {
		handler.metrics.RecordWebhook(webhookMismatch)
		handler.logger.Error("payment session belongs to another user",
			zap.Bool("ledger_mismatch", true),
			zap.String("session_ref", event.SessionRef.String()),
			zap.String("user_id", event.UserID.String()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusOK, gin.H{"status": webhookMismatch})
		return
	}
	if err != nil {
		handler.metrics.RecordWebhook(webhookError)
		handler.logger.Error("payment grant failed", zap.String("session_ref", event.SessionRef.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_unavailable", "grant failed"))
		return
	}
	status := webhookApplied
	if result.Duplicate {
		status = webhookDuplicate
	}
	handler.metrics.RecordWebhook(status)
	ctx.JSON(http.StatusOK, gin.H{
		"status":        status,
		"total_credits": result.Balance.TotalCredits.Int64(),
	})
}
