package httpapi

import (
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type reservationRequest struct {
	ReservationID string `json:"reservation_id"`
}

type balancePayload struct {
	TotalCredits     int64 `json:"total_credits"`
	UsedCredits      int64 `json:"used_credits"`
	HeldCredits      int64 `json:"held_credits"`
	FreeCreditsUsed  int64 `json:"free_credits_used"`
	AvailableCredits int64 `json:"available_credits"`
}

type packagePayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages, err := handler.catalog.ListPackages(ctx.Request.Context(), true)
	if err != nil {
		handler.writeLedgerError(ctx, "list packages", err)
		return
	}
	payload := make([]packagePayload, 0, len(packages))
	for _, creditPackage := range packages {
		payload = append(payload, packagePayload{
			ID:       creditPackage.ID.String(),
			Name:     creditPackage.Name,
			Credits:  creditPackage.Credits.Int64(),
			Price:    creditPackage.Price,
			Currency: creditPackage.Currency,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.writeLedgerError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, toBalancePayload(balance))
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	reservation, balance, err := handler.service.Reserve(ctx.Request.Context(), userID)
	if err != nil {
		handler.writeLedgerError(ctx, "reserve", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation_id":    reservation.ReservationID().String(),
		"remaining_credits": balance.AvailableCredits.Int64(),
		"expires_unix_utc":  reservation.ExpiresAtUnixUTC(),
	})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	userID, reservationID, ok := handler.bindReservation(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Confirm(ctx.Request.Context(), userID, reservationID)
	if err != nil {
		handler.writeLedgerError(ctx, "confirm", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"remaining_credits": balance.AvailableCredits.Int64()})
}

func (handler *httpHandler) handleRollback(ctx *gin.Context) {
	userID, reservationID, ok := handler.bindReservation(ctx)
	if !ok {
		return
	}
	result, err := handler.service.Rollback(ctx.Request.Context(), userID, reservationID)
	if err != nil {
		handler.writeLedgerError(ctx, "rollback", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"already_settled":   result.AlreadySettled,
		"remaining_credits": result.Balance.AvailableCredits.Int64(),
	})
}

func (handler *httpHandler) bindReservation(ctx *gin.Context) (ledger.UserID, ledger.ReservationID, bool) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return ledger.UserID{}, ledger.ReservationID{}, false
	}
	var request reservationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return ledger.UserID{}, ledger.ReservationID{}, false
	}
	reservationID, err := ledger.NewReservationID(strings.TrimSpace(request.ReservationID))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "reservation_id is required"))
		return ledger.UserID{}, ledger.ReservationID{}, false
	}
	return userID, reservationID, true
}

func (handler *httpHandler) requireUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		handler.logger.Warn("session without user id", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func toBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		TotalCredits:     balance.TotalCredits.Int64(),
		UsedCredits:      balance.UsedCredits.Int64(),
		HeldCredits:      balance.HeldCredits.Int64(),
		FreeCreditsUsed:  balance.FreeCreditsUsed.Int64(),
		AvailableCredits: balance.AvailableCredits.Int64(),
	}
}
