package ledger

import "time"

const (
	operationEnsure   = "ensure_account"
	operationReserve  = "reserve"
	operationConfirm  = "confirm"
	operationRollback = "rollback"
	operationExpire   = "expire"
	operationGrant    = "grant"
	operationFinish   = "finish_grant"
	operationCheckout = "checkout"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	operationStatusSettled   = "already_settled"
	operationStatusDenied    = "insufficient_credits"

	// FreeGrantCredits is the allowance every account starts with.
	FreeGrantCredits Credits = 3
	// FreeCreditCap bounds the informational free_credits_used counter.
	FreeCreditCap Credits = 3

	defaultReservationTTL = 15 * time.Minute
	defaultRetryAttempts  = 3
	defaultRetryBackoff   = 25 * time.Millisecond
	defaultReconcileBatch = 100
)
