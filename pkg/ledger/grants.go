package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GrantRecorder applies purchased credits exactly once per payment session.
type GrantRecorder struct {
	service *Service
}

// GrantResult reports the outcome of a payment grant.
type GrantResult struct {
	Purchase  Purchase
	Duplicate bool
	Balance   Balance
}

// RecordCheckout stores a pending purchase for a newly created checkout session.
func (recorder *GrantRecorder) RecordCheckout(ctx context.Context, userID UserID, packageID PackageID, sessionRef SessionRef) (Purchase, error) {
	service := recorder.service
	var purchase Purchase
	operationError := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.EnsureAccount(ctx, userID, FreeGrantCredits); err != nil {
				return err
			}
			creditPackage, err := transactionStore.GetPackage(ctx, packageID)
			if err != nil {
				return err
			}
			amount, err := creditPackage.PriceMinorUnits()
			if err != nil {
				return err
			}
			purchase = Purchase{
				PurchaseID: uuid.NewString(),
				SessionRef: sessionRef,
				UserID:     userID,
				PackageID:  packageID,
				AmountPaid: amount,
				Credits:    creditPackage.Credits,
				Status:     PurchaseStatusPending,
				Metadata:   map[string]string{"package_id": packageID.String()},
			}
			return transactionStore.CreatePurchase(ctx, purchase)
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationCheckout,
		UserID:     userID,
		SessionRef: sessionRef,
		Credits:    purchase.Credits,
		Error:      operationError,
	})
	if operationError != nil {
		return Purchase{}, operationError
	}
	return purchase, nil
}

// ApplyPaymentSuccess records a completed payment and grants its credits once.
// The purchase is claimed first and credits are applied in a second transaction
// guarded by credits_applied, so replays and crashes between the steps never double grant.
func (recorder *GrantRecorder) ApplyPaymentSuccess(ctx context.Context, event PaymentEvent) (GrantResult, error) {
	service := recorder.service
	if event.SessionRef.value == "" || event.UserID.isZero() || event.Credits <= 0 {
		return GrantResult{}, fmt.Errorf("%w: incomplete event", ErrInvalidPaymentEvent)
	}
	var result GrantResult
	claimError := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return claimPurchase(ctx, transactionStore, event, service.nowFn())
		})
	})
	if claimError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:  operationGrant,
			UserID:     event.UserID,
			SessionRef: event.SessionRef,
			Credits:    event.Credits,
			Error:      claimError,
		})
		return GrantResult{}, claimError
	}
	applied, purchase, balance, applyError := recorder.applyCredits(ctx, event.SessionRef)
	result = GrantResult{Purchase: purchase, Duplicate: !applied, Balance: balance}
	logEntry := OperationLog{
		Operation:  operationGrant,
		UserID:     event.UserID,
		SessionRef: event.SessionRef,
		Credits:    event.Credits,
		Error:      applyError,
	}
	if applyError == nil && result.Duplicate {
		logEntry.Status = operationStatusDuplicate
	}
	service.logOperation(ctx, logEntry)
	if applyError != nil {
		return GrantResult{}, applyError
	}
	return result, nil
}

// FinishPendingGrants applies credits for purchases that completed but were never applied.
func (recorder *GrantRecorder) FinishPendingGrants(ctx context.Context, limit int) (int, error) {
	service := recorder.service
	if limit <= 0 {
		limit = defaultReconcileBatch
	}
	pending, err := service.store.ListUnappliedPurchases(ctx, limit)
	if err != nil {
		return 0, err
	}
	finished := 0
	for _, purchase := range pending {
		applied, _, _, applyError := recorder.applyCredits(ctx, purchase.SessionRef)
		service.logOperation(ctx, OperationLog{
			Operation:  operationFinish,
			UserID:     purchase.UserID,
			SessionRef: purchase.SessionRef,
			Credits:    purchase.Credits,
			Error:      applyError,
		})
		if applyError != nil {
			return finished, applyError
		}
		if applied {
			finished++
		}
	}
	return finished, nil
}

func claimPurchase(ctx context.Context, transactionStore Store, event PaymentEvent, nowUnixUTC int64) error {
	if _, err := transactionStore.EnsureAccount(ctx, event.UserID, FreeGrantCredits); err != nil {
		return err
	}
	completed := Purchase{
		SessionRef:       event.SessionRef,
		PaymentIntentRef: event.PaymentIntentRef,
		UserID:           event.UserID,
		PackageID:        event.PackageID,
		AmountPaid:       event.AmountPaid,
		Credits:          event.Credits,
		Status:           PurchaseStatusCompleted,
		CompletedUnixUTC: nowUnixUTC,
		Metadata:         event.Metadata,
	}
	existing, err := transactionStore.GetPurchase(ctx, event.SessionRef)
	if errors.Is(err, ErrUnknownPurchase) {
		completed.PurchaseID = uuid.NewString()
		createError := transactionStore.CreatePurchase(ctx, completed)
		if !errors.Is(createError, ErrDuplicatePurchase) {
			return createError
		}
		// A concurrent delivery inserted the session first; check its row like any existing one.
		existing, err = transactionStore.GetPurchase(ctx, event.SessionRef)
	}
	if err != nil {
		return err
	}
	if existing.UserID != event.UserID {
		return fmt.Errorf("%w: session %s belongs to another user", ErrPurchaseMismatch, event.SessionRef)
	}
	if existing.Status == PurchaseStatusCompleted {
		return nil
	}
	completed.PurchaseID = existing.PurchaseID
	return transactionStore.CompletePurchase(ctx, completed)
}

func (recorder *GrantRecorder) applyCredits(ctx context.Context, sessionRef SessionRef) (bool, Purchase, Balance, error) {
	service := recorder.service
	var (
		applied  bool
		purchase Purchase
		balance  Balance
	)
	err := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			changed, err := transactionStore.MarkPurchaseApplied(ctx, sessionRef)
			if err != nil {
				return err
			}
			applied = changed
			purchase, err = transactionStore.GetPurchase(ctx, sessionRef)
			if err != nil {
				return err
			}
			if changed {
				if err := transactionStore.AddTotalCredits(ctx, purchase.UserID, purchase.Credits); err != nil {
					return err
				}
			}
			account, err := transactionStore.GetAccount(ctx, purchase.UserID)
			if err != nil {
				return err
			}
			balance = account.Balance()
			return nil
		})
	})
	return applied, purchase, balance, err
}
