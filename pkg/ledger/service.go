package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the reservation state machine over a Store.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	reservationTTL   time.Duration
	retryAttempts    int
	retryBackoff     time.Duration
	newReservationID func() string
}

// RollbackResult reports the outcome of a rollback.
type RollbackResult struct {
	AlreadySettled bool
	Balance        Balance
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		reservationTTL:   defaultReservationTTL,
		retryAttempts:    defaultRetryAttempts,
		retryBackoff:     defaultRetryBackoff,
		newReservationID: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.reservationTTL <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReservationTTL, service.reservationTTL)
	}
	if service.retryAttempts < 1 {
		return nil, fmt.Errorf("%w: retry attempts must be at least one", ErrInvalidServiceConfig)
	}
	if service.newReservationID == nil {
		return nil, fmt.Errorf("%w: reservation id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// GrantRecorder exposes payment grant operations sharing this service's store.
func (service *Service) GrantRecorder() *GrantRecorder {
	return &GrantRecorder{service: service}
}

// Catalog exposes credit package operations sharing this service's store.
func (service *Service) Catalog() *Catalog {
	return &Catalog{service: service}
}

// EnsureAccount creates the account with the free grant when it does not exist yet.
func (service *Service) EnsureAccount(ctx context.Context, userID UserID) (Balance, error) {
	var balance Balance
	operationError := service.withRetry(ctx, func() error {
		account, err := service.store.EnsureAccount(ctx, userID, FreeGrantCredits)
		if err != nil {
			return err
		}
		balance = account.Balance()
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsure,
		UserID:    userID,
		Error:     operationError,
	})
	return balance, operationError
}

// Balance returns the account counters, creating the account on first access.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	var balance Balance
	err := service.withRetry(ctx, func() error {
		account, err := service.store.EnsureAccount(ctx, userID, FreeGrantCredits)
		if err != nil {
			return err
		}
		balance = account.Balance()
		return nil
	})
	return balance, err
}

// Reserve holds one credit for a pending paid operation.
// The availability check and the hold are one conditional update.
func (service *Service) Reserve(ctx context.Context, userID UserID) (Reservation, Balance, error) {
	var (
		reservation Reservation
		balance     Balance
		denied      bool
	)
	operationError := service.withRetry(ctx, func() error {
		denied = false
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.EnsureAccount(ctx, userID, FreeGrantCredits); err != nil {
				return err
			}
			held, err := transactionStore.HoldCredit(ctx, userID)
			if err != nil {
				return err
			}
			if !held {
				account, err := transactionStore.GetAccount(ctx, userID)
				if err != nil {
					return err
				}
				balance = account.Balance()
				denied = true
				return nil
			}
			reservationID, err := NewReservationID(service.newReservationID())
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			expiresAtUnixUTC := nowUnixUTC + int64(service.reservationTTL/time.Second)
			reservation, err = NewReservation(reservationID, userID, ReservationStatusPending, nowUnixUTC, expiresAtUnixUTC)
			if err != nil {
				return err
			}
			if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
				return err
			}
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			balance = account.Balance()
			return nil
		})
	})
	if operationError == nil && denied {
		operationError = &InsufficientCreditsError{Remaining: balance.AvailableCredits}
	}
	logEntry := OperationLog{
		Operation:     operationReserve,
		UserID:        userID,
		ReservationID: reservation.ReservationID(),
		Credits:       balance.AvailableCredits,
		Error:         operationError,
	}
	if denied {
		logEntry.Status = operationStatusDenied
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return Reservation{}, balance, operationError
	}
	return reservation, balance, nil
}

// Confirm settles a pending reservation and debits exactly one credit.
func (service *Service) Confirm(ctx context.Context, userID UserID, reservationID ReservationID) (Balance, error) {
	var balance Balance
	operationError := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := transactionStore.GetReservation(ctx, userID, reservationID)
			if err != nil {
				return err
			}
			if reservation.Status().Settled() {
				return ErrReservationSettled
			}
			if err := transactionStore.UpdateReservationStatus(ctx, userID, reservationID, ReservationStatusPending, ReservationStatusConfirmed); err != nil {
				return err
			}
			if err := transactionStore.ConsumeHeldCredit(ctx, userID, FreeCreditCap); err != nil {
				return err
			}
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			balance = account.Balance()
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationConfirm,
		UserID:        userID,
		ReservationID: reservationID,
		Credits:       balance.AvailableCredits,
		Error:         operationError,
	})
	return balance, operationError
}

// Rollback releases a pending reservation without debiting.
// Rolling back a settled reservation succeeds without touching the account.
func (service *Service) Rollback(ctx context.Context, userID UserID, reservationID ReservationID) (RollbackResult, error) {
	var result RollbackResult
	operationError := service.withRetry(ctx, func() error {
		result = RollbackResult{}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			settled, err := rollbackPending(ctx, transactionStore, userID, reservationID)
			if err != nil {
				return err
			}
			result.AlreadySettled = settled
			account, err := transactionStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			result.Balance = account.Balance()
			return nil
		})
	})
	logEntry := OperationLog{
		Operation:     operationRollback,
		UserID:        userID,
		ReservationID: reservationID,
		Credits:       result.Balance.AvailableCredits,
		Error:         operationError,
	}
	if operationError == nil && result.AlreadySettled {
		logEntry.Status = operationStatusSettled
	}
	service.logOperation(ctx, logEntry)
	return result, operationError
}

// ExpireReservations rolls back pending reservations whose hold expired and returns how many were released.
func (service *Service) ExpireReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultReconcileBatch
	}
	expired, err := service.store.ListExpiredReservations(ctx, service.nowFn(), limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, reservation := range expired {
		var settled bool
		operationError := service.withRetry(ctx, func() error {
			return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
				var err error
				settled, err = rollbackPending(ctx, transactionStore, reservation.UserID(), reservation.ReservationID())
				return err
			})
		})
		logEntry := OperationLog{
			Operation:     operationExpire,
			UserID:        reservation.UserID(),
			ReservationID: reservation.ReservationID(),
			Error:         operationError,
		}
		if operationError == nil && settled {
			logEntry.Status = operationStatusSettled
		}
		service.logOperation(ctx, logEntry)
		if operationError != nil {
			return released, operationError
		}
		if !settled {
			released++
		}
	}
	return released, nil
}

func rollbackPending(ctx context.Context, transactionStore Store, userID UserID, reservationID ReservationID) (bool, error) {
	reservation, err := transactionStore.GetReservation(ctx, userID, reservationID)
	if err != nil {
		return false, err
	}
	if reservation.Status().Settled() {
		return true, nil
	}
	err = transactionStore.UpdateReservationStatus(ctx, userID, reservationID, ReservationStatusPending, ReservationStatusRolledBack)
	if errors.Is(err, ErrReservationSettled) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := transactionStore.ReleaseHeldCredit(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (service *Service) withRetry(ctx context.Context, operation func() error) error {
	var err error
	for attempt := 1; attempt <= service.retryAttempts; attempt++ {
		err = operation()
		if err == nil || !errors.Is(err, ErrTransientConflict) || attempt == service.retryAttempts {
			return err
		}
		timer := time.NewTimer(service.retryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
