package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReserveHoldsOneCreditForNewAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithReservationIDGenerator(func() string { return "res-1" }))
	userID := mustUserID(test, "user-1")

	reservation, balance, err := service.Reserve(context.Background(), userID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.ReservationID().String() != "res-1" {
		test.Fatalf("unexpected reservation id %q", reservation.ReservationID().String())
	}
	if reservation.Status() != ReservationStatusPending {
		test.Fatalf("expected pending reservation, got %s", reservation.Status())
	}
	if reservation.ExpiresAtUnixUTC() != 100+int64(defaultReservationTTL/time.Second) {
		test.Fatalf("unexpected expiry %d", reservation.ExpiresAtUnixUTC())
	}
	if balance.TotalCredits != FreeGrantCredits || balance.HeldCredits != 1 || balance.AvailableCredits != 2 {
		test.Fatalf("unexpected balance %+v", balance)
	}
	account := store.account(test, userID)
	if account.UsedCredits != 0 {
		test.Fatalf("reserve must not debit, used=%d", account.UsedCredits)
	}
}

func TestReserveInsufficientCreditsReportsRemaining(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "broke-user")
	store.accounts[userID.String()] = Account{UserID: userID, TotalCredits: 3, UsedCredits: 3}
	service := mustNewService(test, store)

	_, _, err := service.Reserve(context.Background(), userID)
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var insufficientError *InsufficientCreditsError
	if !errors.As(err, &insufficientError) {
		test.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficientError.Remaining != 0 {
		test.Fatalf("expected zero remaining, got %d", insufficientError.Remaining)
	}
	if len(store.reservations) != 0 {
		test.Fatalf("expected no reservation, got %d", len(store.reservations))
	}
}

func TestReserveCountsPendingHoldsAgainstAvailability(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "one-credit")
	store.accounts[userID.String()] = Account{UserID: userID, TotalCredits: 3, UsedCredits: 2}
	service := mustNewService(test, store)

	if _, _, err := service.Reserve(context.Background(), userID); err != nil {
		test.Fatalf("first reserve: %v", err)
	}
	if _, _, err := service.Reserve(context.Background(), userID); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected second reserve to be denied, got %v", err)
	}
}

func TestConcurrentReservesNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "race-user")
	store.accounts[userID.String()] = Account{UserID: userID, TotalCredits: 3, UsedCredits: 2}
	service := mustNewService(test, store)

	const workers = 8
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		successes int
	)
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, _, err := service.Reserve(context.Background(), userID)
			if err == nil {
				mutex.Lock()
				successes++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	if successes != 1 {
		test.Fatalf("expected exactly one successful reserve, got %d", successes)
	}
}

func TestConfirmDebitsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "confirm-user")

	reservation, _, err := service.Reserve(context.Background(), userID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	balance, err := service.Confirm(context.Background(), userID, reservation.ReservationID())
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if balance.UsedCredits != 1 || balance.HeldCredits != 0 || balance.AvailableCredits != 2 || balance.FreeCreditsUsed != 1 {
		test.Fatalf("unexpected balance after confirm %+v", balance)
	}
	if _, err := service.Confirm(context.Background(), userID, reservation.ReservationID()); !errors.Is(err, ErrReservationSettled) {
		test.Fatalf("expected ErrReservationSettled on second confirm, got %v", err)
	}
	if account := store.account(test, userID); account.UsedCredits != 1 {
		test.Fatalf("second confirm must not debit, used=%d", account.UsedCredits)
	}
	if status := store.mustReservation(test, reservation.ReservationID()).Status(); status != ReservationStatusConfirmed {
		test.Fatalf("expected confirmed, got %s", status)
	}
}

func TestConfirmUnknownReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	_, err := service.Confirm(context.Background(), userID, mustReservationID(test, "missing"))
	if !errors.Is(err, ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestConfirmRejectsOtherUsersReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	owner := mustUserID(test, "owner")
	intruder := mustUserID(test, "intruder")

	reservation, _, err := service.Reserve(context.Background(), owner)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Confirm(context.Background(), intruder, reservation.ReservationID()); !errors.Is(err, ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestFreeCreditsUsedCapsAtThree(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "heavy-user")
	store.accounts[userID.String()] = Account{UserID: userID, TotalCredits: 10}
	service := mustNewService(test, store)

	for attempt := 0; attempt < 5; attempt++ {
		reservation, _, err := service.Reserve(context.Background(), userID)
		if err != nil {
			test.Fatalf("reserve %d: %v", attempt, err)
		}
		if _, err := service.Confirm(context.Background(), userID, reservation.ReservationID()); err != nil {
			test.Fatalf("confirm %d: %v", attempt, err)
		}
	}
	account := store.account(test, userID)
	if account.UsedCredits != 5 || account.FreeCreditsUsed != FreeCreditCap {
		test.Fatalf("unexpected account %+v", account)
	}
}

func TestRollbackReleasesHoldWithoutDebit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "rollback-user")

	reservation, _, err := service.Reserve(context.Background(), userID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	result, err := service.Rollback(context.Background(), userID, reservation.ReservationID())
	if err != nil {
		test.Fatalf("rollback: %v", err)
	}
	if result.AlreadySettled {
		test.Fatalf("expected fresh rollback")
	}
	if result.Balance.UsedCredits != 0 || result.Balance.HeldCredits != 0 || result.Balance.AvailableCredits != FreeGrantCredits {
		test.Fatalf("unexpected balance %+v", result.Balance)
	}
	again, err := service.Rollback(context.Background(), userID, reservation.ReservationID())
	if err != nil {
		test.Fatalf("second rollback: %v", err)
	}
	if !again.AlreadySettled {
		test.Fatalf("expected second rollback to report settled")
	}
	if _, err := service.Confirm(context.Background(), userID, reservation.ReservationID()); !errors.Is(err, ErrReservationSettled) {
		test.Fatalf("expected confirm after rollback to fail, got %v", err)
	}
}

func TestRollbackAfterConfirmIsNoop(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "settled-user")

	reservation, _, err := service.Reserve(context.Background(), userID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Confirm(context.Background(), userID, reservation.ReservationID()); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	result, err := service.Rollback(context.Background(), userID, reservation.ReservationID())
	if err != nil {
		test.Fatalf("rollback: %v", err)
	}
	if !result.AlreadySettled || result.Balance.UsedCredits != 1 {
		test.Fatalf("unexpected rollback result %+v", result)
	}
}

func TestRollbackUnknownReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Rollback(context.Background(), mustUserID(test, "user-1"), mustReservationID(test, "nope"))
	if !errors.Is(err, ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestBalanceCreatesAccountWithFreeGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	balance, err := service.Balance(context.Background(), mustUserID(test, "fresh"))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.TotalCredits != FreeGrantCredits || balance.AvailableCredits != FreeGrantCredits {
		test.Fatalf("unexpected balance %+v", balance)
	}
}

func TestEnsureAccountIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "ensure-user")

	for attempt := 0; attempt < 3; attempt++ {
		balance, err := service.EnsureAccount(context.Background(), userID)
		if err != nil {
			test.Fatalf("ensure: %v", err)
		}
		if balance.TotalCredits != FreeGrantCredits {
			test.Fatalf("expected free grant only once, got %d", balance.TotalCredits)
		}
	}
}

func TestExpireReservationsReleasesStaleHolds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "stale-user")
	store.accounts[userID.String()] = Account{UserID: userID, TotalCredits: 3, HeldCredits: 2}
	stale := mustReservationRecord(test, mustReservationID(test, "stale"), userID, ReservationStatusPending, 50)
	fresh := mustReservationRecord(test, mustReservationID(test, "fresh"), userID, ReservationStatusPending, 500)
	store.reservations["stale"] = stale
	store.reservations["fresh"] = fresh
	service := mustNewService(test, store)

	released, err := service.ExpireReservations(context.Background(), 10)
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if released != 1 {
		test.Fatalf("expected one released hold, got %d", released)
	}
	if status := store.mustReservation(test, stale.ReservationID()).Status(); status != ReservationStatusRolledBack {
		test.Fatalf("expected stale reservation rolled back, got %s", status)
	}
	if status := store.mustReservation(test, fresh.ReservationID()).Status(); status != ReservationStatusPending {
		test.Fatalf("expected fresh reservation pending, got %s", status)
	}
	if account := store.account(test, userID); account.HeldCredits != 1 || account.UsedCredits != 0 {
		test.Fatalf("unexpected account %+v", account)
	}
}

func TestTransientConflictsAreRetried(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.transientFailures = 2
	service := mustNewService(test, store)

	if _, _, err := service.Reserve(context.Background(), mustUserID(test, "retry-user")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if store.withTxCalls != 3 {
		test.Fatalf("expected three attempts, got %d", store.withTxCalls)
	}
}

func TestTransientConflictsGiveUpAfterAttempts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.transientFailures = 5
	service := mustNewService(test, store)

	_, _, err := service.Reserve(context.Background(), mustUserID(test, "retry-user"))
	if !errors.Is(err, ErrTransientConflict) {
		test.Fatalf("expected ErrTransientConflict, got %v", err)
	}
	if store.withTxCalls != defaultRetryAttempts {
		test.Fatalf("expected %d attempts, got %d", defaultRetryAttempts, store.withTxCalls)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	store := newStubStore(test)
	_, err = NewService(store, nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(store, func() int64 { return 0 }, WithReservationTTL(0))
	if !errors.Is(err, ErrInvalidReservationTTL) {
		test.Fatalf("expected invalid ttl error, got %v", err)
	}
	_, err = NewService(store, func() int64 { return 0 }, WithRetryPolicy(0, time.Millisecond))
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid retry policy error, got %v", err)
	}
}
