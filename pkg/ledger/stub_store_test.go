package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

type stubStore struct {
	txMutex      sync.Mutex
	accounts     map[string]Account
	reservations map[string]Reservation
	packages     []CreditPackage
	purchases    map[string]Purchase

	transientFailures      int
	withTxCalls            int
	ensureAccountError     error
	holdCreditError        error
	createReservationError error
	getReservationError    error
	updateReservationError error
	consumeError           error
	releaseError           error
	createPurchaseError    error
	markAppliedError       error
	addCreditsError        error
	listExpiredError       error

	// concurrentPurchase lands just before the next CreatePurchase, as another delivery committing first.
	concurrentPurchase *Purchase
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[string]Account),
		reservations: make(map[string]Reservation),
		purchases:    make(map[string]Purchase),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.withTxCalls++
	if store.transientFailures > 0 {
		store.transientFailures--
		return WrapError("store", "tx", "serialization", ErrTransientConflict)
	}
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	accounts     map[string]Account
	reservations map[string]Reservation
	purchases    map[string]Purchase
	packages     []CreditPackage
}

func (store *stubStore) snapshot() stubSnapshot {
	snapshot := stubSnapshot{
		accounts:     make(map[string]Account, len(store.accounts)),
		reservations: make(map[string]Reservation, len(store.reservations)),
		purchases:    make(map[string]Purchase, len(store.purchases)),
		packages:     append([]CreditPackage(nil), store.packages...),
	}
	for key, value := range store.accounts {
		snapshot.accounts[key] = value
	}
	for key, value := range store.reservations {
		snapshot.reservations[key] = value
	}
	for key, value := range store.purchases {
		snapshot.purchases[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.accounts = snapshot.accounts
	store.reservations = snapshot.reservations
	store.purchases = snapshot.purchases
	store.packages = snapshot.packages
}

func (store *stubStore) EnsureAccount(ctx context.Context, userID UserID, freeGrant Credits) (Account, error) {
	if store.ensureAccountError != nil {
		return Account{}, store.ensureAccountError
	}
	account, ok := store.accounts[userID.String()]
	if !ok {
		account = Account{UserID: userID, TotalCredits: freeGrant}
		store.accounts[userID.String()] = account
	}
	return account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	account, ok := store.accounts[userID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) HoldCredit(ctx context.Context, userID UserID) (bool, error) {
	if store.holdCreditError != nil {
		return false, store.holdCreditError
	}
	account, ok := store.accounts[userID.String()]
	if !ok || account.TotalCredits-account.UsedCredits-account.HeldCredits < 1 {
		return false, nil
	}
	account.HeldCredits++
	store.accounts[userID.String()] = account
	return true, nil
}

func (store *stubStore) ReleaseHeldCredit(ctx context.Context, userID UserID) error {
	if store.releaseError != nil {
		return store.releaseError
	}
	account := store.accounts[userID.String()]
	if account.HeldCredits > 0 {
		account.HeldCredits--
	}
	store.accounts[userID.String()] = account
	return nil
}

func (store *stubStore) ConsumeHeldCredit(ctx context.Context, userID UserID, freeCreditCap Credits) error {
	if store.consumeError != nil {
		return store.consumeError
	}
	account := store.accounts[userID.String()]
	account.UsedCredits++
	if account.HeldCredits > 0 {
		account.HeldCredits--
	}
	if account.FreeCreditsUsed < freeCreditCap {
		account.FreeCreditsUsed++
	}
	store.accounts[userID.String()] = account
	return nil
}

func (store *stubStore) AddTotalCredits(ctx context.Context, userID UserID, credits Credits) error {
	if store.addCreditsError != nil {
		return store.addCreditsError
	}
	account, ok := store.accounts[userID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	account.TotalCredits += credits
	store.accounts[userID.String()] = account
	return nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	if store.createReservationError != nil {
		return store.createReservationError
	}
	key := reservation.ReservationID().String()
	if _, exists := store.reservations[key]; exists {
		return ErrReservationExists
	}
	store.reservations[key] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, userID UserID, reservationID ReservationID) (Reservation, error) {
	if store.getReservationError != nil {
		return Reservation{}, store.getReservationError
	}
	reservation, ok := store.reservations[reservationID.String()]
	if !ok || reservation.UserID() != userID {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, userID UserID, reservationID ReservationID, from, to ReservationStatus) error {
	if store.updateReservationError != nil {
		return store.updateReservationError
	}
	reservation, ok := store.reservations[reservationID.String()]
	if !ok || reservation.UserID() != userID {
		return ErrUnknownReservation
	}
	if reservation.Status() != from {
		return ErrReservationSettled
	}
	store.reservations[reservationID.String()] = reservation.WithStatus(to)
	return nil
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Reservation, error) {
	if store.listExpiredError != nil {
		return nil, store.listExpiredError
	}
	var expired []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status() == ReservationStatusPending && reservation.ExpiresAtUnixUTC() <= atUnixUTC {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ReservationID().String() < expired[right].ReservationID().String()
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) CountPackages(ctx context.Context) (int64, error) {
	return int64(len(store.packages)), nil
}

func (store *stubStore) InsertPackages(ctx context.Context, packages []CreditPackage) error {
	store.packages = append(store.packages, packages...)
	return nil
}

func (store *stubStore) ListPackages(ctx context.Context, activeOnly bool) ([]CreditPackage, error) {
	var out []CreditPackage
	for _, creditPackage := range store.packages {
		if activeOnly && !creditPackage.Active {
			continue
		}
		out = append(out, creditPackage)
	}
	return out, nil
}

func (store *stubStore) GetPackage(ctx context.Context, packageID PackageID) (CreditPackage, error) {
	for _, creditPackage := range store.packages {
		if creditPackage.ID == packageID {
			return creditPackage, nil
		}
	}
	return CreditPackage{}, ErrUnknownPackage
}

func (store *stubStore) UpdatePackagePriceRef(ctx context.Context, packageID PackageID, priceRef string) error {
	for index := range store.packages {
		if store.packages[index].ID == packageID {
			store.packages[index].PriceRef = priceRef
			return nil
		}
	}
	return ErrUnknownPackage
}

func (store *stubStore) CreatePurchase(ctx context.Context, purchase Purchase) error {
	if store.createPurchaseError != nil {
		return store.createPurchaseError
	}
	if store.concurrentPurchase != nil {
		store.purchases[store.concurrentPurchase.SessionRef.String()] = *store.concurrentPurchase
		store.concurrentPurchase = nil
	}
	if _, exists := store.purchases[purchase.SessionRef.String()]; exists {
		return ErrDuplicatePurchase
	}
	store.purchases[purchase.SessionRef.String()] = purchase
	return nil
}

func (store *stubStore) GetPurchase(ctx context.Context, sessionRef SessionRef) (Purchase, error) {
	purchase, ok := store.purchases[sessionRef.String()]
	if !ok {
		return Purchase{}, ErrUnknownPurchase
	}
	return purchase, nil
}

func (store *stubStore) CompletePurchase(ctx context.Context, purchase Purchase) error {
	existing, ok := store.purchases[purchase.SessionRef.String()]
	if !ok {
		return ErrUnknownPurchase
	}
	purchase.CreditsApplied = existing.CreditsApplied
	store.purchases[purchase.SessionRef.String()] = purchase
	return nil
}

func (store *stubStore) MarkPurchaseApplied(ctx context.Context, sessionRef SessionRef) (bool, error) {
	if store.markAppliedError != nil {
		return false, store.markAppliedError
	}
	purchase, ok := store.purchases[sessionRef.String()]
	if !ok || purchase.Status != PurchaseStatusCompleted || purchase.CreditsApplied {
		return false, nil
	}
	purchase.CreditsApplied = true
	store.purchases[sessionRef.String()] = purchase
	return true, nil
}

func (store *stubStore) ListUnappliedPurchases(ctx context.Context, limit int) ([]Purchase, error) {
	var out []Purchase
	for _, purchase := range store.purchases {
		if purchase.Status == PurchaseStatusCompleted && !purchase.CreditsApplied {
			out = append(out, purchase)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (store *stubStore) account(test *testing.T, userID UserID) Account {
	test.Helper()
	account, ok := store.accounts[userID.String()]
	if !ok {
		test.Fatalf("account %s not found", userID.String())
	}
	return account
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID.String())
	}
	return reservation
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(defaultRetryAttempts, 0)}, options...)
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustPackageID(test *testing.T, raw string) PackageID {
	test.Helper()
	value, err := NewPackageID(raw)
	if err != nil {
		test.Fatalf("package id: %v", err)
	}
	return value
}

func mustSessionRef(test *testing.T, raw string) SessionRef {
	test.Helper()
	value, err := NewSessionRef(raw)
	if err != nil {
		test.Fatalf("session ref: %v", err)
	}
	return value
}

func mustReservationRecord(test *testing.T, reservationID ReservationID, userID UserID, status ReservationStatus, expiresAtUnixUTC int64) Reservation {
	test.Helper()
	reservation, err := NewReservation(reservationID, userID, status, 0, expiresAtUnixUTC)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	return reservation
}

func mustPaymentEvent(test *testing.T, sessionRef string, userID UserID, credits Credits) PaymentEvent {
	test.Helper()
	event, err := NewPaymentEvent(mustSessionRef(test, sessionRef), "pi_"+sessionRef, userID, mustPackageID(test, "popular"), credits, 1299)
	if err != nil {
		test.Fatalf("payment event: %v", err)
	}
	return event
}
