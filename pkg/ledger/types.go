package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Credits counts whole transformation credits.
type Credits int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// PackageID identifies a credit package in the catalog.
type PackageID struct {
	value string
}

// SessionRef is the payment provider's checkout session identifier.
type SessionRef struct {
	value string
}

// ReservationStatus defines reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending    ReservationStatus = "pending"
	ReservationStatusConfirmed  ReservationStatus = "confirmed"
	ReservationStatusRolledBack ReservationStatus = "rolled_back"
)

// PurchaseStatus defines purchase lifecycle.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

func (id UserID) isZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// NewSessionRef validates and normalizes a payment session reference.
func NewSessionRef(raw string) (SessionRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionRef{}, fmt.Errorf("%w: empty value", ErrInvalidSessionRef)
	}
	return SessionRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref SessionRef) String() string {
	return ref.value
}

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates a strictly positive credit count.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusPending:
		return ReservationStatusPending, nil
	case ReservationStatusConfirmed:
		return ReservationStatusConfirmed, nil
	case ReservationStatusRolledBack:
		return ReservationStatusRolledBack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// Settled reports whether the reservation reached a terminal state.
func (status ReservationStatus) Settled() bool {
	return status == ReservationStatusConfirmed || status == ReservationStatusRolledBack
}

// ParsePurchaseStatus validates a stored purchase status.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(strings.TrimSpace(raw)) {
	case PurchaseStatusPending:
		return PurchaseStatusPending, nil
	case PurchaseStatusCompleted:
		return PurchaseStatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
	}
}

// String returns the stored representation.
func (status PurchaseStatus) String() string {
	return string(status)
}

// Reservation is a hold on one credit for one pending paid action.
type Reservation struct {
	reservationID    ReservationID
	userID           UserID
	status           ReservationStatus
	createdUnixUTC   int64
	expiresAtUnixUTC int64
}

// NewReservation validates reservation fields.
func NewReservation(reservationID ReservationID, userID UserID, status ReservationStatus, createdUnixUTC int64, expiresAtUnixUTC int64) (Reservation, error) {
	if reservationID.value == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if userID.isZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseReservationStatus(status.String()); err != nil {
		return Reservation{}, err
	}
	if expiresAtUnixUTC < createdUnixUTC {
		return Reservation{}, fmt.Errorf("%w: expiry precedes creation", ErrInvalidReservationTTL)
	}
	return Reservation{
		reservationID:    reservationID,
		userID:           userID,
		status:           status,
		createdUnixUTC:   createdUnixUTC,
		expiresAtUnixUTC: expiresAtUnixUTC,
	}, nil
}

// ReservationID returns the reservation identifier.
func (reservation Reservation) ReservationID() ReservationID {
	return reservation.reservationID
}

// UserID returns the owning user.
func (reservation Reservation) UserID() UserID {
	return reservation.userID
}

// Status returns the lifecycle state.
func (reservation Reservation) Status() ReservationStatus {
	return reservation.status
}

// CreatedUnixUTC returns the creation time in unix seconds.
func (reservation Reservation) CreatedUnixUTC() int64 {
	return reservation.createdUnixUTC
}

// ExpiresAtUnixUTC returns when the hold lapses, in unix seconds.
func (reservation Reservation) ExpiresAtUnixUTC() int64 {
	return reservation.expiresAtUnixUTC
}

// WithStatus returns a copy of the reservation in the given state.
func (reservation Reservation) WithStatus(status ReservationStatus) Reservation {
	reservation.status = status
	return reservation
}

// Account is the per-user credit row.
type Account struct {
	UserID          UserID
	TotalCredits    Credits
	UsedCredits     Credits
	HeldCredits     Credits
	FreeCreditsUsed Credits
}

// Available returns total minus used minus held, floored at zero.
func (account Account) Available() Credits {
	available := account.TotalCredits - account.UsedCredits - account.HeldCredits
	if available < 0 {
		return 0
	}
	return available
}

// Balance projects the account into its public view.
func (account Account) Balance() Balance {
	return Balance{
		TotalCredits:     account.TotalCredits,
		UsedCredits:      account.UsedCredits,
		HeldCredits:      account.HeldCredits,
		FreeCreditsUsed:  account.FreeCreditsUsed,
		AvailableCredits: account.Available(),
	}
}

// Balance view for an account.
type Balance struct {
	TotalCredits     Credits
	UsedCredits      Credits
	HeldCredits      Credits
	FreeCreditsUsed  Credits
	AvailableCredits Credits
}

// CreditPackage is a purchasable catalog item.
type CreditPackage struct {
	ID       PackageID
	Name     string
	Credits  Credits
	Price    string
	Currency string
	PriceRef string
	Active   bool
}

// PriceMinorUnits parses Price as an integer amount in minor currency units.
func (creditPackage CreditPackage) PriceMinorUnits() (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(creditPackage.Price), 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: price %q", ErrInvalidPackage, creditPackage.Price)
	}
	return value, nil
}

// Validate checks the package fields required for sale.
func (creditPackage CreditPackage) Validate() error {
	if creditPackage.ID.value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	if strings.TrimSpace(creditPackage.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPackage)
	}
	if creditPackage.Credits <= 0 {
		return fmt.Errorf("%w: credits must be positive", ErrInvalidPackage)
	}
	if _, err := creditPackage.PriceMinorUnits(); err != nil {
		return err
	}
	return nil
}

// Purchase records one payment session and whether its credits were applied.
type Purchase struct {
	PurchaseID       string
	SessionRef       SessionRef
	PaymentIntentRef string
	UserID           UserID
	PackageID        PackageID
	AmountPaid       int64
	Credits          Credits
	Status           PurchaseStatus
	CreditsApplied   bool
	CompletedUnixUTC int64
	Metadata         map[string]string
}

// PaymentEvent is a verified payment confirmation from the payment provider.
type PaymentEvent struct {
	SessionRef       SessionRef
	PaymentIntentRef string
	UserID           UserID
	PackageID        PackageID
	Credits          Credits
	AmountPaid       int64
	// Metadata carries the provider-side session metadata verbatim.
	Metadata map[string]string
}

// NewPaymentEvent validates the fields a grant needs.
func NewPaymentEvent(sessionRef SessionRef, paymentIntentRef string, userID UserID, packageID PackageID, credits Credits, amountPaid int64) (PaymentEvent, error) {
	if sessionRef.value == "" {
		return PaymentEvent{}, fmt.Errorf("%w: empty value", ErrInvalidSessionRef)
	}
	if userID.isZero() {
		return PaymentEvent{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if packageID.value == "" {
		return PaymentEvent{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	if credits <= 0 {
		return PaymentEvent{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if amountPaid < 0 {
		return PaymentEvent{}, fmt.Errorf("%w: negative amount paid", ErrInvalidPaymentEvent)
	}
	return PaymentEvent{
		SessionRef:       sessionRef,
		PaymentIntentRef: strings.TrimSpace(paymentIntentRef),
		UserID:           userID,
		PackageID:        packageID,
		Credits:          credits,
		AmountPaid:       amountPaid,
	}, nil
}

// Store is the persistence contract used by Service.
// Every method runs against the current transaction when called on a txStore.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	EnsureAccount(ctx context.Context, userID UserID, freeGrant Credits) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	// HoldCredit increments held_credits when at least one credit is available and reports whether it did.
	HoldCredit(ctx context.Context, userID UserID) (bool, error)
	ReleaseHeldCredit(ctx context.Context, userID UserID) error
	ConsumeHeldCredit(ctx context.Context, userID UserID, freeCreditCap Credits) error
	AddTotalCredits(ctx context.Context, userID UserID, credits Credits) error

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, userID UserID, reservationID ReservationID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, userID UserID, reservationID ReservationID, from, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Reservation, error)

	CountPackages(ctx context.Context) (int64, error)
	InsertPackages(ctx context.Context, packages []CreditPackage) error
	ListPackages(ctx context.Context, activeOnly bool) ([]CreditPackage, error)
	GetPackage(ctx context.Context, packageID PackageID) (CreditPackage, error)
	UpdatePackagePriceRef(ctx context.Context, packageID PackageID, priceRef string) error

	// CreatePurchase reports ErrDuplicatePurchase for a taken session_ref and leaves the transaction usable.
	CreatePurchase(ctx context.Context, purchase Purchase) error
	GetPurchase(ctx context.Context, sessionRef SessionRef) (Purchase, error)
	CompletePurchase(ctx context.Context, purchase Purchase) error
	// MarkPurchaseApplied flips credits_applied from false to true and reports whether it did.
	MarkPurchaseApplied(ctx context.Context, sessionRef SessionRef) (bool, error)
	ListUnappliedPurchases(ctx context.Context, limit int) ([]Purchase, error)
}
