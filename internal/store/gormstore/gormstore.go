package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	sqliteConstraintCode    = 19
	tablePurchases          = "credit_purchases"
	tableReservations       = "credit_reservations"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectReservation = "reservation"
	errorSubjectPackage     = "package"
	errorSubjectPurchase    = "purchase"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeHold           = "hold"
	errorCodeRelease        = "release"
	errorCodeConsume        = "consume"
	errorCodeGrant          = "grant"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeCount          = "count"
	errorCodeEnsure         = "ensure"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if err != nil && isTransient(err) && !errors.Is(err, ledger.ErrTransientConflict) {
		return wrapStoreError("transaction", "commit", err)
	}
	return err
}

func (store *Store) EnsureAccount(ctx context.Context, userID ledger.UserID, freeGrant ledger.Credits) (ledger.Account, error) {
	account := CreditAccount{UserID: userID.String(), TotalCredits: freeGrant.Int64()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return store.GetAccount(ctx, userID)
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) HoldCredit(ctx context.Context, userID ledger.UserID) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND total_credits - used_credits - held_credits >= 1", userID.String()).
		Update("held_credits", gorm.Expr("held_credits + 1"))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeHold, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ReleaseHeldCredit(ctx context.Context, userID ledger.UserID) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND held_credits > 0", userID.String()).
		Update("held_credits", gorm.Expr("held_credits - 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeRelease, result.Error)
	}
	return nil
}

func (store *Store) ConsumeHeldCredit(ctx context.Context, userID ledger.UserID, freeCreditCap ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"used_credits":      gorm.Expr("used_credits + 1"),
			"held_credits":      gorm.Expr("CASE WHEN held_credits > 0 THEN held_credits - 1 ELSE 0 END"),
			"free_credits_used": gorm.Expr("CASE WHEN free_credits_used < ? THEN free_credits_used + 1 ELSE free_credits_used END", freeCreditCap.Int64()),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeConsume, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeConsume, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) AddTotalCredits(ctx context.Context, userID ledger.UserID, credits ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		Update("total_credits", gorm.Expr("total_credits + ?", credits.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeGrant, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGrant, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := CreditReservation{
		ReservationID: reservation.ReservationID().String(),
		UserID:        reservation.UserID().String(),
		Status:        reservation.Status().String(),
		ExpiresAt:     time.Unix(reservation.ExpiresAtUnixUTC(), 0).UTC(),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, tableReservations) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var model CreditReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND reservation_id = ?", userID.String(), reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID, from, to ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Where("user_id = ? AND reservation_id = ? AND status = ?", userID.String(), reservationID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationSettled)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	var rows []CreditReservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", ledger.ReservationStatusPending.String(), time.Unix(atUnixUTC, 0).UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) CountPackages(ctx context.Context) (int64, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(&CreditPackage{}).Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectPackage, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertPackages(ctx context.Context, packages []ledger.CreditPackage) error {
	models := make([]CreditPackage, 0, len(packages))
	for _, creditPackage := range packages {
		models = append(models, CreditPackage{
			PackageID: creditPackage.ID.String(),
			Name:      creditPackage.Name,
			Credits:   creditPackage.Credits.Int64(),
			Price:     creditPackage.Price,
			Currency:  creditPackage.Currency,
			PriceRef:  creditPackage.PriceRef,
			Active:    creditPackage.Active,
		})
	}
	if err := store.db.WithContext(ctx).Create(&models).Error; err != nil {
		return wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ListPackages(ctx context.Context, activeOnly bool) ([]ledger.CreditPackage, error) {
	query := store.db.WithContext(ctx).Order("credits ASC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rows []CreditPackage
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	packages := make([]ledger.CreditPackage, 0, len(rows))
	for _, row := range rows {
		creditPackage, err := mapPackage(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
		}
		packages = append(packages, creditPackage)
	}
	return packages, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID ledger.PackageID) (ledger.CreditPackage, error) {
	var model CreditPackage
	err := store.db.WithContext(ctx).Where("package_id = ?", packageID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrUnknownPackage)
		}
		return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	creditPackage, err := mapPackage(model)
	if err != nil {
		return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	return creditPackage, nil
}

func (store *Store) UpdatePackagePriceRef(ctx context.Context, packageID ledger.PackageID, priceRef string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditPackage{}).
		Where("package_id = ?", packageID.String()).
		Update("price_ref", priceRef)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPackage, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPackage, errorCodeUpdate, ledger.ErrUnknownPackage)
	}
	return nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase ledger.Purchase) error {
	metadata, err := encodeMetadata(purchase.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	model := CreditPurchase{
		PurchaseID:       purchase.PurchaseID,
		SessionRef:       purchase.SessionRef.String(),
		UserID:           purchase.UserID.String(),
		PackageID:        purchase.PackageID.String(),
		PaymentIntentRef: purchase.PaymentIntentRef,
		Amount:           purchase.AmountPaid,
		Credits:          purchase.Credits.Int64(),
		Status:           purchase.Status.String(),
		CreditsApplied:   purchase.CreditsApplied,
		Metadata:         metadata,
		CompletedAt:      unixOrNil(purchase.CompletedUnixUTC),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_ref"}}, DoNothing: true}).
		Create(&model)
	if isUniqueConflict(result.Error, tablePurchases) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrDuplicatePurchase)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrDuplicatePurchase)
	}
	return nil
}

func (store *Store) GetPurchase(ctx context.Context, sessionRef ledger.SessionRef) (ledger.Purchase, error) {
	var model CreditPurchase
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_ref = ?", sessionRef.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, ledger.ErrUnknownPurchase)
		}
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	purchase, err := mapPurchase(model)
	if err != nil {
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchase, nil
}

func (store *Store) CompletePurchase(ctx context.Context, purchase ledger.Purchase) error {
	metadata, err := encodeMetadata(purchase.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditPurchase{}).
		Where("session_ref = ? AND status = ?", purchase.SessionRef.String(), ledger.PurchaseStatusPending.String()).
		Updates(map[string]interface{}{
			"status":             ledger.PurchaseStatusCompleted.String(),
			"payment_intent_ref": purchase.PaymentIntentRef,
			"package_id":         purchase.PackageID.String(),
			"amount":             purchase.AmountPaid,
			"credits":            purchase.Credits.Int64(),
			"metadata":           metadata,
			"completed_at":       unixOrNil(purchase.CompletedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, ledger.ErrUnknownPurchase)
	}
	return nil
}

func (store *Store) MarkPurchaseApplied(ctx context.Context, sessionRef ledger.SessionRef) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditPurchase{}).
		Where("session_ref = ? AND status = ? AND credits_applied = ?", sessionRef.String(), ledger.PurchaseStatusCompleted.String(), false).
		Update("credits_applied", true)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ListUnappliedPurchases(ctx context.Context, limit int) ([]ledger.Purchase, error) {
	var rows []CreditPurchase
	err := store.db.WithContext(ctx).
		Where("status = ? AND credits_applied = ?", ledger.PurchaseStatusCompleted.String(), false).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]ledger.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase, err := mapPurchase(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isTransient(err) && !errors.Is(err, ledger.ErrTransientConflict) {
		err = fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model CreditAccount) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		UserID:          userID,
		TotalCredits:    ledger.Credits(model.TotalCredits),
		UsedCredits:     ledger.Credits(model.UsedCredits),
		HeldCredits:     ledger.Credits(model.HeldCredits),
		FreeCreditsUsed: ledger.Credits(model.FreeCreditsUsed),
	}, nil
}

func mapReservation(model CreditReservation) (ledger.Reservation, error) {
	reservationID, err := ledger.NewReservationID(model.ReservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.NewReservation(reservationID, userID, status, model.CreatedAt.Unix(), model.ExpiresAt.Unix())
}

func mapPackage(model CreditPackage) (ledger.CreditPackage, error) {
	packageID, err := ledger.NewPackageID(model.PackageID)
	if err != nil {
		return ledger.CreditPackage{}, err
	}
	credits, err := ledger.NewPositiveCredits(model.Credits)
	if err != nil {
		return ledger.CreditPackage{}, err
	}
	return ledger.CreditPackage{
		ID:       packageID,
		Name:     model.Name,
		Credits:  credits,
		Price:    model.Price,
		Currency: model.Currency,
		PriceRef: model.PriceRef,
		Active:   model.Active,
	}, nil
}

func mapPurchase(model CreditPurchase) (ledger.Purchase, error) {
	sessionRef, err := ledger.NewSessionRef(model.SessionRef)
	if err != nil {
		return ledger.Purchase{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Purchase{}, err
	}
	packageID, err := ledger.NewPackageID(model.PackageID)
	if err != nil {
		return ledger.Purchase{}, err
	}
	credits, err := ledger.NewPositiveCredits(model.Credits)
	if err != nil {
		return ledger.Purchase{}, err
	}
	status, err := ledger.ParsePurchaseStatus(model.Status)
	if err != nil {
		return ledger.Purchase{}, err
	}
	var metadata map[string]string
	if len(model.Metadata) > 0 {
		if err := json.Unmarshal(model.Metadata, &metadata); err != nil {
			return ledger.Purchase{}, err
		}
	}
	var completedUnixUTC int64
	if model.CompletedAt != nil {
		completedUnixUTC = model.CompletedAt.Unix()
	}
	return ledger.Purchase{
		PurchaseID:       model.PurchaseID,
		SessionRef:       sessionRef,
		PaymentIntentRef: model.PaymentIntentRef,
		UserID:           userID,
		PackageID:        packageID,
		AmountPaid:       model.Amount,
		Credits:          credits,
		Status:           status,
		CreditsApplied:   model.CreditsApplied,
		CompletedUnixUTC: completedUnixUTC,
		Metadata:         metadata,
	}, nil
}

func encodeMetadata(metadata map[string]string) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unixOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func isUniqueConflict(err error, table string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation && pgErr.TableName == table
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected || pgErr.Code == pgerrcode.LockNotAvailable
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	return false
}
