package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintReservationPrimary = "credit_reservations_pkey"
	constraintPurchaseSession    = "credit_purchases_session_ref_key"
	defaultMetadataJSON          = "{}"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectReservation      = "reservation"
	errorSubjectPackage          = "package"
	errorSubjectPurchase         = "purchase"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeHold                = "hold"
	errorCodeRelease             = "release"
	errorCodeConsume             = "consume"
	errorCodeGrant               = "grant"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeCount               = "count"
	errorCodeEnsure              = "ensure"
	errorCodeUpdate              = "update"
	errorCodeUpdateStatus        = "update_status"

	sqlEnsureAccount = `
		insert into credit_accounts(user_id, total_credits) values ($1, $2)
		on conflict (user_id) do nothing
	`

	sqlSelectAccount = `
		select user_id, total_credits, used_credits, held_credits, free_credits_used
		from credit_accounts
		where user_id = $1
	`

	sqlHoldCredit = `
		update credit_accounts
		set held_credits = held_credits + 1, updated_at = now()
		where user_id = $1 and total_credits - used_credits - held_credits >= 1
	`

	sqlReleaseHeldCredit = `
		update credit_accounts
		set held_credits = held_credits - 1, updated_at = now()
		where user_id = $1 and held_credits > 0
	`

	sqlConsumeHeldCredit = `
		update credit_accounts
		set used_credits = used_credits + 1,
			held_credits = greatest(held_credits - 1, 0),
			free_credits_used = case when free_credits_used < $2 then free_credits_used + 1 else free_credits_used end,
			updated_at = now()
		where user_id = $1
	`

	sqlAddTotalCredits = `
		update credit_accounts
		set total_credits = total_credits + $2, updated_at = now()
		where user_id = $1
	`

	sqlInsertReservation = `
		insert into credit_reservations(reservation_id, user_id, status, expires_at, created_at, updated_at)
		values ($1, $2, $3, to_timestamp($4::bigint), to_timestamp($5::bigint), now())
	`

	sqlSelectReservation = `
		select reservation_id, user_id, status, extract(epoch from created_at)::bigint, extract(epoch from expires_at)::bigint
		from credit_reservations
		where user_id = $1 and reservation_id = $2
		for update
	`

	sqlUpdateReservationStatus = `
		update credit_reservations
		set status = $4, updated_at = now()
		where user_id = $1 and reservation_id = $2 and status = $3
	`

	sqlListExpiredReservations = `
		select reservation_id, user_id, status, extract(epoch from created_at)::bigint, extract(epoch from expires_at)::bigint
		from credit_reservations
		where status = 'pending' and expires_at <= to_timestamp($1::bigint)
		order by expires_at
		limit $2
	`

	sqlCountPackages = `select count(*) from credit_packages`

	sqlInsertPackage = `
		insert into credit_packages(package_id, name, credits, price, currency, price_ref, active)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlSelectPackages = `
		select package_id, name, credits, price, currency, price_ref, active
		from credit_packages
		where active or not $1
		order by credits
	`

	sqlSelectPackage = `
		select package_id, name, credits, price, currency, price_ref, active
		from credit_packages
		where package_id = $1
	`

	sqlUpdatePackagePriceRef = `
		update credit_packages set price_ref = $2, updated_at = now() where package_id = $1
	`

	sqlInsertPurchase = `
		insert into credit_purchases(
			purchase_id, session_ref, user_id, package_id, payment_intent_ref,
			amount, credits, status, credits_applied, metadata, completed_at
		)
		values (
			coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5,
			$6, $7, $8, $9, $10::jsonb, to_timestamp(nullif($11::bigint,0))
		)
		on conflict (session_ref) do nothing
	`

	sqlSelectPurchase = `
		select purchase_id::text, session_ref, user_id, package_id, payment_intent_ref,
			amount, credits, status, credits_applied, metadata::text,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from credit_purchases
		where session_ref = $1
		for update
	`

	sqlCompletePurchase = `
		update credit_purchases
		set status = 'completed', payment_intent_ref = $2, package_id = $3, amount = $4, credits = $5,
			metadata = $6::jsonb, completed_at = to_timestamp(nullif($7::bigint,0)), updated_at = now()
		where session_ref = $1 and status = 'pending'
	`

	sqlMarkPurchaseApplied = `
		update credit_purchases
		set credits_applied = true, updated_at = now()
		where session_ref = $1 and status = 'completed' and credits_applied = false
	`

	sqlListUnappliedPurchases = `
		select purchase_id::text, session_ref, user_id, package_id, payment_intent_ref,
			amount, credits, status, credits_applied, metadata::text,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from credit_purchases
		where status = 'completed' and credits_applied = false
		order by created_at
		limit $1
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// Store implements ledger.Store using a pgx connection pool.
// Outside WithTx every statement autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, userID ledger.UserID, freeGrant ledger.Credits) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlEnsureAccount, userID.String(), freeGrant.Int64()); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return store.GetAccount(ctx, userID)
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var (
		userIDValue                    string
		total, used, held, freeCredits int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(&userIDValue, &total, &used, &held, &freeCredits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedUserID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		UserID:          parsedUserID,
		TotalCredits:    ledger.Credits(total),
		UsedCredits:     ledger.Credits(used),
		HeldCredits:     ledger.Credits(held),
		FreeCreditsUsed: ledger.Credits(freeCredits),
	}, nil
}

func (store *Store) HoldCredit(ctx context.Context, userID ledger.UserID) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlHoldCredit, userID.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeHold, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) ReleaseHeldCredit(ctx context.Context, userID ledger.UserID) error {
	if _, err := store.db.Exec(ctx, sqlReleaseHeldCredit, userID.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeRelease, err)
	}
	return nil
}

func (store *Store) ConsumeHeldCredit(ctx context.Context, userID ledger.UserID, freeCreditCap ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlConsumeHeldCredit, userID.String(), freeCreditCap.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeConsume, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeConsume, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) AddTotalCredits(ctx context.Context, userID ledger.UserID, credits ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlAddTotalCredits, userID.String(), credits.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeGrant, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGrant, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID().String(),
		reservation.UserID().String(),
		reservation.Status().String(),
		reservation.ExpiresAtUnixUTC(),
		reservation.CreatedUnixUTC(),
	)
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	reservation, err := scanReservation(store.db.QueryRow(ctx, sqlSelectReservation, userID.String(), reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID, from, to ledger.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, userID.String(), reservationID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationSettled)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlListExpiredReservations, atUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	reservations := make([]ledger.Reservation, 0, limit)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) CountPackages(ctx context.Context) (int64, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountPackages).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectPackage, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertPackages(ctx context.Context, packages []ledger.CreditPackage) error {
	batch := &pgx.Batch{}
	for _, creditPackage := range packages {
		batch.Queue(sqlInsertPackage,
			creditPackage.ID.String(),
			creditPackage.Name,
			creditPackage.Credits.Int64(),
			creditPackage.Price,
			creditPackage.Currency,
			creditPackage.PriceRef,
			creditPackage.Active,
		)
	}
	results := store.db.SendBatch(ctx, batch)
	for range packages {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
		}
	}
	if err := results.Close(); err != nil {
		return wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ListPackages(ctx context.Context, activeOnly bool) ([]ledger.CreditPackage, error) {
	rows, err := store.db.Query(ctx, sqlSelectPackages, activeOnly)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	defer rows.Close()
	var packages []ledger.CreditPackage
	for rows.Next() {
		creditPackage, err := scanPackage(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
		}
		packages = append(packages, creditPackage)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	return packages, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID ledger.PackageID) (ledger.CreditPackage, error) {
	creditPackage, err := scanPackage(store.db.QueryRow(ctx, sqlSelectPackage, packageID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrUnknownPackage)
		}
		return ledger.CreditPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return creditPackage, nil
}

func (store *Store) UpdatePackagePriceRef(ctx context.Context, packageID ledger.PackageID, priceRef string) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePackagePriceRef, packageID.String(), priceRef)
	if err != nil {
		return wrapStoreError(errorSubjectPackage, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPackage, errorCodeUpdate, ledger.ErrUnknownPackage)
	}
	return nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase ledger.Purchase) error {
	metadata, err := encodeMetadata(purchase.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	tag, err := store.db.Exec(ctx, sqlInsertPurchase,
		purchase.PurchaseID,
		purchase.SessionRef.String(),
		purchase.UserID.String(),
		purchase.PackageID.String(),
		purchase.PaymentIntentRef,
		purchase.AmountPaid,
		purchase.Credits.Int64(),
		purchase.Status.String(),
		purchase.CreditsApplied,
		metadata,
		purchase.CompletedUnixUTC,
	)
	if isUniqueViolation(err, constraintPurchaseSession) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, ledger.ErrDuplicatePurchase)
	}
	return nil
}

func (store *Store) GetPurchase(ctx context.Context, sessionRef ledger.SessionRef) (ledger.Purchase, error) {
	purchase, err := scanPurchase(store.db.QueryRow(ctx, sqlSelectPurchase, sessionRef.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, ledger.ErrUnknownPurchase)
		}
		return ledger.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return purchase, nil
}

func (store *Store) CompletePurchase(ctx context.Context, purchase ledger.Purchase) error {
	metadata, err := encodeMetadata(purchase.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	tag, err := store.db.Exec(ctx, sqlCompletePurchase,
		purchase.SessionRef.String(),
		purchase.PaymentIntentRef,
		purchase.PackageID.String(),
		purchase.AmountPaid,
		purchase.Credits.Int64(),
		metadata,
		purchase.CompletedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, ledger.ErrUnknownPurchase)
	}
	return nil
}

func (store *Store) MarkPurchaseApplied(ctx context.Context, sessionRef ledger.SessionRef) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlMarkPurchaseApplied, sessionRef.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeUpdate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) ListUnappliedPurchases(ctx context.Context, limit int) ([]ledger.Purchase, error) {
	rows, err := store.db.Query(ctx, sqlListUnappliedPurchases, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()
	var purchases []ledger.Purchase
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return purchases, nil
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var (
		reservationIDValue string
		userIDValue        string
		statusValue        string
		createdUnixUTC     int64
		expiresAtUnixUTC   int64
	)
	if err := row.Scan(&reservationIDValue, &userIDValue, &statusValue, &createdUnixUTC, &expiresAtUnixUTC); err != nil {
		return ledger.Reservation{}, err
	}
	reservationID, err := ledger.NewReservationID(reservationIDValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(statusValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.NewReservation(reservationID, userID, status, createdUnixUTC, expiresAtUnixUTC)
}

func scanPackage(row pgx.Row) (ledger.CreditPackage, error) {
	var (
		packageIDValue string
		creditsValue   int64
		creditPackage  ledger.CreditPackage
	)
	if err := row.Scan(&packageIDValue, &creditPackage.Name, &creditsValue, &creditPackage.Price, &creditPackage.Currency, &creditPackage.PriceRef, &creditPackage.Active); err != nil {
		return ledger.CreditPackage{}, err
	}
	packageID, err := ledger.NewPackageID(packageIDValue)
	if err != nil {
		return ledger.CreditPackage{}, err
	}
	credits, err := ledger.NewPositiveCredits(creditsValue)
	if err != nil {
		return ledger.CreditPackage{}, err
	}
	creditPackage.ID = packageID
	creditPackage.Credits = credits
	return creditPackage, nil
}

func scanPurchase(row pgx.Row) (ledger.Purchase, error) {
	var (
		purchase         ledger.Purchase
		sessionRefValue  string
		userIDValue      string
		packageIDValue   string
		creditsValue     int64
		statusValue      string
		metadataValue    string
		completedUnixUTC int64
	)
	if err := row.Scan(
		&purchase.PurchaseID,
		&sessionRefValue,
		&userIDValue,
		&packageIDValue,
		&purchase.PaymentIntentRef,
		&purchase.AmountPaid,
		&creditsValue,
		&statusValue,
		&purchase.CreditsApplied,
		&metadataValue,
		&completedUnixUTC,
	); err != nil {
		return ledger.Purchase{}, err
	}
	sessionRef, err := ledger.NewSessionRef(sessionRefValue)
	if err != nil {
		return ledger.Purchase{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Purchase{}, err
	}
	packageID, err := ledger.NewPackageID(packageIDValue)
	if err != nil {
		return ledger.Purchase{}, err
	}
	credits, err := ledger.NewPositiveCredits(creditsValue)
	if err != nil {
		return ledger.Purchase{}, err
	}
	status, err := ledger.ParsePurchaseStatus(statusValue)
	if err != nil {
		return ledger.Purchase{}, err
	}
	if metadataValue != "" {
		if err := json.Unmarshal([]byte(metadataValue), &purchase.Metadata); err != nil {
			return ledger.Purchase{}, err
		}
	}
	purchase.SessionRef = sessionRef
	purchase.UserID = userID
	purchase.PackageID = packageID
	purchase.Credits = credits
	purchase.Status = status
	purchase.CompletedUnixUTC = completedUnixUTC
	return purchase, nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return defaultMetadataJSON, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isTransient(err) {
		err = fmt.Errorf("%w: %w", ledger.ErrTransientConflict, err)
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraint
	}
	return false
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return true
		}
	}
	return false
}
