package ledger

import (
	"context"
	"strings"
)

// Catalog manages purchasable credit packages.
type Catalog struct {
	service *Service
}

// DefaultPackages returns the packages seeded into an empty catalog.
func DefaultPackages() []CreditPackage {
	return []CreditPackage{
		{ID: PackageID{value: "starter"}, Name: "Starter", Credits: 15, Price: "499", Currency: "usd", Active: true},
		{ID: PackageID{value: "popular"}, Name: "Popular", Credits: 50, Price: "1299", Currency: "usd", Active: true},
		{ID: PackageID{value: "studio"}, Name: "Studio", Credits: 150, Price: "2999", Currency: "usd", Active: true},
	}
}

// ListPackages returns catalog packages ordered by credits.
func (catalog *Catalog) ListPackages(ctx context.Context, activeOnly bool) ([]CreditPackage, error) {
	return catalog.service.store.ListPackages(ctx, activeOnly)
}

// GetPackage returns one package or ErrUnknownPackage.
func (catalog *Catalog) GetPackage(ctx context.Context, packageID PackageID) (CreditPackage, error) {
	return catalog.service.store.GetPackage(ctx, packageID)
}

// SeedPackages inserts packages only when the catalog is empty and reports how many were written.
func (catalog *Catalog) SeedPackages(ctx context.Context, packages []CreditPackage) (int, error) {
	for _, creditPackage := range packages {
		if err := creditPackage.Validate(); err != nil {
			return 0, err
		}
	}
	inserted := 0
	err := catalog.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		count, err := transactionStore.CountPackages(ctx)
		if err != nil {
			return err
		}
		if count > 0 || len(packages) == 0 {
			return nil
		}
		if err := transactionStore.InsertPackages(ctx, packages); err != nil {
			return err
		}
		inserted = len(packages)
		return nil
	})
	return inserted, err
}

// SetPriceRef links a package to the payment provider's price identifier.
func (catalog *Catalog) SetPriceRef(ctx context.Context, packageID PackageID, priceRef string) error {
	trimmed := strings.TrimSpace(priceRef)
	if trimmed == "" {
		return WrapError("catalog", "price_ref", "empty", ErrInvalidPackage)
	}
	return catalog.service.store.UpdatePackagePriceRef(ctx, packageID, trimmed)
}
