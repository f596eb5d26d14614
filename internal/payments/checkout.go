package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
)

// ErrCheckoutConfig reports missing checkout settings.
var ErrCheckoutConfig = errors.New("payments: checkout not configured")

// CheckoutSession is the part of a provider session the HTTP layer returns.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutCreator opens a hosted checkout for one credit package.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, userID ledger.UserID, creditPackage ledger.CreditPackage) (CheckoutSession, error)
}

// SessionAPI is the subset of the Stripe checkout session client used here.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeCheckout creates one-time payment sessions.
type StripeCheckout struct {
	sessions   SessionAPI
	successURL string
	cancelURL  string
}

// NewStripeCheckout builds a checkout creator backed by the Stripe API.
func NewStripeCheckout(secretKey string, frontendURL string) (*StripeCheckout, error) {
	trimmedKey := strings.TrimSpace(secretKey)
	if trimmedKey == "" {
		return nil, fmt.Errorf("%w: secret key is empty", ErrCheckoutConfig)
	}
	sessions := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: trimmedKey}
	return NewStripeCheckoutWithAPI(sessions, frontendURL)
}

// NewStripeCheckoutWithAPI builds a checkout creator over an explicit session client.
func NewStripeCheckoutWithAPI(sessions SessionAPI, frontendURL string) (*StripeCheckout, error) {
	if sessions == nil {
		return nil, fmt.Errorf("%w: session client is nil", ErrCheckoutConfig)
	}
	base := strings.TrimRight(strings.TrimSpace(frontendURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: frontend url is empty", ErrCheckoutConfig)
	}
	return &StripeCheckout{
		sessions:   sessions,
		successURL: base + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:  base + "/billing/cancel",
	}, nil
}

// CreateCheckout opens a payment-mode session whose metadata carries the grant.
func (checkout *StripeCheckout) CreateCheckout(ctx context.Context, userID ledger.UserID, creditPackage ledger.CreditPackage) (CheckoutSession, error) {
	if err := creditPackage.Validate(); err != nil {
		return CheckoutSession{}, err
	}
	metadata := map[string]string{
		MetadataUserID:    userID.String(),
		MetadataPackageID: creditPackage.ID.String(),
		MetadataCredits:   strconv.FormatInt(creditPackage.Credits.Int64(), 10),
	}
	lineItem, err := lineItemFor(creditPackage)
	if err != nil {
		return CheckoutSession{}, err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(userID.String()),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata},
		SuccessURL:        stripe.String(checkout.successURL),
		CancelURL:         stripe.String(checkout.cancelURL),
	}
	params.Context = ctx
	created, err := checkout.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("payments: create checkout session: %w", err)
	}
	if created == nil || created.ID == "" || created.URL == "" {
		return CheckoutSession{}, errors.New("payments: checkout session missing id or url")
	}
	return CheckoutSession{ID: created.ID, URL: created.URL}, nil
}

func lineItemFor(creditPackage ledger.CreditPackage) (*stripe.CheckoutSessionLineItemParams, error) {
	if priceRef := strings.TrimSpace(creditPackage.PriceRef); priceRef != "" {
		return &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(priceRef),
			Quantity: stripe.Int64(1),
		}, nil
	}
	amount, err := creditPackage.PriceMinorUnits()
	if err != nil {
		return nil, err
	}
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(creditPackage.Currency),
			UnitAmount: stripe.Int64(amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(creditPackage.Name),
			},
		},
		Quantity: stripe.Int64(1),
	}, nil
}
