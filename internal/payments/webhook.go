// Package payments is the Stripe boundary: it verifies webhook signatures, turns
// completed checkout sessions into ledger.PaymentEvent values and opens checkout sessions.
package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Checkout session metadata keys written by CreateCheckout and read back from webhooks.
const (
	MetadataUserID    = "user_id"
	MetadataPackageID = "package_id"
	MetadataCredits   = "credits"
)

const (
	eventCheckoutCompleted      = "checkout.session.completed"
	eventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"

	// MaxPayloadBytes bounds the webhook body read by the HTTP layer.
	MaxPayloadBytes = int64(65536)
)

var (
	ErrMissingSecret    = errors.New("payments: webhook secret is empty")
	ErrInvalidSignature = errors.New("payments: signature verification failed")
	ErrInvalidPayload   = errors.New("payments: invalid event payload")
	// ErrIgnoredEvent marks events that verify but carry nothing to grant.
	ErrIgnoredEvent = errors.New("payments: event ignored")
)

// Verifier checks Stripe signatures with the endpoint secret.
type Verifier struct {
	secret string
}

// NewVerifier builds a Verifier.
func NewVerifier(secret string) (*Verifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: trimmed}, nil
}

// ParseEvent verifies the payload and returns the typed payment event.
// Verified events other than a paid checkout completion return ErrIgnoredEvent.
func (verifier *Verifier) ParseEvent(payload []byte, signatureHeader string) (ledger.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, verifier.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	switch string(event.Type) {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded:
	default:
		return ledger.PaymentEvent{}, fmt.Errorf("%w: type %s", ErrIgnoredEvent, event.Type)
	}
	if event.Data == nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	var checkoutSession stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if checkoutSession.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: payment status %q", ErrIgnoredEvent, checkoutSession.PaymentStatus)
	}
	return EventFromSession(&checkoutSession)
}

// EventFromSession validates the session metadata and builds a PaymentEvent.
func EventFromSession(checkoutSession *stripe.CheckoutSession) (ledger.PaymentEvent, error) {
	if checkoutSession == nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: nil session", ErrInvalidPayload)
	}
	sessionRef, err := ledger.NewSessionRef(checkoutSession.ID)
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	rawUserID := checkoutSession.Metadata[MetadataUserID]
	if strings.TrimSpace(rawUserID) == "" {
		rawUserID = checkoutSession.ClientReferenceID
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	packageID, err := ledger.NewPackageID(checkoutSession.Metadata[MetadataPackageID])
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	rawCredits := strings.TrimSpace(checkoutSession.Metadata[MetadataCredits])
	parsedCredits, err := strconv.ParseInt(rawCredits, 10, 64)
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: credits %q", ErrInvalidPayload, rawCredits)
	}
	credits, err := ledger.NewPositiveCredits(parsedCredits)
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	paymentIntentRef := ""
	if checkoutSession.PaymentIntent != nil {
		paymentIntentRef = checkoutSession.PaymentIntent.ID
	}
	paymentEvent, err := ledger.NewPaymentEvent(sessionRef, paymentIntentRef, userID, packageID, credits, checkoutSession.AmountTotal)
	if err != nil {
		return ledger.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	paymentEvent.Metadata = copyMetadata(checkoutSession.Metadata)
	return paymentEvent, nil
}

func copyMetadata(source map[string]string) map[string]string {
	if len(source) == 0 {
		return nil
	}
	copied := make(map[string]string, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}
