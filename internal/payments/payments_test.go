package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

func checkoutEventPayload(test *testing.T, eventType string, sessionObject map[string]interface{}) []byte {
	test.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test_1",
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]interface{}{"object": sessionObject},
	})
	require.NoError(test, err)
	return payload
}

func paidSession() map[string]interface{} {
	return map[string]interface{}{
		"id":                  "cs_test_123",
		"object":              "checkout.session",
		"amount_total":        1299,
		"payment_status":      "paid",
		"payment_intent":      "pi_test_123",
		"client_reference_id": "user-42",
		"metadata": map[string]string{
			MetadataUserID:    "user-42",
			MetadataPackageID: "popular",
			MetadataCredits:   "50",
		},
	}
}

func TestParseEventBuildsPaymentEvent(test *testing.T) {
	test.Parallel()
	verifier, err := NewVerifier(testWebhookSecret)
	require.NoError(test, err)
	payload := checkoutEventPayload(test, eventCheckoutCompleted, paidSession())

	event, err := verifier.ParseEvent(payload, signPayload(payload, testWebhookSecret, time.Now()))
	require.NoError(test, err)
	assert.Equal(test, "cs_test_123", event.SessionRef.String())
	assert.Equal(test, "pi_test_123", event.PaymentIntentRef)
	assert.Equal(test, "user-42", event.UserID.String())
	assert.Equal(test, "popular", event.PackageID.String())
	assert.Equal(test, ledger.Credits(50), event.Credits)
	assert.Equal(test, int64(1299), event.AmountPaid)
	assert.Equal(test, "50", event.Metadata[MetadataCredits])
}

func TestParseEventRejectsBadSignature(test *testing.T) {
	test.Parallel()
	verifier, err := NewVerifier(testWebhookSecret)
	require.NoError(test, err)
	payload := checkoutEventPayload(test, eventCheckoutCompleted, paidSession())

	_, err = verifier.ParseEvent(payload, signPayload(payload, "whsec_other", time.Now()))
	assert.ErrorIs(test, err, ErrInvalidSignature)

	_, err = verifier.ParseEvent(payload, "")
	assert.ErrorIs(test, err, ErrInvalidSignature)
}

func TestParseEventRejectsStaleTimestamp(test *testing.T) {
	test.Parallel()
	verifier, err := NewVerifier(testWebhookSecret)
	require.NoError(test, err)
	payload := checkoutEventPayload(test, eventCheckoutCompleted, paidSession())

	_, err = verifier.ParseEvent(payload, signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(test, err, ErrInvalidSignature)
}

func TestParseEventIgnoresUnrelatedAndUnpaidEvents(test *testing.T) {
	test.Parallel()
	verifier, err := NewVerifier(testWebhookSecret)
	require.NoError(test, err)

	unrelated := checkoutEventPayload(test, "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})
	_, err = verifier.ParseEvent(unrelated, signPayload(unrelated, testWebhookSecret, time.Now()))
	assert.ErrorIs(test, err, ErrIgnoredEvent)

	unpaidSession := paidSession()
	unpaidSession["payment_status"] = "unpaid"
	unpaid := checkoutEventPayload(test, eventCheckoutCompleted, unpaidSession)
	_, err = verifier.ParseEvent(unpaid, signPayload(unpaid, testWebhookSecret, time.Now()))
	assert.ErrorIs(test, err, ErrIgnoredEvent)
}

func TestParseEventRejectsIncompleteMetadata(test *testing.T) {
	test.Parallel()
	verifier, err := NewVerifier(testWebhookSecret)
	require.NoError(test, err)
	testCases := []struct {
		name     string
		metadata map[string]string
		clientID string
	}{
		{name: "missing package", metadata: map[string]string{MetadataUserID: "user-42", MetadataCredits: "50"}},
		{name: "missing credits", metadata: map[string]string{MetadataUserID: "user-42", MetadataPackageID: "popular"}},
		{name: "zero credits", metadata: map[string]string{MetadataUserID: "user-42", MetadataPackageID: "popular", MetadataCredits: "0"}},
		{name: "garbage credits", metadata: map[string]string{MetadataUserID: "user-42", MetadataPackageID: "popular", MetadataCredits: "many"}},
		{name: "missing user", metadata: map[string]string{MetadataPackageID: "popular", MetadataCredits: "50"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			sessionObject := paidSession()
			sessionObject["metadata"] = testCase.metadata
			sessionObject["client_reference_id"] = testCase.clientID
			payload := checkoutEventPayload(test, eventCheckoutCompleted, sessionObject)

			_, err := verifier.ParseEvent(payload, signPayload(payload, testWebhookSecret, time.Now()))
			assert.ErrorIs(test, err, ErrInvalidPayload)
		})
	}
}

func TestEventFromSessionFallsBackToClientReference(test *testing.T) {
	test.Parallel()
	event, err := EventFromSession(&stripe.CheckoutSession{
		ID:                "cs_test_9",
		ClientReferenceID: "user-7",
		AmountTotal:       499,
		Metadata:          map[string]string{MetadataPackageID: "starter", MetadataCredits: "15"},
	})
	require.NoError(test, err)
	assert.Equal(test, "user-7", event.UserID.String())
	assert.Empty(test, event.PaymentIntentRef)
}

func TestNewVerifierRequiresSecret(test *testing.T) {
	test.Parallel()
	_, err := NewVerifier("  ")
	assert.ErrorIs(test, err, ErrMissingSecret)
}

type sessionAPIStub struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (stub *sessionAPIStub) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	stub.params = params
	return stub.session, stub.err
}

func testPackage(test *testing.T, priceRef string) ledger.CreditPackage {
	test.Helper()
	packageID, err := ledger.NewPackageID("popular")
	require.NoError(test, err)
	return ledger.CreditPackage{ID: packageID, Name: "Popular", Credits: 50, Price: "1299", Currency: "usd", PriceRef: priceRef, Active: true}
}

func TestCreateCheckoutCarriesGrantMetadata(test *testing.T) {
	test.Parallel()
	stub := &sessionAPIStub{session: &stripe.CheckoutSession{ID: "cs_new", URL: "https://checkout.stripe.test/cs_new"}}
	checkout, err := NewStripeCheckoutWithAPI(stub, "https://ink.example.test/")
	require.NoError(test, err)
	userID, err := ledger.NewUserID("user-42")
	require.NoError(test, err)

	created, err := checkout.CreateCheckout(context.Background(), userID, testPackage(test, "price_123"))
	require.NoError(test, err)
	assert.Equal(test, CheckoutSession{ID: "cs_new", URL: "https://checkout.stripe.test/cs_new"}, created)
	require.NotNil(test, stub.params)
	assert.Equal(test, "payment", *stub.params.Mode)
	assert.Equal(test, "user-42", stub.params.Metadata[MetadataUserID])
	assert.Equal(test, "popular", stub.params.Metadata[MetadataPackageID])
	assert.Equal(test, "50", stub.params.Metadata[MetadataCredits])
	require.Len(test, stub.params.LineItems, 1)
	assert.Equal(test, "price_123", *stub.params.LineItems[0].Price)
	assert.Equal(test, "https://ink.example.test/billing/cancel", *stub.params.CancelURL)
}

func TestCreateCheckoutUsesInlinePriceWithoutPriceRef(test *testing.T) {
	test.Parallel()
	stub := &sessionAPIStub{session: &stripe.CheckoutSession{ID: "cs_inline", URL: "https://checkout.stripe.test/cs_inline"}}
	checkout, err := NewStripeCheckoutWithAPI(stub, "https://ink.example.test")
	require.NoError(test, err)
	userID, err := ledger.NewUserID("user-42")
	require.NoError(test, err)

	_, err = checkout.CreateCheckout(context.Background(), userID, testPackage(test, ""))
	require.NoError(test, err)
	lineItem := stub.params.LineItems[0]
	assert.Nil(test, lineItem.Price)
	require.NotNil(test, lineItem.PriceData)
	assert.Equal(test, int64(1299), *lineItem.PriceData.UnitAmount)
	assert.Equal(test, "usd", *lineItem.PriceData.Currency)
}

func TestCreateCheckoutWrapsProviderError(test *testing.T) {
	test.Parallel()
	stub := &sessionAPIStub{err: errors.New("card network down")}
	checkout, err := NewStripeCheckoutWithAPI(stub, "https://ink.example.test")
	require.NoError(test, err)
	userID, err := ledger.NewUserID("user-42")
	require.NoError(test, err)

	_, err = checkout.CreateCheckout(context.Background(), userID, testPackage(test, "price_123"))
	assert.ErrorContains(test, err, "card network down")
}

func TestNewStripeCheckoutValidatesConfig(test *testing.T) {
	test.Parallel()
	_, err := NewStripeCheckout("", "https://ink.example.test")
	assert.ErrorIs(test, err, ErrCheckoutConfig)
	_, err = NewStripeCheckoutWithAPI(&sessionAPIStub{}, " ")
	assert.ErrorIs(test, err, ErrCheckoutConfig)
}
