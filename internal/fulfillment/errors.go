package fulfillment

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
)

// Kind classifies a failed fulfillment.
type Kind string

const (
	KindInvalid             Kind = "invalid"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindCanceled            Kind = "canceled"
	KindFailed              Kind = "failed"
)

// Error is returned for every fulfillment that did not produce an artifact.
// No credit is debited when Error is returned.
type Error struct {
	Kind              Kind
	RetryAfterSeconds int
	Remaining         ledger.Credits
	Err               error
}

func (fulfillmentError *Error) Error() string {
	switch fulfillmentError.Kind {
	case KindRateLimited:
		return fmt.Sprintf("fulfillment: %s (retry after %ds): %v", fulfillmentError.Kind, fulfillmentError.RetryAfterSeconds, fulfillmentError.Err)
	case KindInsufficientCredits:
		return fmt.Sprintf("fulfillment: %s (remaining %d): %v", fulfillmentError.Kind, fulfillmentError.Remaining, fulfillmentError.Err)
	default:
		return fmt.Sprintf("fulfillment: %s: %v", fulfillmentError.Kind, fulfillmentError.Err)
	}
}

func (fulfillmentError *Error) Unwrap() error {
	return fulfillmentError.Err
}
