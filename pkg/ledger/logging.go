package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	ReservationID ReservationID
	SessionRef    SessionRef
	Credits       Credits
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithReservationTTL overrides how long a pending reservation holds its credit.
func WithReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.reservationTTL = ttl
	}
}

// WithRetryPolicy overrides retries for transient storage conflicts.
func WithRetryPolicy(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		service.retryAttempts = attempts
		service.retryBackoff = backoff
	}
}

// WithReservationIDGenerator overrides how reservation ids are minted.
func WithReservationIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newReservationID = generate
	}
}
