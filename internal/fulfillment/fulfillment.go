// Package fulfillment runs one paid transformation against the credit ledger:
// reserve, call the provider, then confirm on success or roll back otherwise.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/internal/transform"
	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultTransformTimeout = 60 * time.Second
	defaultSettleTimeout    = 5 * time.Second

	outcomeSuccess     = "success"
	outcomeUnbilled    = "unbilled"
	outcomePanic       = "panic"
	outcomeDenied      = "insufficient_credits"
	outcomeLedgerError = "ledger_error"
)

// Ledger is the reservation surface the orchestrator needs.
type Ledger interface {
	Reserve(ctx context.Context, userID ledger.UserID) (ledger.Reservation, ledger.Balance, error)
	Confirm(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.Balance, error)
	Rollback(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.RollbackResult, error)
}

// Recorder receives fulfillment metrics.
type Recorder interface {
	RecordTransformation(mode string, outcome string, duration time.Duration)
	RecordLedgerMismatch()
}

// ErrInvalidConfig reports a bad orchestrator wiring.
var ErrInvalidConfig = errors.New("fulfillment: invalid configuration")

// Result is a produced artifact together with its ledger outcome.
type Result struct {
	OutputURL        string
	ProviderRef      string
	ReservationID    ledger.ReservationID
	RemainingCredits ledger.Credits
	// Unbilled is set when the artifact was produced but the debit could not be recorded.
	Unbilled bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(orchestrator *Orchestrator) { orchestrator.recorder = recorder }
}

// WithTimeout bounds a single provider call.
func WithTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) { orchestrator.timeout = timeout }
}

// WithSettleTimeout bounds confirm and rollback, which run detached from the caller's context.
func WithSettleTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) { orchestrator.settleTimeout = timeout }
}

// Orchestrator coordinates the ledger and the transformation provider.
type Orchestrator struct {
	ledger        Ledger
	transformer   transform.Transformer
	logger        *zap.Logger
	recorder      Recorder
	timeout       time.Duration
	settleTimeout time.Duration
	nowFn         func() time.Time
}

// New wires an Orchestrator.
func New(ledgerService Ledger, transformer transform.Transformer, options ...Option) (*Orchestrator, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidConfig)
	}
	if transformer == nil {
		return nil, fmt.Errorf("%w: transformer dependency is nil", ErrInvalidConfig)
	}
	orchestrator := &Orchestrator{
		ledger:        ledgerService,
		transformer:   transformer,
		logger:        zap.NewNop(),
		timeout:       defaultTransformTimeout,
		settleTimeout: defaultSettleTimeout,
		nowFn:         time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	if orchestrator.timeout <= 0 || orchestrator.settleTimeout <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	orchestrator.logger = orchestrator.logger.Named("fulfillment")
	return orchestrator, nil
}

// Fulfill charges one credit for one successful transformation.
// Every exit path that does not reach confirm releases the reservation, panics included.
func (orchestrator *Orchestrator) Fulfill(ctx context.Context, userID ledger.UserID, request transform.Request) (Result, error) {
	if err := request.Validate(); err != nil {
		return Result{}, &Error{Kind: KindInvalid, Err: err}
	}
	mode := string(request.Mode)
	startedAt := orchestrator.nowFn()

	reservation, _, err := orchestrator.ledger.Reserve(ctx, userID)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			orchestrator.record(mode, outcomeDenied, startedAt)
			return Result{}, &Error{Kind: KindInsufficientCredits, Remaining: insufficient.Remaining, Err: err}
		}
		orchestrator.record(mode, outcomeLedgerError, startedAt)
		return Result{}, err
	}
	reservationID := reservation.ReservationID()

	confirmAttempted := false
	defer func() {
		if confirmAttempted {
			return
		}
		recovered := recover()
		orchestrator.rollback(userID, reservationID)
		if recovered != nil {
			orchestrator.record(mode, outcomePanic, startedAt)
			orchestrator.logger.Error("transformation panicked",
				zap.String("user_id", userID.String()),
				zap.String("reservation_id", reservationID.String()),
				zap.Any("panic", recovered),
			)
			panic(recovered)
		}
	}()

	transformCtx, cancel := context.WithTimeout(ctx, orchestrator.timeout)
	defer cancel()
	output, transformErr := orchestrator.transformer.Transform(transformCtx, request)
	deadlineHit := errors.Is(transformCtx.Err(), context.DeadlineExceeded)
	if transformErr == nil && strings.TrimSpace(output.OutputURL) == "" {
		transformErr = &transform.ProviderError{Kind: transform.KindFailed, Err: transform.ErrEmptyOutput}
	}
	if transformErr != nil {
		fulfillmentError := classify(transformErr, deadlineHit)
		orchestrator.record(mode, string(fulfillmentError.Kind), startedAt)
		orchestrator.logger.Warn("transformation failed",
			zap.String("user_id", userID.String()),
			zap.String("reservation_id", reservationID.String()),
			zap.String("kind", string(fulfillmentError.Kind)),
			zap.Error(transformErr),
		)
		return Result{}, fulfillmentError
	}

	confirmAttempted = true
	result := Result{OutputURL: output.OutputURL, ProviderRef: output.ProviderRef, ReservationID: reservationID}
	settleCtx, settleCancel := orchestrator.settleContext(ctx)
	defer settleCancel()
	balance, confirmErr := orchestrator.ledger.Confirm(settleCtx, userID, reservationID)
	if confirmErr != nil {
		result.Unbilled = true
		if orchestrator.recorder != nil {
			orchestrator.recorder.RecordLedgerMismatch()
		}
		orchestrator.record(mode, outcomeUnbilled, startedAt)
		orchestrator.logger.Error("confirm failed after successful transformation",
			zap.Bool("ledger_mismatch", true),
			zap.String("user_id", userID.String()),
			zap.String("reservation_id", reservationID.String()),
			zap.Error(confirmErr),
		)
		return result, nil
	}
	result.RemainingCredits = balance.AvailableCredits
	orchestrator.record(mode, outcomeSuccess, startedAt)
	return result, nil
}

func (orchestrator *Orchestrator) rollback(userID ledger.UserID, reservationID ledger.ReservationID) {
	settleCtx, cancel := orchestrator.settleContext(context.Background())
	defer cancel()
	if _, err := orchestrator.ledger.Rollback(settleCtx, userID, reservationID); err != nil {
		orchestrator.logger.Error("rollback failed; hold left for expiry",
			zap.String("user_id", userID.String()),
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err),
		)
	}
}

func (orchestrator *Orchestrator) settleContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), orchestrator.settleTimeout)
}

func (orchestrator *Orchestrator) record(mode string, outcome string, startedAt time.Time) {
	if orchestrator.recorder == nil {
		return
	}
	orchestrator.recorder.RecordTransformation(mode, outcome, orchestrator.nowFn().Sub(startedAt))
}

func classify(err error, deadlineHit bool) *Error {
	var providerError *transform.ProviderError
	if errors.As(err, &providerError) && providerError.Kind == transform.KindRateLimited {
		return &Error{Kind: KindRateLimited, RetryAfterSeconds: providerError.RetryAfterSeconds, Err: err}
	}
	if deadlineHit || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Err: err}
	}
	return &Error{Kind: KindFailed, Err: err}
}
