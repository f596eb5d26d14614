// Package reconcile runs the periodic ledger repair jobs: releasing expired
// holds and finishing grants whose purchase completed without credits applied.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobExpireReservations = "expire_reservations"
	JobFinishGrants       = "finish_grants"

	defaultSchedule = "@every 1m"
	defaultBatch    = 100
	defaultTimeout  = 30 * time.Second
)

// ErrInvalidConfig reports a bad reconciler wiring.
var ErrInvalidConfig = errors.New("reconcile: invalid configuration")

// ReservationExpirer releases pending reservations past their hold.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, limit int) (int, error)
}

// GrantFinisher applies credits for completed purchases that missed them.
type GrantFinisher interface {
	FinishPendingGrants(ctx context.Context, limit int) (int, error)
}

// Recorder receives per-run job metrics.
type Recorder interface {
	RecordReconcile(job string, reconciled int, success bool)
}

type job struct {
	name string
	run  func(ctx context.Context, limit int) (int, error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSchedule sets the cron schedule. Default "@every 1m".
func WithSchedule(schedule string) Option {
	return func(reconciler *Reconciler) { reconciler.schedule = schedule }
}

// WithBatchSize bounds the rows each job touches per run.
func WithBatchSize(batch int) Option {
	return func(reconciler *Reconciler) { reconciler.batch = batch }
}

// WithRunTimeout bounds one run of all jobs.
func WithRunTimeout(timeout time.Duration) Option {
	return func(reconciler *Reconciler) { reconciler.timeout = timeout }
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(reconciler *Reconciler) { reconciler.recorder = recorder }
}

// Reconciler schedules the repair jobs.
type Reconciler struct {
	jobs      []job
	schedule  string
	batch     int
	timeout   time.Duration
	logger    *zap.Logger
	recorder  Recorder
	scheduler *cron.Cron
}

// New wires a Reconciler.
func New(expirer ReservationExpirer, finisher GrantFinisher, options ...Option) (*Reconciler, error) {
	if expirer == nil || finisher == nil {
		return nil, fmt.Errorf("%w: job dependency is nil", ErrInvalidConfig)
	}
	reconciler := &Reconciler{
		jobs: []job{
			{name: JobExpireReservations, run: expirer.ExpireReservations},
			{name: JobFinishGrants, run: finisher.FinishPendingGrants},
		},
		schedule: defaultSchedule,
		batch:    defaultBatch,
		timeout:  defaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	if reconciler.batch < 1 || reconciler.timeout <= 0 {
		return nil, fmt.Errorf("%w: batch and timeout must be positive", ErrInvalidConfig)
	}
	if _, err := cron.ParseStandard(reconciler.schedule); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, reconciler.schedule, err)
	}
	reconciler.logger = reconciler.logger.Named("reconcile")
	return reconciler, nil
}

// RunOnce runs every job once. A failing job does not stop the others.
func (reconciler *Reconciler) RunOnce(ctx context.Context) error {
	var joined error
	for _, current := range reconciler.jobs {
		reconciled, err := current.run(ctx, reconciler.batch)
		if reconciler.recorder != nil {
			reconciler.recorder.RecordReconcile(current.name, reconciled, err == nil)
		}
		if err != nil {
			reconciler.logger.Error("reconcile job failed", zap.String("job", current.name), zap.Error(err))
			joined = errors.Join(joined, fmt.Errorf("%s: %w", current.name, err))
			continue
		}
		if reconciled > 0 {
			reconciler.logger.Info("reconcile job repaired rows", zap.String("job", current.name), zap.Int("count", reconciled))
		}
	}
	return joined
}

// Start schedules RunOnce until ctx is done or Stop is called.
func (reconciler *Reconciler) Start(ctx context.Context) error {
	if reconciler.scheduler != nil {
		return fmt.Errorf("%w: already started", ErrInvalidConfig)
	}
	cronLogger := zapCronLogger{logger: reconciler.logger.Sugar()}
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	_, err := scheduler.AddFunc(reconciler.schedule, func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconciler.timeout)
		defer cancel()
		_ = reconciler.RunOnce(runCtx)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	reconciler.scheduler = scheduler
	scheduler.Start()
	go func() {
		<-ctx.Done()
		reconciler.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (reconciler *Reconciler) Stop() {
	if reconciler.scheduler == nil {
		return
	}
	<-reconciler.scheduler.Stop().Done()
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (cronLogger zapCronLogger) Info(message string, keysAndValues ...interface{}) {
	cronLogger.logger.Debugw(message, keysAndValues...)
}

func (cronLogger zapCronLogger) Error(err error, message string, keysAndValues ...interface{}) {
	cronLogger.logger.Errorw(message, append(keysAndValues, "error", err)...)
}
