// Package oplog reports ledger operations through zap and metrics.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/inkledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OperationRecorder counts ledger operations by outcome.
type OperationRecorder interface {
	RecordLedgerOperation(operation string, status string)
}

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger   *zap.Logger
	recorder OperationRecorder
}

// New builds a Logger. A nil recorder disables counting.
func New(logger *zap.Logger, recorder OperationRecorder) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger"), recorder: recorder}
}

// LogOperation writes one structured entry per ledger operation.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if operationLogger.recorder != nil {
		operationLogger.recorder.RecordLedgerOperation(entry.Operation, entry.Status)
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if reservationID := entry.ReservationID.String(); reservationID != "" {
		fields = append(fields, zap.String("reservation_id", reservationID))
	}
	if sessionRef := entry.SessionRef.String(); sessionRef != "" {
		fields = append(fields, zap.String("session_ref", sessionRef))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits.Int64()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		level = zapcore.ErrorLevel
	}
	operationLogger.logger.Log(level, "ledger operation", fields...)
}
