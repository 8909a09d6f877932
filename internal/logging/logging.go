// Package logging builds the process logger and adapts it to the ledger's operation log.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger flavor.
type Options struct {
	Level       string
	Development bool
}

// New returns a production logger unless Development is set.
func New(options Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if options.Development {
		config = zap.NewDevelopmentConfig()
	}
	if strings.TrimSpace(options.Level) != "" {
		level, err := zapcore.ParseLevel(strings.TrimSpace(options.Level))
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}
	return config.Build()
}

// OperationLogger writes ledger operations as structured zap entries.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

// LogOperation picks the level from the outcome: failures at error, duplicates and rejections
// at info, everything else at debug.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Name()),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance),
		zap.String("status", entry.Status),
	}
	if ref := entry.ExternalRef.String(); ref != "" {
		fields = append(fields, zap.String("external_ref", ref))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	switch entry.Status {
	case ledger.OperationStatusError:
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	case ledger.OperationStatusDuplicate:
		operationLogger.logger.Info("duplicate credit ignored", fields...)
	case ledger.OperationStatusRejected:
		operationLogger.logger.Info("debit rejected", fields...)
	default:
		operationLogger.logger.Debug("ledger operation", fields...)
	}
}
