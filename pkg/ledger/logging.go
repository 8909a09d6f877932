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
	Amount        TokenAmount
	ExternalRef   ExternalRef
	TransactionID string
	Balance       int64
	Status        string
	Error         error
}

// Name exposes the operation name for adapters outside the package.
func (entry OperationLog) Name() string {
	return entry.Operation
}

type multiOperationLogger []OperationLogger

func (loggers multiOperationLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		logger.LogOperation(ctx, entry)
	}
}

// WithOperationLogger wires loggers that receive callbacks for every operation.
func WithOperationLogger(loggers ...OperationLogger) ServiceOption {
	return func(service *Service) {
		combined := make(multiOperationLogger, 0, len(loggers))
		for _, logger := range loggers {
			if logger != nil {
				combined = append(combined, logger)
			}
		}
		if len(combined) == 0 {
			return
		}
		service.logger = combined
	}
}

// WithStoreTimeout bounds every store call made by the service.
func WithStoreTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.storeTimeout = timeout
		}
	}
}

// WithIDGenerator overrides the transaction id source.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
