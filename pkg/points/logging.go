package points

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation outcome.
type OperationLog struct {
	Operation   string
	AccountID   AccountID
	Amount      int64
	Description string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithZeroAmountEarns accepts Earn calls with amount zero. The balance is
// rewritten unchanged and a zero EARN entry is still recorded.
func WithZeroAmountEarns() ServiceOption {
	return func(service *Service) {
		service.allowZeroEarn = true
	}
}

// WithApplyAttemptLimit overrides the compare-and-set retry ceiling.
// Values below one are ignored.
func WithApplyAttemptLimit(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts >= 1 {
			service.applyAttempts = attempts
		}
	}
}
