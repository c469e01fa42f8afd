package executor

import "fmt"

// Stable machine-readable error codes surfaced in API responses.
const (
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeLimitExceeded = "LIMIT_EXCEEDED"
	CodeExchange      = "EXCHANGE_ERROR"
	CodePersistence   = "PERSISTENCE_ERROR"
	CodeInvalidAction = "INVALID_ACTION"
)

// ConfigurationError means the user's settings row is missing, auto
// trading is disabled, or exchange credentials are absent. Not
// retryable without user action.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// LimitExceededError is a policy rejection: the daily trade cap or the
// position notional cap was hit. Not retryable until the limiting
// condition changes.
type LimitExceededError struct {
	Reason string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %s", e.Reason)
}

// ExchangeError means the venue rejected the request. The raw status
// and body are surfaced; nothing was persisted.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange rejected request (status %d): %s", e.StatusCode, e.Body)
}

// PersistenceError means the exchange accepted the order but the ledger
// write failed. The exchange-side effect is NOT undone; semantics are
// at-least-submitted, best-effort-recorded.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("order submitted but ledger write failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InvalidActionError is returned for unrecognized invocation actions.
type InvalidActionError struct {
	Action string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action: %q", e.Action)
}

// ErrorCode maps an error to its stable code, or empty for errors
// outside the taxonomy.
func ErrorCode(err error) string {
	switch err.(type) {
	case *ConfigurationError:
		return CodeConfiguration
	case *LimitExceededError:
		return CodeLimitExceeded
	case *ExchangeError:
		return CodeExchange
	case *PersistenceError:
		return CodePersistence
	case *InvalidActionError:
		return CodeInvalidAction
	default:
		return ""
	}
}
