package domain

import (
	"errors"
	"net/http"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents an upstream call failure that may be retriable
type NetworkError struct {
	Op         string // Operation that failed (e.g., "fetch_quotes", "dial", "read")
	StatusCode int    // HTTP status when the upstream answered, 0 otherwise
	Err        error  // Underlying error
	Retriable  bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a 429 from the provider.
func IsRateLimited(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.StatusCode == http.StatusTooManyRequests
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrValidation is returned for malformed order input. Never touches the ledger.
	ErrValidation = errors.New("invalid order")

	// ErrStockNotFound is returned when the symbol is not in the catalog.
	ErrStockNotFound = errors.New("stock not found")

	// ErrUserNotFound is returned when the user has no account row.
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientFunds is returned when a buy costs more than the available balance.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrInsufficientHoldings is returned when a sell exceeds the held quantity.
	ErrInsufficientHoldings = errors.New("not enough shares")

	// ErrPriceUnavailable is returned when neither the cache nor the upstream has a price.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrPersistence wraps unexpected storage failures.
	ErrPersistence = errors.New("persistence failure")

	// ErrOrderNotFound is returned for unknown pending order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrPermissionDenied is returned when a pending order belongs to another user.
	ErrPermissionDenied = errors.New("permission denied")
)

// Error kinds reported in OrderResult.Kind.
const (
	KindValidation           = "validation"
	KindNotFound             = "not_found"
	KindInsufficientFunds    = "insufficient_funds"
	KindInsufficientHoldings = "insufficient_holdings"
	KindPriceUnavailable     = "price_unavailable"
	KindPermissionDenied     = "permission_denied"
	KindPersistence          = "persistence"
)

// ErrorKind classifies an order error. Anything unrecognized is a persistence failure.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStockNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInsufficientHoldings):
		return KindInsufficientHoldings
	case errors.Is(err, ErrPriceUnavailable):
		return KindPriceUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	default:
		return KindPersistence
	}
}
