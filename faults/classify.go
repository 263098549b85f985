package faults

import "errors"

// Kind is the classification bucket for a terminal failure. Each kind
// carries a declared recovery strategy and a stable user-facing message.
type Kind int

const (
	// KindUnknown covers failures that match no tagged variant.
	KindUnknown Kind = iota
	// KindNetwork covers connectivity failures and timeouts.
	KindNetwork
	// KindBackendUnavailable covers 5xx responses and open circuits.
	KindBackendUnavailable
	// KindAuth covers rejected or expired credentials.
	KindAuth
	// KindEncryption covers handshake and envelope decryption failures.
	KindEncryption
	// KindValidation covers malformed or rejected request data.
	KindValidation
	// KindStorage covers local durable storage failures.
	KindStorage
)

// String returns the classification name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network-connectivity"
	case KindBackendUnavailable:
		return "backend-unavailable"
	case KindAuth:
		return "authentication"
	case KindEncryption:
		return "encryption"
	case KindValidation:
		return "data-validation"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// RecoveryStrategy names the action expected to resolve a failure kind.
type RecoveryStrategy int

const (
	RecoveryReportAndContinue RecoveryStrategy = iota
	RecoveryRetryBackoff
	RecoveryQueueForRetry
	RecoveryRefreshAuth
	RecoveryResetSession
	RecoveryClearCache
	RecoveryUserCorrection
)

// String returns the strategy name.
func (s RecoveryStrategy) String() string {
	switch s {
	case RecoveryRetryBackoff:
		return "retry-with-backoff"
	case RecoveryQueueForRetry:
		return "queue-for-retry"
	case RecoveryRefreshAuth:
		return "refresh-auth"
	case RecoveryResetSession:
		return "reset-session"
	case RecoveryClearCache:
		return "clear-cache"
	case RecoveryUserCorrection:
		return "user-correction"
	default:
		return "report-and-continue"
	}
}

// Classify maps an error to its failure kind by matching tagged
// variants exhaustively.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		netErr        *NetworkError
		serverErr     *ServerError
		authErr       *AuthError
		validationErr *ValidationError
		handshakeErr  *HandshakeError
		decryptErr    *DecryptionError
		circuitErr    *CircuitOpenError
		storageErr    *StorageError
	)

	switch {
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &serverErr):
		return KindBackendUnavailable
	case errors.As(err, &circuitErr):
		return KindBackendUnavailable
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &handshakeErr):
		return KindEncryption
	case errors.As(err, &decryptErr):
		return KindEncryption
	case errors.As(err, &storageErr):
		return KindStorage
	default:
		return KindUnknown
	}
}

// Strategy returns the declared recovery strategy for a failure kind.
func (k Kind) Strategy() RecoveryStrategy {
	switch k {
	case KindNetwork:
		return RecoveryRetryBackoff
	case KindBackendUnavailable:
		return RecoveryQueueForRetry
	case KindAuth:
		return RecoveryRefreshAuth
	case KindEncryption:
		return RecoveryResetSession
	case KindValidation:
		return RecoveryUserCorrection
	case KindStorage:
		return RecoveryClearCache
	default:
		return RecoveryReportAndContinue
	}
}

// UserActionRequired reports whether the failure kind cannot be
// resolved without the user (sign in again, correct input).
func (k Kind) UserActionRequired() bool {
	return k == KindAuth || k == KindValidation
}

// UserMessage returns the stable, non-technical message shown for a
// failure kind. The wording is decoupled from transport error text.
func (k Kind) UserMessage() string {
	switch k {
	case KindNetwork:
		return "Connection problem. Please check your network and try again."
	case KindBackendUnavailable:
		return "The service is temporarily unavailable. Your request will be retried."
	case KindAuth:
		return "Your session has expired. Please sign in again."
	case KindEncryption:
		return "A secure connection could not be established. Reconnecting."
	case KindValidation:
		return "The request could not be processed. Please check your input."
	case KindStorage:
		return "Local data could not be accessed. Clearing cached data may help."
	default:
		return "Something went wrong. Please try again."
	}
}

// Retryable reports whether an error is transient and safe to retry
// with backoff. Circuit-breaker rejections are explicitly not
// retryable even though they classify as backend-unavailable.
func Retryable(err error) bool {
	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}

	switch Classify(err) {
	case KindNetwork, KindBackendUnavailable:
		return true
	default:
		return false
	}
}
