package dbftconsensus

import "errors"

var (
	// ErrMalformed is wrapped by errors for messages
	// that fail structural validation or decoding.
	ErrMalformed = errors.New("malformed message")

	ErrWrongCategory      = errors.New("wrong envelope category")
	ErrOutsideValidWindow = errors.New("envelope outside valid block window")
	ErrStale              = errors.New("message for past block")
	ErrFuture             = errors.New("message for future block")
	ErrUnknownValidator   = errors.New("validator index out of range")
	ErrBadSender          = errors.New("sender does not match validator")
	ErrBadSignature       = errors.New("invalid witness signature")

	// ErrTxInvalid and ErrTxPolicy are wrapped by [Mempool.Verify]
	// to distinguish invalid transactions from ones rejected by policy.
	ErrTxInvalid = errors.New("invalid transaction")
	ErrTxPolicy  = errors.New("transaction rejected by policy")
)
