package service

import (
	"errors"
	"fmt"
)

var (
	ErrMissingRequest    = errors.New("missing principal or payment request")
	ErrSignatureCount    = errors.New("number of signatures must be 1 or 2")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrUnknownCurrency   = errors.New("unknown currency")
	ErrSelfPayment       = errors.New("payer and payee must differ")
	ErrPrincipalMismatch = errors.New("payer is not the authenticated user")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInvalidSignature  = errors.New("signature does not verify")
	ErrRequestMismatch   = errors.New("payer and payee requests differ")
	ErrResponseNotSigned = errors.New("response signing failed")
	ErrSettlementStorage = errors.New("settlement storage failure")
)

// Kind classifies why a settlement did not produce a signed response.
type Kind uint8

const (
	KindRejected Kind = iota + 1
	KindNegativeAmount
	KindNotAuthenticatedUser
	KindInsufficientFunds
	KindStorageFailure
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "REJECTED"
	case KindNegativeAmount:
		return "NEGATIVE_AMOUNT"
	case KindNotAuthenticatedUser:
		return "NOT_AUTHENTICATED_USER"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindStorageFailure:
		return "STORAGE_FAILURE"
	case KindInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Failure is the error returned by CreateTransaction. Kind is the contract
// callers branch on; Err carries the detail for logs.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err. Errors that did not come from
// the settlement pipeline are reported as internal errors; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternalError
}
