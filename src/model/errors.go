package model

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnsupported          = errors.New("unsupported operation")
	ErrValidation           = errors.New("validation failed")
	ErrTransactionsDiffered = errors.New("the signed and unsigned transactions differed")
	ErrMissingDigest        = errors.New("a valid http signature must include the content digest")
	ErrDigestMismatch       = errors.New("the digest specified is not valid for the unsigned transaction provided")
	ErrInvalidSignature     = errors.New("the http-signature is not valid")
	ErrPromotionUnavailable = errors.New("promotion not available")
	ErrDuplicateSubmission  = errors.New("transaction already submitted")
	ErrConflict             = errors.New("entry already exists")

	// fatal, these must never be silently corrected
	ErrOverpaid       = errors.New("publisher overpaid")
	ErrUnexpectedFees = errors.New("unexpected fee charged on settlement transfer")
)

// RetryableError - a transient failure, callers should back off for RetryAfter
type RetryableError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (re *RetryableError) Error() string {
	if re.Err != nil {
		return fmt.Sprintf("%s, retry after %s: %s", re.Reason, re.RetryAfter, re.Err)
	}
	return fmt.Sprintf("%s, retry after %s", re.Reason, re.RetryAfter)
}

func (re *RetryableError) Unwrap() error {
	return re.Err
}

func Retryable(reason string, after time.Duration, err error) error {
	return &RetryableError{Reason: reason, RetryAfter: after, Err: err}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrOverpaid) || errors.Is(err, ErrUnexpectedFees)
}
