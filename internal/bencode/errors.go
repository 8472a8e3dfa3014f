package bencode

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated       = errors.New("truncated input")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidInteger  = errors.New("invalid integer")
	ErrLeadingZero     = errors.New("leading zeros not allowed")
	ErrNegativeZero    = errors.New("negative zero not allowed")
	ErrInvalidLength   = errors.New("malformed length prefix")
	ErrStringTooLong   = errors.New("string length exceeds limit")
	ErrUnsortedKeys    = errors.New("dictionary keys not sorted")
	ErrDuplicateKey    = errors.New("duplicate dictionary key")
	ErrNonStringKey    = errors.New("dictionary key is not a string")
	ErrTooDeep         = errors.New("exceeded max nesting depth")
	ErrTrailingData    = errors.New("trailing data after value")
	ErrUnsupportedType = errors.New("unsupported type")
)

// DecodeError reports malformed bencoded input and the offset it was found at.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
