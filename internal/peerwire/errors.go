package peerwire

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol         = errors.New("peerwire: unexpected protocol identifier")
	ErrInfoHashMismatch = errors.New("peerwire: info hash mismatch")
	ErrSelfConnection   = errors.New("peerwire: connected to self")
	ErrMalformed        = errors.New("peerwire: malformed message")
	ErrPipelineFull     = errors.New("peerwire: request pipeline full")
	ErrChoked           = errors.New("peerwire: choked by peer")
	ErrIdleTimeout      = errors.New("peerwire: idle timeout")
	ErrClosed           = errors.New("peerwire: connection closed")
)

// PacketSizeError reports a message whose declared length exceeds the
// configured maximum. The connection is dropped when it is seen.
type PacketSizeError struct {
	Length uint32
	Max    uint32
}

func (e *PacketSizeError) Error() string {
	return fmt.Sprintf("peerwire: message length %d exceeds maximum %d", e.Length, e.Max)
}

// IsProtocolViolation reports whether err was caused by the remote peer
// breaking the protocol, as opposed to a transport failure. Such peers are
// not retried.
func IsProtocolViolation(err error) bool {
	var pse *PacketSizeError
	return errors.As(err, &pse) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrInfoHashMismatch) ||
		errors.Is(err, ErrSelfConnection) ||
		errors.Is(err, ErrMalformed)
}
