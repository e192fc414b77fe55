package lib

import (
	"fmt"
	"net/netip"
)

// ErrorCode is the signed result code reported by the socket API. Success is
// never represented by an ErrorCode; API calls return a nil error instead.
type ErrorCode int32

const (
	ErrNotSupported  ErrorCode = -9  // operation not supported by this endpoint
	ErrParameter     ErrorCode = -17 // bad endpoint id, length or timeout/mode combination
	ErrObjectState   ErrorCode = -41 // operation invalid for the current connection state
	ErrQueueOverflow ErrorCode = -43 // another request is already outstanding
	ErrReleased      ErrorCode = -49 // request forcibly released by Cancel
	ErrTimeout       ErrorCode = -50 // countdown expired, or nothing available in poll mode
	ErrReset         ErrorCode = -52 // connection reset by peer, protocol violation or retry exhaustion
	ErrWouldBlock    ErrorCode = -57 // non-blocking request accepted and in progress
)

func (e ErrorCode) Error() string {
	switch e {
	case ErrNotSupported:
		return "operation not supported"
	case ErrParameter:
		return "parameter error"
	case ErrObjectState:
		return "object state error"
	case ErrQueueOverflow:
		return "queue overflow"
	case ErrReleased:
		return "request forcibly released"
	case ErrTimeout:
		return "timeout"
	case ErrReset:
		return "connection reset"
	case ErrWouldBlock:
		return "non-blocking call in progress"
	}
	return fmt.Sprintf("error code %d", int32(e))
}

// Code returns the raw signed result code.
func (e ErrorCode) Code() int32 { return int32(e) }

// Timeout allows ErrTimeout to satisfy net.Error style checks.
func (e ErrorCode) Timeout() bool { return e == ErrTimeout }

// Temporary reports whether retrying the call may succeed.
func (e ErrorCode) Temporary() bool {
	return e == ErrTimeout || e == ErrQueueOverflow || e == ErrWouldBlock
}

// Result is the completion record of a request. N is the byte count for
// data transfers, Err is nil on success.
type Result struct {
	N      int
	Err    error
	Remote netip.AddrPort // peer of an accepted connection or source of a datagram
}

// Code folds r into the signed convention used by C-style callers: a byte count
// (or zero) on success, a negative ErrorCode on failure.
func (r *Result) Code() int32 {
	if r.Err == nil {
		return int32(r.N)
	}
	if c, ok := r.Err.(ErrorCode); ok {
		return int32(c)
	}
	return int32(ErrReset)
}
