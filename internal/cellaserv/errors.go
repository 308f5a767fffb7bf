package cellaserv

import (
	"errors"
	"fmt"
)

// Sentinels for the protocol reply error taxonomy. A blocking Request returns
// a *ReplyError that matches one of these through errors.Is.
var (
	ErrTimeout       = errors.New("request timed out")
	ErrNoSuchService = errors.New("no such service")
	ErrNoSuchMethod  = errors.New("no such method")
	ErrBadArguments  = errors.New("bad arguments")
	ErrReply         = errors.New("reply error")
)

// ReplyError is the caller-visible form of a Reply carrying an ErrorDetail.
type ReplyError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ReplyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("reply error: %s", e.Kind)
	}
	return fmt.Sprintf("reply error: %s: %s", e.Kind, e.Detail)
}

func (e *ReplyError) Is(target error) bool {
	if target == ErrReply {
		return true
	}
	switch e.Kind {
	case ErrorTimeout:
		return target == ErrTimeout
	case ErrorNoSuchService:
		return target == ErrNoSuchService
	case ErrorNoSuchMethod:
		return target == ErrNoSuchMethod
	case ErrorBadArguments:
		return target == ErrBadArguments
	}
	return false
}

func replyErrorFrom(detail *ErrorDetail) error {
	return &ReplyError{Kind: detail.Kind, Detail: detail.Detail}
}

// FrameError is a connection-level fatal error: malformed frame length,
// truncated stream or an undecodable envelope. The connection must not be
// used after one is returned.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("frame error: %s", e.Reason)
	}
	return fmt.Sprintf("frame error: %s: %v", e.Reason, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func frameError(reason string, err error) *FrameError {
	return &FrameError{Reason: reason, Err: err}
}
