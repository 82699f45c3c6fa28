package tts

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies synthesis and transcoding failures.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindRemoteUnavailable
	KindInvalidRequest
	KindTranscode
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth_failure"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	case KindTranscode:
		return "transcode_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrAuth              = &Failure{Kind: KindAuth}
	ErrRemoteUnavailable = &Failure{Kind: KindRemoteUnavailable}
	ErrInvalidRequest    = &Failure{Kind: KindInvalidRequest}
	ErrTranscode         = &Failure{Kind: KindTranscode}
	ErrCancelled         = &Failure{Kind: KindCancelled}
)

// Failure is a generation-scoped synthesis or transcoding error.
type Failure struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Op == "" && f.Err == nil {
		return f.Kind.String()
	}
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches any Failure of the same Kind.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == f.Kind
}

// Retryable reports whether another attempt may succeed.
func (f *Failure) Retryable() bool { return f.Kind == KindRemoteUnavailable }

// Fail builds a Failure of the given kind.
func Fail(kind Kind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf returns the failure kind carried by err, or 0 when err is not a Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// Classify maps an error returned by the remote service onto the failure taxonomy.
// A cancelled context always wins so that late results of superseded calls read as Cancelled.
func Classify(ctx context.Context, op string, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return Fail(KindCancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(KindRemoteUnavailable, op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return Fail(KindRemoteUnavailable, op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return Fail(KindAuth, op, err)
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented, codes.AlreadyExists:
		return Fail(KindInvalidRequest, op, err)
	case codes.Canceled:
		return Fail(KindCancelled, op, err)
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted, Internal, Aborted, Unknown, DataLoss
		return Fail(KindRemoteUnavailable, op, err)
	}
}
