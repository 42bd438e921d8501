// Package qerrors defines the error taxonomy shared by plan construction and
// execution. Every error produced by the core carries exactly one kind marker
// so callers can branch with errors.Is instead of matching messages.
package qerrors

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMalformedPlan covers unknown node types, missing serialized fields and
	// inconsistent register bookkeeping. Raised during plan construction only.
	KindMalformedPlan
	// KindNotFound is a referenced collection, variable or index that does not exist.
	KindNotFound
	// KindPolicyViolation is a constraint the planner must uphold, such as
	// fullCount on a limit nested in a subquery.
	KindPolicyViolation
	// KindRuntimeData is a data error surfacing while rows are produced.
	KindRuntimeData
	// KindKilled is a kill or timeout. Callers should not retry it.
	KindKilled
)

func (k Kind) String() string {
	switch k {
	case KindMalformedPlan:
		return "malformed-plan"
	case KindNotFound:
		return "not-found"
	case KindPolicyViolation:
		return "policy-violation"
	case KindRuntimeData:
		return "runtime-data"
	case KindKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Marker errors. Use errors.Is(err, ErrKilled) and friends.
var (
	ErrMalformedPlan   = errors.New("malformed plan")
	ErrNotFound        = errors.New("not found")
	ErrPolicyViolation = errors.New("policy violation")
	ErrRuntimeData     = errors.New("runtime data error")
	ErrKilled          = errors.New("query killed")
	// ErrTimeout accompanies ErrKilled when the kill came from the query timeout.
	ErrTimeout = errors.New("query timed out")
)

var markers = []struct {
	kind   Kind
	marker error
}{
	{KindKilled, ErrKilled},
	{KindMalformedPlan, ErrMalformedPlan},
	{KindNotFound, ErrNotFound},
	{KindPolicyViolation, ErrPolicyViolation},
	{KindRuntimeData, ErrRuntimeData},
}

func MalformedPlanf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrMalformedPlan)
}

func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrNotFound)
}

// PolicyViolationf reports a broken planner contract. The result is an
// assertion failure so errors.HasAssertionFailure recognizes it as a bug.
func PolicyViolationf(format string, args ...any) error {
	return errors.Mark(errors.AssertionFailedWithDepthf(1, format, args...), ErrPolicyViolation)
}

func RuntimeDataf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrRuntimeData)
}

func Killedf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrKilled)
}

// Timeoutf is a killed error that also carries ErrTimeout.
func Timeoutf(format string, args ...any) error {
	return errors.Mark(errors.Mark(errors.NewWithDepthf(1, format, args...), ErrKilled), ErrTimeout)
}

// WrapMalformedPlan annotates err and marks it as a malformed-plan error.
func WrapMalformedPlan(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WrapWithDepthf(1, err, format, args...), ErrMalformedPlan)
}

// WrapRuntimeData annotates err as a runtime-data error unless it already
// carries a kind, in which case the original kind is preserved.
func WrapRuntimeData(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := errors.WrapWithDepthf(1, err, format, args...)
	if KindOf(err) != KindUnknown {
		return wrapped
	}
	return errors.Mark(wrapped, ErrRuntimeData)
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, m := range markers {
		if errors.Is(err, m.marker) {
			return m.kind
		}
	}
	return KindUnknown
}

func IsKilled(err error) bool { return errors.Is(err, ErrKilled) }

// IsTimeout reports whether err is a kill caused by the query timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// GRPCCode maps err onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch KindOf(err) {
	case KindMalformedPlan:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindPolicyViolation:
		return codes.FailedPrecondition
	case KindRuntimeData:
		return codes.Aborted
	case KindKilled:
		if errors.Is(err, ErrTimeout) {
			return codes.DeadlineExceeded
		}
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch GRPCCode(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted:
		return http.StatusConflict
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
