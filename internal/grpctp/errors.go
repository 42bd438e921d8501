package grpctp

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanpama/planexec/internal/qerrors"
)

// fromStatus turns a failed call into a query error. Deadlines and
// cancellations of the caller's context become kills; everything else the
// remote side reports keeps its kind where one maps.
func fromStatus(ctx context.Context, endpoint string, err error) error {
	if ctx.Err() != nil {
		return qerrors.Killedf("remote fetch from %s: %v", endpoint, ctx.Err())
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.NotFound:
		return qerrors.NotFoundf("remote %s: %s", endpoint, st.Message())
	case codes.InvalidArgument:
		return qerrors.MalformedPlanf("remote %s: %s", endpoint, st.Message())
	case codes.FailedPrecondition:
		return qerrors.PolicyViolationf("remote %s: %s", endpoint, st.Message())
	case codes.Canceled:
		return qerrors.Killedf("remote %s: %s", endpoint, st.Message())
	default:
		return qerrors.RuntimeDataf("remote %s: %s: %s", endpoint, st.Code(), st.Message())
	}
}

// toStatus is the server-side inverse of fromStatus.
func toStatus(err error) error {
	return status.Error(qerrors.GRPCCode(err), err.Error())
}
