package qerrors

import (
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
		code codes.Code
		http int
	}{
		{"malformed", MalformedPlanf("unknown node type %d", 77), KindMalformedPlan, codes.InvalidArgument, http.StatusBadRequest},
		{"not found", NotFoundf("collection %q not found", "users"), KindNotFound, codes.NotFound, http.StatusNotFound},
		{"policy", PolicyViolationf("fullCount inside subquery"), KindPolicyViolation, codes.FailedPrecondition, http.StatusBadRequest},
		{"data", RuntimeDataf("document %d not found", 3), KindRuntimeData, codes.Aborted, http.StatusConflict},
		{"killed", Killedf("query killed"), KindKilled, codes.Canceled, 499},
		{"timeout", Timeoutf("query timed out after %s", "1s"), KindKilled, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), KindUnknown, codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.err))
			require.Equal(t, tc.code, GRPCCode(tc.err))
			require.Equal(t, tc.http, HTTPStatus(tc.err))
		})
	}
}

func TestKilledIsDistinctFromData(t *testing.T) {
	killed := errors.Wrap(Killedf("killed"), "produceRows")
	require.True(t, IsKilled(killed))
	require.False(t, errors.Is(killed, ErrRuntimeData))

	data := RuntimeDataf("transaction aborted")
	require.False(t, IsKilled(data))

	timeout := Timeoutf("query timed out")
	require.True(t, IsKilled(timeout))
	require.True(t, IsTimeout(timeout))
	require.False(t, IsTimeout(killed))
}

func TestPolicyViolationIsAssertion(t *testing.T) {
	err := PolicyViolationf("fullCount requested at depth %d", 1)
	require.True(t, errors.HasAssertionFailure(err))
	require.True(t, errors.Is(err, ErrPolicyViolation))
}

func TestWrapRuntimeDataKeepsExistingKind(t *testing.T) {
	err := WrapRuntimeData(Killedf("stop"), "enumerate")
	require.Equal(t, KindKilled, KindOf(err))

	err = WrapRuntimeData(errors.New("disk"), "enumerate")
	require.Equal(t, KindRuntimeData, KindOf(err))
	require.Contains(t, err.Error(), "enumerate")

	require.NoError(t, WrapRuntimeData(nil, "x"))
	require.NoError(t, WrapMalformedPlan(nil, "x"))
}
