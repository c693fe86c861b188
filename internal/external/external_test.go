package external

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"

	"github.com/dsa110/contimg/internal/httputil"
)

func TestSubprocessToolsSolveParsesOutput(t *testing.T) {
	builder := &MockCommandBuilder{
		Next: &MockCommandExecutor{Output: []byte(`{"used_ref_antenna":"pa02","flagged_fraction":0.1,"median_solution_snr":12.5}`)},
	}
	tools := &SubprocessTools{Builder: builder, SolverBin: "solve-tool"}

	result, err := tools.Solve(context.Background(), "/data/cal.ms", SolveBandpass,
		[]string{"pa01", "pa02"}, SolverConfig{OutputTablePath: "/data/bp.tbl"})
	require.NoError(t, err)
	assert.Equal(t, "pa02", result.UsedRefAntenna)
	assert.InDelta(t, 0.1, result.FlaggedFraction, 1e-9)
	require.Len(t, builder.Built, 1)
	assert.Equal(t, "solve-tool", builder.Built[0].Name)
}

func TestSubprocessToolsApplyPropagatesSubprocessFailure(t *testing.T) {
	builder := &MockCommandBuilder{Next: &MockCommandExecutor{Err: assertErr{}, Output: []byte("bad input")}}
	tools := &SubprocessTools{Builder: builder, ApplyBin: "apply-tool"}

	err := tools.Apply(context.Background(), "/data/target.ms", []string{"/data/bp.tbl"}, ApplyConfig{})
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestSubprocessToolsPopulateModelRejectsEmptyModel(t *testing.T) {
	builder := &MockCommandBuilder{
		Next: &MockCommandExecutor{Output: []byte(`{"model_peak_jy":0,"model_nonzero_fraction":0}`)},
	}
	tools := &SubprocessTools{Builder: builder, ModelPopBin: "populate-model"}

	err := tools.PopulateModel(context.Background(), "/data/cal.ms", "3C48")
	require.Error(t, err)

	builder.Next = &MockCommandExecutor{Output: []byte(`{"model_peak_jy":15.2,"model_nonzero_fraction":0.97}`)}
	require.NoError(t, tools.PopulateModel(context.Background(), "/data/cal.ms", "3C48"))
}

func TestWebhookAlertChannelPostsJSON(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "ok")
	ch := NewWebhookAlertChannel("ops", "https://example.test/alerts", mock)

	err := ch.Send(context.Background(), Alert{Severity: SeverityCritical, Message: "disk low", Context: map[string]interface{}{"group": "g1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestHealthServiceAlertChannelFlipsServingStatus(t *testing.T) {
	hs := health.NewServer()
	ch := NewHealthServiceAlertChannel("grpc-health", "mosaic", hs)

	require.NoError(t, ch.Send(context.Background(), Alert{Severity: SeverityCritical, Message: "mosaic stalled"}))
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "mosaic"})
	require.NoError(t, err)
	assert.True(t, proto.Equal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, resp))

	require.NoError(t, ch.Send(context.Background(), Alert{Severity: SeverityInfo, Message: "recovered"}))
	resp, err = hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "mosaic"})
	require.NoError(t, err)
	assert.True(t, proto.Equal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, resp))
}
