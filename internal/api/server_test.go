package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplacebreak/ppb-server/internal/async"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/service"
	"github.com/patchplacebreak/ppb-server/internal/store/memory"
)

// testServer wraps the API server for handler tests.
type testServer struct {
	*Server
	api   humatest.TestAPI
	store *memory.Store
	exec  *async.Executor
}

func setupTestServer(t *testing.T, connect bool) *testServer {
	return setupTestServerWith(t, connect, Options{})
}

func setupTestServerWith(t *testing.T, connect bool, opts Options) *testServer {
	t.Helper()
	log := logger.Discard().Logger

	st := memory.New(time.Second, log)
	if connect {
		require.NoError(t, st.Connect(context.Background()))
	}
	t.Cleanup(func() { _ = st.Disconnect() })

	exec := async.NewExecutor(2, log)
	t.Cleanup(func() { _ = exec.Shutdown(context.Background()) })

	svc := service.NewExploitService(st, exec, log, service.Options{
		Restrictions: domain.NewRestrictedBlocks([]string{"BEDROCK"}, domain.RestrictionBlacklist),
	})
	s := NewServer(svc, st, "IN_MEMORY", opts, log)
	t.Cleanup(s.Close)

	return &testServer{Server: s, api: humatest.Wrap(t, s.api), store: st, exec: exec}
}

func blockJSON(world string, x, y, z int, material string) map[string]any {
	return map[string]any{
		"location": map[string]any{"world": world, "x": x, "y": y, "z": z},
		"material": material,
	}
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func (ts *testServer) checkBreak(t *testing.T, block map[string]any) bool {
	t.Helper()
	resp := ts.api.Post("/api/v1/breaks/check", map[string]any{"block": block})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	return decode[CheckBreakResponse](t, resp.Body.Bytes()).Exploit
}

func TestHealthCheck_Connected(t *testing.T) {
	ts := setupTestServer(t, true)

	resp := ts.api.Get("/health")

	assert.Equal(t, http.StatusOK, resp.Code)
	health := decode[HealthResponse](t, resp.Body.Bytes())
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "IN_MEMORY", health.Components["data_source"].Message)
	assert.NotEmpty(t, resp.Header().Get(OperationIDHeader))
}

func TestHealthCheck_Disconnected(t *testing.T) {
	ts := setupTestServer(t, false)

	resp := ts.api.Get("/health")

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, resp.Body.Bytes()).Status)
}

func TestOperationID_Propagated(t *testing.T) {
	ts := setupTestServer(t, true)

	resp := ts.api.Get("/health", OperationIDHeader+": op-caller")

	assert.Equal(t, "op-caller", resp.Header().Get(OperationIDHeader))
}

func TestPlacementThenBreak(t *testing.T) {
	ts := setupTestServer(t, true)
	block := blockJSON("world", 5, 64, -3, "stone")

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": block})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	assert.True(t, ts.checkBreak(t, block))
	assert.False(t, ts.checkBreak(t, block), "tag is consumed")
}

func TestPlacement_Async(t *testing.T) {
	ts := setupTestServer(t, true)
	block := blockJSON("world", 1, 2, 3, "STONE")

	resp := ts.api.Post("/api/v1/placements?async=true", map[string]any{"block": block, "ephemeral": false})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	require.NoError(t, ts.exec.Shutdown(context.Background()))
	assert.True(t, ts.checkBreak(t, block))
}

func TestPlacement_AsyncThenImmediateCheck(t *testing.T) {
	ts := setupTestServer(t, true)

	for i := range 50 {
		block := blockJSON("world", i, 64, 0, "STONE")
		resp := ts.api.Post("/api/v1/placements?async=true", map[string]any{"block": block})
		require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

		require.True(t, ts.checkBreak(t, block), "check %d ran before the accepted placement", i)
	}
}

func TestPlacement_RestrictedMaterialIgnored(t *testing.T) {
	ts := setupTestServer(t, true)
	block := blockJSON("world", 0, -64, 0, "bedrock")

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": block})
	require.Equal(t, http.StatusNoContent, resp.Code)

	assert.False(t, ts.checkBreak(t, block))
}

func TestPlacement_ValidationError(t *testing.T) {
	ts := setupTestServer(t, true)

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": blockJSON("", 0, 0, 0, "STONE")})

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	apiErr := decode[APIError](t, resp.Body.Bytes())
	assert.Equal(t, "VALIDATION", apiErr.Code)
}

func TestPlacement_MalformedBody(t *testing.T) {
	ts := setupTestServer(t, true)

	resp := ts.api.Post("/api/v1/placements", map[string]any{"ephemeral": true})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "VALIDATION", decode[APIError](t, resp.Body.Bytes()).Code)
}

func TestPlacement_BackendDown(t *testing.T) {
	ts := setupTestServer(t, false)

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": blockJSON("world", 0, 0, 0, "STONE")})

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "CONNECTION", decode[APIError](t, resp.Body.Bytes()).Code)
}

func TestCheckBreak_FailsOpenWhenBackendDown(t *testing.T) {
	ts := setupTestServer(t, false)

	assert.False(t, ts.checkBreak(t, blockJSON("world", 0, 0, 0, "STONE")))
}

func TestInvalidate(t *testing.T) {
	ts := setupTestServer(t, true)
	crop := blockJSON("world", 3, 64, 3, "WHEAT")

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": crop, "ephemeral": true})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = ts.api.Post("/api/v1/invalidations", map[string]any{"block": crop})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	assert.False(t, ts.checkBreak(t, crop))
}

func TestMoveTags(t *testing.T) {
	ts := setupTestServer(t, true)
	from := blockJSON("world", 0, 64, 0, "STONE")
	to := blockJSON("world", 0, 65, 0, "STONE")

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": from})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = ts.api.Post("/api/v1/moves", map[string]any{
		"blocks":    []any{from},
		"direction": map[string]any{"x": 0, "y": 1, "z": 0},
	})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	assert.False(t, ts.checkBreak(t, from))
	assert.True(t, ts.checkBreak(t, to))
}

func TestMoveTags_RejectsInvalidBlock(t *testing.T) {
	ts := setupTestServer(t, true)

	resp := ts.api.Post("/api/v1/moves", map[string]any{
		"blocks":    []any{blockJSON("world", 0, 0, 0, "STONE"), blockJSON("", 0, 0, 0, "STONE")},
		"direction": map[string]any{"x": 1, "y": 0, "z": 0},
	})

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, decode[APIError](t, resp.Body.Bytes()).Message, "blocks[1]")
}

func TestRemoveTag(t *testing.T) {
	ts := setupTestServer(t, true)
	block := blockJSON("world", 9, 9, 9, "CACTUS")

	resp := ts.api.Post("/api/v1/placements", map[string]any{"block": block})
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = ts.api.Delete("/api/v1/tags", map[string]any{"block": block})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	assert.False(t, ts.checkBreak(t, block))
}

func TestGetRestrictions(t *testing.T) {
	ts := setupTestServer(t, true)

	resp := ts.api.Get("/api/v1/restrictions")

	require.Equal(t, http.StatusOK, resp.Code)
	r := decode[RestrictionsResponse](t, resp.Body.Bytes())
	assert.Equal(t, "BLACKLIST", r.Mode)
	assert.Equal(t, []string{"BEDROCK"}, r.Materials)
}

func TestRateLimit(t *testing.T) {
	ts := setupTestServerWith(t, true, Options{RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusOK, ts.api.Get("/health").Code)
	assert.Equal(t, http.StatusOK, ts.api.Get("/health").Code)

	resp := ts.api.Get("/health")
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "RATE_LIMITED", decode[APIError](t, resp.Body.Bytes()).Code)

	// Another client has its own budget.
	resp = ts.api.Get("/health", "X-Real-IP: 192.0.2.7")
	assert.Equal(t, http.StatusOK, resp.Code)
}
