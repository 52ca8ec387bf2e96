package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/device/virtual"
	"github.com/loykin/simpool/internal/history"
	"github.com/loykin/simpool/internal/pool"
	"github.com/loykin/simpool/internal/simulator"
	"github.com/loykin/simpool/internal/state"
)

var phone = device.Configuration{DeviceType: "iPhone 6s", Family: device.FamilyPhone, OSVersion: "iOS 9.3"}

func setupRouter(t *testing.T, base string, opts pool.Options, ropts ...RouterOption) (http.Handler, *pool.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	set, err := virtual.New(virtual.Options{
		Root:          t.TempDir(),
		CreateDelay:   2 * time.Millisecond,
		BootDelay:     5 * time.Millisecond,
		ShutdownDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	opts.PollInterval = 2 * time.Millisecond
	opts.BootTimeout = 3 * time.Second
	opts.ShutdownTimeout = 3 * time.Second
	p := pool.New(set, set, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, sim := range p.AllocatedSet() {
			_, _ = p.Free(ctx, sim)
		}
		_ = p.Close(ctx)
	})
	return NewRouter(p, base, ropts...).Handler(), p
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doLeaseReq(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(LeaseTokenHeader, token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAllocateBootFree(t *testing.T) {
	h, _ := setupRouter(t, "/api", pool.Options{Capacity: 2})

	rec := doReq(t, h, http.MethodPost, "/api/allocate", AllocateRequest{Configuration: phone, Options: "create"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[allocateResp](t, rec)
	require.NotEmpty(t, snap.UDID)
	require.NotEmpty(t, snap.LeaseToken)
	assert.True(t, snap.Allocated)
	assert.Equal(t, phone, snap.Configuration)

	rec = doLeaseReq(t, h, "/api/boot?udid="+snap.UDID, snap.LeaseToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "booted", decode[map[string]any](t, rec)["state"])

	rec = doReq(t, h, http.MethodGet, "/api/simulators?set=allocated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]simulator.Snapshot](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, snap.UDID, list[0].UDID)

	rec = doReq(t, h, http.MethodGet, "/api/simulators/"+snap.UDID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]history.Entry](t, rec)
	require.NotEmpty(t, entries)
	assert.Equal(t, uint64(1), entries[0].Seq)

	rec = doReq(t, h, http.MethodGet, fmt.Sprintf("/api/simulators/%s/history?since=%d", snap.UDID, 1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tail := decode[[]history.Entry](t, rec)
	require.NotEmpty(t, tail)
	assert.Equal(t, uint64(2), tail[0].Seq)

	rec = doReq(t, h, http.MethodPost, "/api/free?udid="+snap.UDID+"&token="+snap.LeaseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rel := decode[map[string]any](t, rec)
	assert.Equal(t, snap.UDID, rel["udid"])
	assert.Equal(t, "erase", rel["disposition"])

	rec = doReq(t, h, http.MethodGet, "/api/simulators?set=free", nil)
	require.Len(t, decode[[]simulator.Snapshot](t, rec), 1)

	rec = doLeaseReq(t, h, "/api/free?udid="+snap.UDID, snap.LeaseToken)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_allocated", decode[errorResp](t, rec).Reason)

	rec = doReq(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[pool.Stats](t, rec)
	assert.Equal(t, 1, stats.Free)
	assert.Equal(t, 0, stats.Allocated)
	assert.Equal(t, 1, stats.Created)
}

func TestAllocateBadRequests(t *testing.T) {
	h, _ := setupRouter(t, "", pool.Options{Capacity: 1})

	req := httptest.NewRequest(http.MethodPost, "/allocate", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone, Options: "steal"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: device.Configuration{DeviceType: "iPhone 6s"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(pool.ReasonInvalidConfig), decode[errorResp](t, rec).Reason)
}

func TestAllocateCapacityExhausted(t *testing.T) {
	h, _ := setupRouter(t, "", pool.Options{Capacity: 1})

	rec := doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone, Options: "create"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone, Options: "reuse|create"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(pool.ReasonCapacityExhausted), decode[errorResp](t, rec).Reason)

	rec = doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone, Options: "reuse"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(pool.ReasonNoMatch), decode[errorResp](t, rec).Reason)
}

func TestUnknownAndInvalidUDID(t *testing.T) {
	h, _ := setupRouter(t, "/api", pool.Options{})

	for _, path := range []string{"/api/free?udid=nope", "/api/boot?udid=nope", "/api/shutdown?udid=nope"} {
		rec := doReq(t, h, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := doReq(t, h, http.MethodGet, "/api/simulators/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/free", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/boot?udid=a..b", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndHistoryValidation(t *testing.T) {
	h, _ := setupRouter(t, "", pool.Options{Capacity: 1})

	rec := doReq(t, h, http.MethodGet, "/simulators?set=everything", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/simulators", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]simulator.Snapshot](t, rec))

	rec = doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	udid := decode[simulator.Snapshot](t, rec).UDID

	rec = doReq(t, h, http.MethodGet, "/simulators/"+udid+"/history?since=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShutdownRequiresLease(t *testing.T) {
	h, p := setupRouter(t, "", pool.Options{Capacity: 1})

	rec := doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lease := decode[allocateResp](t, rec)

	rec = doLeaseReq(t, h, "/free?udid="+lease.UDID, lease.LeaseToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, p.FreeSet(), 1)

	rec = doLeaseReq(t, h, "/shutdown?udid="+lease.UDID, lease.LeaseToken)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLeaseTokenRequired(t *testing.T) {
	h, p := setupRouter(t, "", pool.Options{Capacity: 2})

	rec := doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	mine := decode[allocateResp](t, rec)
	rec = doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone, Options: "create"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	theirs := decode[allocateResp](t, rec)
	require.NotEqual(t, mine.LeaseToken, theirs.LeaseToken)

	for _, path := range []string{"/free", "/boot", "/shutdown"} {
		rec = doReq(t, h, http.MethodPost, path+"?udid="+mine.UDID, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "lease_token", decode[errorResp](t, rec).Reason)

		rec = doLeaseReq(t, h, path+"?udid="+mine.UDID, theirs.LeaseToken)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
	assert.Len(t, p.AllocatedSet(), 2)

	rec = doLeaseReq(t, h, "/free?udid="+mine.UDID, mine.LeaseToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, p.AllocatedSet(), 1)
}

func TestResyncEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	set, err := virtual.New(virtual.Options{Root: t.TempDir(), CreateDelay: time.Millisecond, BootDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	p := pool.New(set, set, pool.Options{PollInterval: 2 * time.Millisecond, BootTimeout: 3 * time.Second, ShutdownTimeout: 3 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, sim := range p.AllocatedSet() {
			_, _ = p.Free(ctx, sim)
		}
		_ = p.Close(ctx)
	})
	h := NewRouter(p, "").Handler()

	rec := doReq(t, h, http.MethodPost, "/allocate", AllocateRequest{Configuration: phone})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lease := decode[allocateResp](t, rec)
	sim, ok := p.Get(lease.UDID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = sim.WaitState(ctx, "create", state.Shutdown)
	require.NoError(t, err)

	set.SetRawStatus(lease.UDID, 42)
	_, err = sim.WaitState(ctx, "unknown", state.Unknown)
	require.NoError(t, err)
	set.ClearRawStatus(lease.UDID)

	rec = doReq(t, h, http.MethodPost, "/resync?udid="+lease.UDID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "shutdown", decode[map[string]any](t, rec)["state"])

	rec = doReq(t, h, http.MethodPost, "/resync?udid=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrewarmEndpoint(t *testing.T) {
	h, p := setupRouter(t, "", pool.Options{Capacity: 3, PrewarmParallelism: 2})

	rec := doReq(t, h, http.MethodPost, "/prewarm", PrewarmRequest{Configuration: phone})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/prewarm", PrewarmRequest{Configuration: phone, Count: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[prewarmResp](t, rec).Created)
	assert.Len(t, p.FreeSet(), 2)
}

func TestReconcileWithoutStore(t *testing.T) {
	h, _ := setupRouter(t, "", pool.Options{})
	rec := doReq(t, h, http.MethodPost, "/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestMetricsMounted(t *testing.T) {
	h, _ := setupRouter(t, "/api", pool.Options{}, WithMetrics("/metrics"))
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h, _ = setupRouter(t, "/api", pool.Options{})
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&pool.AllocationError{Reason: pool.ReasonNoMatch}, http.StatusConflict},
		{&pool.AllocationError{Reason: pool.ReasonClosed}, http.StatusServiceUnavailable},
		{&pool.AllocationError{Reason: pool.ReasonCreateFailed}, http.StatusBadGateway},
		{&pool.FreeError{UDID: "x", Reason: "not allocated"}, http.StatusConflict},
		{fmt.Errorf("%w: x", pool.ErrLeaseToken), http.StatusForbidden},
		{fmt.Errorf("route: %w", pool.ErrNotFound), http.StatusNotFound},
		{&simulator.TimeoutError{Op: "boot"}, http.StatusGatewayTimeout},
		{&simulator.TransitionError{}, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := statusFor(tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
	}
}
