package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/ive/pkg/ive"
)

// addScratch fits one 32x64 u8 add tile in two slots.
const addScratch = 2*2*32*64 + 32*64

func newTestEcho(t *testing.T, opts ...Option) *echo.Echo {
	t.Helper()
	cfg := ive.DefaultConfig()
	cfg.DeviceBytes = 8 << 20
	cfg.ScratchBytes = addScratch
	cfg.Heap = true
	h, err := ive.New(cfg)
	if err != nil {
		t.Fatalf("ive.New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	e := echo.New()
	NewServer(h, opts...).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func filled(n int, v byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{v}, n))
}

func TestHealthAndOps(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d body=%s", rec.Code, rec.Body.String())
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "ok" || health.Backend != "sim" || health.ScratchBytes != addScratch {
		t.Fatalf("unexpected health: %+v", health)
	}

	ops := decode[OpsResponse](t, doJSON(t, e, http.MethodGet, "/v1/ops", ""))
	if len(ops.Ops) != len(ive.OpNames) {
		t.Fatalf("expected %d ops, got %v", len(ive.OpNames), ops.Ops)
	}
}

func TestStatusPage(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status page: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/v1/health") {
		t.Fatalf("unexpected page: %s", rec.Body.String())
	}
}

func TestPlanEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/plan", `{"op":"add","width":64,"height":64}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[PlanResponse](t, rec)
	if resp.Tiles != 2 || resp.Plan == nil || len(resp.Plan.Tiles) != 2 {
		t.Fatalf("expected 2 tiles, got %+v", resp)
	}
	if resp.Plan.Image.H != 64 || resp.Plan.Image.W != 64 {
		t.Fatalf("unexpected plan image %+v", resp.Plan.Image)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/plan", `{"op":"warp","width":64,"height":64}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown op, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestOpJobLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := fmt.Sprintf(`{"width":64,"height":64,"inputs":[%q,%q]}`, filled(64*64, 1), filled(64*64, 2))
	rec := doJSON(t, e, http.MethodPost, "/v1/ops/add", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("add status: got %d body=%s", rec.Code, rec.Body.String())
	}
	job := decode[Job](t, rec)
	if job.ID == "" || job.Status != "done" || job.Tiles != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.Outputs) != 1 || job.Outputs[0] != filled(64*64, 3) {
		t.Fatalf("expected every output pixel to be 3")
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+job.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	if got := decode[Job](t, getRec); got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/jobs/"+job.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response missing deleted=true: %s", delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+job.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestBlockChangesExtent(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := fmt.Sprintf(`{"width":8,"height":8,"params":{"cell":2},"inputs":[%q]}`, filled(64, 6))
	rec := doJSON(t, e, http.MethodPost, "/v1/ops/block", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("block status: got %d body=%s", rec.Code, rec.Body.String())
	}
	job := decode[Job](t, rec)
	if job.Width != 4 || job.Height != 4 || job.Format != "u8" {
		t.Fatalf("unexpected output shape: %+v", job)
	}
	if job.Outputs[0] != filled(16, 6) {
		t.Fatalf("expected the mean of a constant image to be constant")
	}
}

func TestOpValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"bad json", "/v1/ops/add", `{"width":`, http.StatusBadRequest},
		{"unknown field", "/v1/ops/copy", `{"width":4,"height":4,"colour":1}`, http.StatusBadRequest},
		{"unknown op", "/v1/ops/warp", `{"width":4,"height":4,"inputs":[]}`, http.StatusBadRequest},
		{"input count", "/v1/ops/add", fmt.Sprintf(`{"width":4,"height":4,"inputs":[%q]}`, filled(16, 1)), http.StatusBadRequest},
		{"short payload", "/v1/ops/copy", fmt.Sprintf(`{"width":4,"height":4,"inputs":[%q]}`, filled(15, 1)), http.StatusBadRequest},
		{"bad base64", "/v1/ops/copy", `{"width":4,"height":4,"inputs":["***"]}`, http.StatusBadRequest},
		{"bad format", "/v1/ops/copy", fmt.Sprintf(`{"width":4,"height":4,"format":"u7","inputs":[%q]}`, filled(16, 1)), http.StatusBadRequest},
		{"zero extent", "/v1/ops/copy", `{"width":0,"height":4,"inputs":[]}`, http.StatusBadRequest},
		{"bad job id", "/v1/jobs/nope", "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		method := http.MethodPost
		if strings.HasPrefix(tc.path, "/v1/jobs/") {
			method = http.MethodGet
		}
		rec := doJSON(t, e, method, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d body=%s", tc.name, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
	body := `{"op":"add","width":8,"height":8}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/plan", body); rec.Code != http.StatusOK {
		t.Fatalf("first plan: got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/plan", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health is not rate limited, got %d", rec.Code)
	}
}

func TestJobStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewJobStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Put(&Job{ID: id})
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected the oldest job to be evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 jobs, got %d", s.Len())
	}
	if !s.Delete("b") || s.Delete("b") {
		t.Fatal("expected exactly one successful delete")
	}
}
