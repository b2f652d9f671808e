package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/pipeline"
	"github.com/samcharles93/stylus/internal/stylealign"
	"github.com/samcharles93/stylus/internal/tensor"
)

type fakeGenerator struct {
	mu     sync.Mutex
	err    error
	aligns []pipeline.AlignRequest
	blends []diffusion.BlendRequest
}

func (g *fakeGenerator) Align(ctx context.Context, req pipeline.AlignRequest) ([]*tensor.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aligns = append(g.aligns, req)
	if g.err != nil {
		return nil, g.err
	}
	out := make([]*tensor.Tensor, len(req.Prompts))
	for i := range out {
		out[i] = tensor.Full(float32(10*i), 4, 4, 3)
	}
	return out, nil
}

func (g *fakeGenerator) Blend(ctx context.Context, req diffusion.BlendRequest) (*tensor.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blends = append(g.blends, req)
	if g.err != nil {
		return nil, g.err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req.Images[0].Clone(), nil
}

func (g *fakeGenerator) Resolution() int { return 4 }

func newTestServer(g Generator) (*echo.Echo, *Server) {
	server := NewServer(nil, NewStaticProvider(g), DefaultDefaults(), nil)
	e := echo.New()
	server.Register(e)
	return e, server
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) Job {
	t.Helper()
	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v body=%s", err, rec.Body.String())
	}
	return job
}

func pngBase64(t *testing.T, v uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestAlignJobLifecycle(t *testing.T) {
	t.Parallel()
	g := &fakeGenerator{}
	e, _ := newTestServer(g)

	rec := doJSON(t, e, http.MethodPost, "/v1/align", `{"prompts":["a","b"],"steps":3,"style":{"share_attention":true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.Status != JobCompleted || job.Kind != "align" || len(job.Images) != 2 || job.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}
	raw, err := base64.StdEncoding.DecodeString(job.Images[1])
	if err != nil {
		t.Fatalf("decode image: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if r, _, _, _ := img.At(0, 0).RGBA(); r>>8 != 10 {
		t.Fatalf("second image red = %d, want 10", r>>8)
	}

	got := g.aligns[0]
	if got.Steps != 3 || got.GuidanceScale != 7.5 || !got.Style.ShareAttention || got.Style.ShareGroupNorm {
		t.Fatalf("unexpected pipeline request %+v", got)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+job.ID, "")
	if getRec.Code != http.StatusOK || decodeJob(t, getRec).ID != job.ID {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	delRec := doJSON(t, e, http.MethodDelete, "/v1/jobs/"+job.ID, "")
	if delRec.Code != http.StatusOK || !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+job.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/jobs/"+job.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting twice, got %d", rec.Code)
	}
}

func TestAlignDefaultsStyle(t *testing.T) {
	t.Parallel()
	g := &fakeGenerator{}
	e, _ := newTestServer(g)
	if rec := doJSON(t, e, http.MethodPost, "/v1/align", `{"prompts":["a"]}`); rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if got := g.aligns[0]; got.Steps != 50 || got.Style != stylealign.DefaultArgs() {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeGenerator{})
	cases := []struct {
		path, body, want string
	}{
		{"/v1/align", `{"prompts":`, ""},
		{"/v1/align", `{"prompts":[]}`, "prompts is required"},
		{"/v1/align", `{"prompts":["a"],"unknown":1}`, "unknown"},
		{"/v1/blend", `{"images":["!!"],"weights":[1],"prompts":[""]}`, "images[0]"},
		{"/v1/blend", fmt.Sprintf(`{"images":[%q],"weights":[1,2],"prompts":[""]}`, pngBase64(t, 1)), "differ in length"},
		{"/v1/blend", `{"images":[],"weights":[],"prompts":[]}`, "no reference images"},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d body=%s", tc.path, tc.body, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s %s: body %s does not mention %q", tc.path, tc.body, rec.Body.String(), tc.want)
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", tensor.ErrShapeMismatch), http.StatusBadRequest},
		{&stylealign.StateError{Op: "register", State: stylealign.Patched}, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e, server := newTestServer(&fakeGenerator{err: tc.err})
		rec := doJSON(t, e, http.MethodPost, "/v1/align", `{"prompts":["a"]}`)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d body=%s", tc.err, tc.code, rec.Code, rec.Body.String())
		}
		// The failed job stays queryable.
		var failed int
		for id := range server.store.jobs {
			if job, _ := server.store.Get(id); job.Status == JobFailed && job.Error != nil {
				failed++
			}
		}
		if failed != 1 {
			t.Fatalf("%v: %d failed jobs stored, want 1", tc.err, failed)
		}
	}
}

func TestBlendResizesAndReturnsImage(t *testing.T) {
	t.Parallel()
	g := &fakeGenerator{}
	e, _ := newTestServer(g)
	body := fmt.Sprintf(`{"images":["data:image/png;base64,%s",%q],"weights":[1,0.3],"prompts":["","x"],"steps":4,"guidance_scale":1}`,
		pngBase64(t, 60), pngBase64(t, 90))
	rec := doJSON(t, e, http.MethodPost, "/v1/blend", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if job := decodeJob(t, rec); len(job.Images) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	got := g.blends[0]
	if got.Steps != 4 || got.GuidanceScale != 1 || len(got.Images) != 2 || got.Images[1].Data[0] != 90 {
		t.Fatalf("unexpected blend request %+v", got)
	}
}

func TestBackgroundJob(t *testing.T) {
	t.Parallel()
	e, server := newTestServer(&fakeGenerator{})
	rec := doJSON(t, e, http.MethodPost, "/v1/align", `{"prompts":["a"],"background":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.Status != JobQueued {
		t.Fatalf("status %q, want queued", job.Status)
	}
	server.Wait()
	done := decodeJob(t, doJSON(t, e, http.MethodGet, "/v1/jobs/"+job.ID, ""))
	if done.Status != JobCompleted || len(done.Images) != 1 {
		t.Fatalf("background job not completed: %+v", done)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeGenerator{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}
