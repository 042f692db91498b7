package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/clothtagger/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type countingEngine struct {
	calls atomic.Int32
}

func (e *countingEngine) Run(input []float32) ([]float32, error) {
	e.calls.Add(1)
	var sum float32
	for _, v := range input {
		sum += v
	}
	out := make([]float32, len(service.KnownLabels))
	for i := range out {
		out[i] = sum/float32(len(input))*float32(i%3) + float32(i)/7
	}
	return out, nil
}

func (e *countingEngine) Device() string { return "cuda" }
func (e *countingEngine) Close() error   { return nil }

// imageHost serves a PNG at /shirt.png, 404 elsewhere and HTML at /page.
func imageHost(t *testing.T) *httptest.Server {
	img := image.NewNRGBA(image.Rect(0, 0, 12, 9))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	mux := http.NewServeMux()
	mux.HandleFunc("/shirt.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestServer(t *testing.T, ready bool) (*Server, *countingEngine) {
	t.Helper()
	engine := &countingEngine{}
	s := New(service.NewFetcher(2*time.Second, 0), Options{})
	if ready {
		pre := service.DefaultPreprocessor()
		pre.Size = service.Size{Height: 8, Width: 8}
		cls, err := service.NewClassifier(engine, pre, nil)
		require.NoError(t, err)
		s.SetClassifier(cls)
	}
	return s, engine
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h service.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, service.HealthResponse{Status: "loading", ModelLoaded: false, Device: "cpu"}, h)

	ready, _ := newTestServer(t, true)
	w = do(t, ready, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, service.HealthResponse{Status: "healthy", ModelLoaded: true, Device: "cuda"}, h)
}

func TestClassify(t *testing.T) {
	host := imageHost(t)
	s, engine := newTestServer(t, true)

	w := do(t, s, http.MethodPost, "/classify", map[string]any{
		"image_url": host.URL + "/shirt.png",
		"labels":    []string{"ignored", "hints"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp service.ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Labels, len(service.KnownLabels))
	var sum float64
	for i, l := range resp.Labels {
		sum += l.Score
		if i > 0 {
			assert.GreaterOrEqual(t, resp.Labels[i-1].Score, l.Score)
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
	assert.Equal(t, int32(1), engine.calls.Load())

	again := do(t, s, http.MethodPost, "/classify", map[string]any{"image_url": host.URL + "/shirt.png"})
	assert.Equal(t, w.Body.String(), again.Body.String())
}

func TestClassify_Errors(t *testing.T) {
	host := imageHost(t)

	cases := []struct {
		name   string
		ready  bool
		body   any
		status int
		detail string
	}{
		{"missing image", true, map[string]any{"image_url": host.URL + "/missing.jpg"}, http.StatusBadRequest, "Failed to download image"},
		{"not an image", true, map[string]any{"image_url": host.URL + "/page"}, http.StatusBadRequest, "Invalid image"},
		{"not a url", true, map[string]any{"image_url": "definitely not a url"}, http.StatusBadRequest, ""},
		{"no url", true, map[string]any{"labels": []string{}}, http.StatusBadRequest, ""},
		{"malformed json", true, `{"image_url": `, http.StatusBadRequest, ""},
		{"not loaded", false, map[string]any{"image_url": host.URL + "/shirt.png"}, http.StatusServiceUnavailable, "Model not loaded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, engine := newTestServer(t, tc.ready)
			w := do(t, s, http.MethodPost, "/classify", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())

			var body struct {
				Detail string `json:"detail"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Detail)
			assert.True(t, strings.HasPrefix(body.Detail, tc.detail), body.Detail)
			assert.Zero(t, engine.calls.Load())
		})
	}
}

func TestClassifyBatch_IsolatesFailures(t *testing.T) {
	host := imageHost(t)
	s, engine := newTestServer(t, true)

	reqs := []map[string]any{
		{"image_url": host.URL + "/shirt.png"},
		{"image_url": host.URL + "/missing.jpg"},
		{"image_url": "not a url", "labels": []string{"x"}},
		{"image_url": host.URL + "/page"},
		{"image_url": host.URL + "/shirt.png", "labels": []string{"Coat"}},
	}
	w := do(t, s, http.MethodPost, "/classify/batch", reqs)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `{"labels":[]}`)

	var resp []service.ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, len(reqs))
	assert.Len(t, resp[0].Labels, len(service.KnownLabels))
	assert.Empty(t, resp[1].Labels)
	assert.Empty(t, resp[2].Labels)
	assert.Empty(t, resp[3].Labels)
	assert.Equal(t, resp[0], resp[4])
	assert.Equal(t, int32(2), engine.calls.Load())
}

// failingEngine fails its failOn-th call and delegates the rest.
type failingEngine struct {
	countingEngine
	failOn int32
}

func (e *failingEngine) Run(input []float32) ([]float32, error) {
	if e.calls.Load()+1 == e.failOn {
		e.calls.Add(1)
		return nil, errors.New("onnxruntime: CUDA out of memory")
	}
	return e.countingEngine.Run(input)
}

func TestClassifyBatch_InferenceFailureDoesNotAbort(t *testing.T) {
	host := imageHost(t)
	engine := &failingEngine{failOn: 2}
	pre := service.DefaultPreprocessor()
	pre.Size = service.Size{Height: 8, Width: 8}
	cls, err := service.NewClassifier(engine, pre, nil)
	require.NoError(t, err)
	s := New(service.NewFetcher(2*time.Second, 0), Options{})
	s.SetClassifier(cls)

	reqs := make([]map[string]any, 4)
	for i := range reqs {
		reqs[i] = map[string]any{"image_url": host.URL + "/shirt.png"}
	}
	w := do(t, s, http.MethodPost, "/classify/batch", reqs)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp []service.ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, 4)
	assert.Len(t, resp[0].Labels, len(service.KnownLabels))
	assert.Empty(t, resp[1].Labels)
	assert.Len(t, resp[2].Labels, len(service.KnownLabels))
	assert.Len(t, resp[3].Labels, len(service.KnownLabels))
	assert.Equal(t, int32(4), engine.calls.Load())

	single := do(t, s, http.MethodPost, "/classify", map[string]any{"image_url": host.URL + "/shirt.png"})
	assert.Equal(t, http.StatusOK, single.Code)
}

func TestClassifyBatch_NotLoaded(t *testing.T) {
	host := imageHost(t)
	s, _ := newTestServer(t, false)

	w := do(t, s, http.MethodPost, "/classify/batch", []map[string]any{
		{"image_url": host.URL + "/shirt.png"},
		{"image_url": host.URL + "/shirt.png"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"labels":[]},{"labels":[]}]`, w.Body.String())
}

func TestClassifyBatch_Limit(t *testing.T) {
	host := imageHost(t)

	for _, n := range []int{0, 1, DefaultMaxBatchSize} {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			s, engine := newTestServer(t, true)
			reqs := make([]map[string]any, n)
			for i := range reqs {
				reqs[i] = map[string]any{"image_url": host.URL + "/shirt.png"}
			}
			w := do(t, s, http.MethodPost, "/classify/batch", reqs)
			require.Equal(t, http.StatusOK, w.Code)
			var resp []service.ClassifyResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Len(t, resp, n)
			assert.Equal(t, int32(n), engine.calls.Load())
		})
	}

	t.Run("over limit", func(t *testing.T) {
		s, engine := newTestServer(t, true)
		reqs := make([]map[string]any, DefaultMaxBatchSize+1)
		for i := range reqs {
			reqs[i] = map[string]any{"image_url": host.URL + "/shirt.png"}
		}
		w := do(t, s, http.MethodPost, "/classify/batch", reqs)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"detail":"Maximum 50 images per batch"}`, w.Body.String())
		assert.Zero(t, engine.calls.Load())
	})
}

func TestClassifyBatch_MalformedBody(t *testing.T) {
	s, _ := newTestServer(t, true)

	w := do(t, s, http.MethodPost, "/classify/batch", `{"image_url": "http://example.com/a.png"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddleware(t *testing.T) {
	s, _ := newTestServer(t, true)

	w := do(t, s, http.MethodOptions, "/classify", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, s, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestReady(t *testing.T) {
	s, _ := newTestServer(t, false)
	assert.False(t, s.Ready())

	cls, err := service.NewClassifier(&countingEngine{}, service.DefaultPreprocessor(), nil)
	require.NoError(t, err)
	s.SetClassifier(cls)
	assert.True(t, s.Ready())
}
