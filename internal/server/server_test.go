package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	engine "github.com/hanpama/planexec/internal/engine"
	eventbus "github.com/hanpama/planexec/internal/eventbus"
	events "github.com/hanpama/planexec/internal/events"
	executor "github.com/hanpama/planexec/internal/executor"
	plan "github.com/hanpama/planexec/internal/plan"
	storage "github.com/hanpama/planexec/internal/storage"
)

func usersStore(n int) *storage.MemoryStore {
	s := storage.NewMemoryStore()
	docs := make([]storage.Document, n)
	for i := range docs {
		docs[i] = storage.Document{"name": fmt.Sprintf("user%03d", i+1), "age": int64(i + 1)}
	}
	s.AddCollection("users", docs...)
	return s
}

// adultsBody is a request for
// Singleton -> EnumerateCollection(collection) -> Calculation(doc.age >= 18)
// -> Filter -> Limit(10, 20) -> Return(doc).
func adultsBody(t *testing.T, collection, timeout string) *bytes.Buffer {
	t.Helper()
	p := plan.New()
	doc, cond := p.Variables().Create("doc"), p.Variables().Create("cond")
	single := p.NewNode(&plan.Singleton{})
	enum := p.NewNode(&plan.EnumerateCollection{Collection: collection, OutVariable: doc}, single)
	calc := p.NewNode(&plan.Calculation{
		OutVariable: cond,
		Expression:  &plan.Expression{Text: "doc.age >= 18", Variables: []*plan.Variable{doc}},
	}, enum)
	filter := p.NewNode(&plan.Filter{InVariable: cond}, calc)
	lim := p.NewNode(&plan.Limit{Offset: 10, Limit: 20}, filter)
	p.SetRoot(p.NewNode(&plan.Return{InVariable: doc}, lim))
	return requestBody(t, p, timeout)
}

func remoteBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	p := plan.New()
	r := p.Variables().Create("r")
	single := p.NewNode(&plan.Singleton{})
	rm := p.NewNode(&plan.Remote{Endpoint: "shard-a", OutVariable: r}, single)
	p.SetRoot(p.NewNode(&plan.Return{InVariable: r}, rm))
	return requestBody(t, p, "")
}

func requestBody(t *testing.T, p *plan.Plan, timeout string) *bytes.Buffer {
	t.Helper()
	raw, err := plan.MarshalPlan(p, 0, false)
	require.NoError(t, err)
	body, err := json.Marshal(Request{Plan: raw, Timeout: timeout})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func post(h http.Handler, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type executeResponse struct {
	QueryID string           `json:"queryId"`
	Rows    []map[string]any `json:"rows"`
	Stats   executor.Stats   `json:"stats"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestExecute(t *testing.T) {
	h := New(usersStore(100), engine.Options{}, WithBatchSize(7))

	w := post(h, "/execute", adultsBody(t, "users", ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res executeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	var ages []float64
	for _, row := range res.Rows {
		ages = append(ages, row["age"].(float64))
	}
	var want []float64
	for a := 28; a <= 47; a++ {
		want = append(want, float64(a))
	}
	if diff := cmp.Diff(want, ages); diff != "" {
		t.Fatalf("ages mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, int64(47), res.Stats.Scanned)
	require.Equal(t, w.Header().Get(QueryIDHeader), res.QueryID)
	require.NotEmpty(t, res.QueryID)
}

func TestExecuteKeepsClientQueryID(t *testing.T) {
	h := New(usersStore(20), engine.Options{})
	req := httptest.NewRequest("POST", "/execute", adultsBody(t, "users", ""))
	req.Header.Set(QueryIDHeader, "client-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "client-42", w.Header().Get(QueryIDHeader))

	var res executeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, "client-42", res.QueryID)
}

func TestExplain(t *testing.T) {
	h := New(usersStore(100), engine.Options{})
	w := post(h, "/explain", adultsBody(t, "users", ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, float64(20), rec["estimatedNrItems"])
	require.Contains(t, rec, "estimatedCost")
	nodes := rec["nodes"].([]any)
	require.Len(t, nodes, 6)
	require.Contains(t, nodes[5].(map[string]any), "varInfoList")
}

func TestRequestErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   func(t *testing.T) *bytes.Buffer
		opts   []Option
		status int
		kind   string
	}{
		{
			name:   "invalid json",
			body:   func(*testing.T) *bytes.Buffer { return bytes.NewBufferString(`{"plan":`) },
			status: http.StatusBadRequest,
			kind:   "bad-request",
		},
		{
			name:   "missing plan",
			body:   func(*testing.T) *bytes.Buffer { return bytes.NewBufferString(`{}`) },
			status: http.StatusBadRequest,
			kind:   "bad-request",
		},
		{
			name:   "bad timeout",
			body:   func(t *testing.T) *bytes.Buffer { return adultsBody(t, "users", "soon") },
			status: http.StatusBadRequest,
			kind:   "bad-request",
		},
		{
			name:   "malformed plan",
			body:   func(*testing.T) *bytes.Buffer { return bytes.NewBufferString(`{"plan":{"nodes":[{"type":"x"}]}}`) },
			status: http.StatusBadRequest,
			kind:   "malformed-plan",
		},
		{
			name:   "unknown collection",
			body:   func(t *testing.T) *bytes.Buffer { return adultsBody(t, "ghosts", "") },
			status: http.StatusNotFound,
			kind:   "not-found",
		},
		{
			name:   "body too large",
			body:   func(t *testing.T) *bytes.Buffer { return adultsBody(t, "users", "") },
			opts:   []Option{WithMaxBodyBytes(10)},
			status: http.StatusRequestEntityTooLarge,
			kind:   "bad-request",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(usersStore(10), engine.Options{}, tc.opts...)
			w := post(h, "/execute", tc.body(t))
			require.Equal(t, tc.status, w.Code, w.Body.String())
			require.Equal(t, tc.kind, decodeError(t, w).Kind)
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	mock := executor.NewMockRemote(map[string][]any{"shard-a": {1}})
	mock.Hold()
	t.Cleanup(mock.Release)
	h := New(usersStore(0), engine.Options{Remote: mock}, WithTimeout(20*time.Millisecond))

	w := post(h, "/execute", remoteBody(t))
	require.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
	detail := decodeError(t, w)
	require.Equal(t, "killed", detail.Kind)
	require.Equal(t, "DeadlineExceeded", detail.Code)
}

func TestExecuteClientGone(t *testing.T) {
	mock := executor.NewMockRemote(map[string][]any{"shard-a": {1}})
	mock.Hold()
	t.Cleanup(mock.Release)
	h := New(usersStore(0), engine.Options{Remote: mock})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/execute", remoteBody(t)).WithContext(ctx)
	w := httptest.NewRecorder()
	go func() {
		for len(mock.GetCalls()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	h.ServeHTTP(w, req)
	require.Equal(t, 499, w.Code)
	require.Equal(t, "Canceled", decodeError(t, w).Code)
}

func TestHTTPEvents(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	var (
		mu       sync.Mutex
		started  []string
		finished []events.HTTPFinish
	)
	eventbus.On(bus, func(_ context.Context, e events.HTTPStart) {
		mu.Lock()
		defer mu.Unlock()
		started = append(started, e.Route)
	})
	eventbus.On(bus, func(_ context.Context, e events.HTTPFinish) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, e)
	})

	h := New(usersStore(10), engine.Options{})
	post(h, "/execute", adultsBody(t, "users", ""))
	post(h, "/explain", adultsBody(t, "ghosts", ""))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/execute", "/explain"}, started)
	require.Len(t, finished, 2)
	require.Equal(t, http.StatusOK, finished[0].Status)
	require.Positive(t, finished[0].Bytes)
	require.Equal(t, "/explain", finished[1].Route)
}

func TestExplainUnknownCollectionIsRejected(t *testing.T) {
	h := New(usersStore(10), engine.Options{})
	w := post(h, "/explain", adultsBody(t, "ghosts", ""))
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestMetricsAndMethods(t *testing.T) {
	h := New(usersStore(0), engine.Options{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/execute", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCORSAndPreflight(t *testing.T) {
	h := New(usersStore(20), engine.Options{}, WithCORS("*"))

	req := httptest.NewRequest("POST", "/execute", adultsBody(t, "users", ""))
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	pre := httptest.NewRequest("OPTIONS", "/execute", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Query-Id")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Query-Id" {
		t.Fatalf("preflight missing allow headers")
	}
}
