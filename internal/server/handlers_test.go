package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limeandcoconut/brents-method/internal/config"
	"github.com/limeandcoconut/brents-method/internal/optimizer"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Runs.SamplePoints = 11

	srv := New(cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := ts.Client().Post(ts.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type solveResponse struct {
	ID string     `json:"id"`
	Xs []*float64 `json:"xs"`
	Ys []*float64 `json:"ys"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Err    string `json:"err"`
	Root   *struct {
		X          float64          `json:"x"`
		Iterations int              `json:"iterations"`
		Reason     optimizer.Reason `json:"reason"`
	} `json:"root"`
	Iters []struct {
		K    int            `json:"k"`
		Step optimizer.Step `json:"step"`
	} `json:"iters"`
}

func startRun(t *testing.T, ts *httptest.Server, params map[string]any) solveResponse {
	t.Helper()
	resp := postJSON(t, ts, "/solve", params)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr solveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	require.NotEmpty(t, sr.ID)
	return sr
}

func getRun(t *testing.T, ts *httptest.Server, id string) runResponse {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + "/run?id=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rr runResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	return rr
}

func waitRun(t *testing.T, ts *httptest.Server, id string) runResponse {
	t.Helper()
	var rr runResponse
	require.Eventually(t, func() bool {
		rr = getRun(t, ts, id)
		return rr.Status != StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	return rr
}

func TestStartRun_Done(t *testing.T) {
	_, ts := newTestServer(t)

	sr := startRun(t, ts, map[string]any{"func": "pow(x,3) - 2*pow(x,2) - x - 2", "lower": -5, "upper": 5})
	assert.Len(t, sr.Xs, 11)
	assert.Len(t, sr.Ys, 11)
	require.NotNil(t, sr.Xs[0])
	assert.Equal(t, -5.0, *sr.Xs[0])

	rr := waitRun(t, ts, sr.ID)
	require.Equal(t, StatusDone, rr.Status)
	require.NotNil(t, rr.Root)
	assert.InDelta(t, 2.658967, rr.Root.X, 1e-6)
	assert.Len(t, rr.Iters, rr.Root.Iterations)
}

func TestStartRun_NotFound(t *testing.T) {
	_, ts := newTestServer(t)

	sr := startRun(t, ts, map[string]any{
		"func":           "x*cos(x)",
		"lower":          -1,
		"upper":          -0.01,
		"errorTolerance": 1e-15,
	})

	rr := waitRun(t, ts, sr.ID)
	assert.Equal(t, StatusNotFound, rr.Status)
	assert.Nil(t, rr.Root)
	assert.Len(t, rr.Iters, 50)
}

func TestStartRun_UndefinedSamplesAreNull(t *testing.T) {
	_, ts := newTestServer(t)

	sr := startRun(t, ts, map[string]any{"func": "sqrt(x) - 1", "lower": -1, "upper": 4})
	assert.Nil(t, sr.Ys[0])
	require.NotNil(t, sr.Ys[len(sr.Ys)-1])
	assert.Equal(t, 1.0, *sr.Ys[len(sr.Ys)-1])
}

func TestStartRun_BadRequests(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("method", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/solve")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("json", func(t *testing.T) {
		resp, err := ts.Client().Post(ts.URL+"/solve", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	for name, params := range map[string]map[string]any{
		"no func":            {"lower": 0, "upper": 1},
		"bad expression":     {"func": "x*(", "lower": 0, "upper": 1},
		"unknown variable":   {"func": "x*y", "lower": 0, "upper": 1},
		"negative tolerance": {"func": "x", "lower": 0, "upper": 1, "errorTolerance": -1},
		"zero iterations":    {"func": "x", "lower": 0, "upper": 1, "maxIterations": 0},
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts, "/solve", params)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestRun_Stopped(t *testing.T) {
	srv, _ := newTestServer(t)

	f, err := optimizer.NewEvalFunc("x*cos(x)")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := &RunState{
		ID:      "stopped",
		Params:  RunParams{Func: "x*cos(x)", Lower: -1, Upper: 1},
		Options: optimizer.DefaultOptions(),
		Cancel:  cancel,
		status:  StatusRunning,
	}
	srv.runs.save(rs)

	srv.run(ctx, rs, f)

	snap := rs.snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Empty(t, snap.Iters)
}

func TestStopRun(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("unknown id", func(t *testing.T) {
		resp := postJSON(t, ts, "/stop?id=missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("no id", func(t *testing.T) {
		resp := postJSON(t, ts, "/stop", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("finished run", func(t *testing.T) {
		sr := startRun(t, ts, map[string]any{"func": "x - 2", "lower": 0, "upper": 5})
		waitRun(t, ts, sr.ID)

		resp := postJSON(t, ts, "/stop?id="+sr.ID, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, StatusDone, getRun(t, ts, sr.ID).Status)
	})
}

func TestExportCSV(t *testing.T) {
	_, ts := newTestServer(t)

	sr := startRun(t, ts, map[string]any{"func": "x*x - 2", "lower": 0, "upper": 2})
	rr := waitRun(t, ts, sr.ID)
	require.Equal(t, StatusDone, rr.Status)

	resp, err := ts.Client().Get(ts.URL + "/export?id=" + sr.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(rr.Iters)+1)
	assert.Equal(t, []string{"k", "a", "b", "c", "x", "f(x)", "step"}, records[0])
	assert.Equal(t, "1", records[1][0])
}

func TestStream_FinishedRun(t *testing.T) {
	_, ts := newTestServer(t)

	sr := startRun(t, ts, map[string]any{"func": "x*cos(x)", "lower": -1, "upper": 1})
	waitRun(t, ts, sr.ID)

	resp, err := ts.Client().Get(ts.URL + "/stream?id=" + sr.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: msg\n")
	assert.Contains(t, string(body), `"type":"done"`)
}

func TestStream_UnknownRun(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/stream?id=missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatch(t *testing.T) {
	_, ts := newTestServer(t)

	tight := 1e-15
	resp := postJSON(t, ts, "/batch", BatchRequest{Problems: []RunParams{
		{Func: "x*cos(x)", Lower: -1, Upper: 1},
		{Func: "pow(x,3) - 2*pow(x,2) - x - 2", Lower: 5, Upper: -5},
		{Func: "x*cos(x)", Lower: -1, Upper: -0.01, ErrorTolerance: &tight},
		{Func: "x*(", Lower: 0, Upper: 1},
		{Func: "x > 0", Lower: -1, Upper: 1},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []struct {
			Index int  `json:"index"`
			Found bool `json:"found"`
			Root  *struct {
				X float64 `json:"x"`
			} `json:"root"`
			Err string `json:"err"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Results, 5)

	for i, res := range out.Results {
		assert.Equal(t, i, res.Index)
	}

	assert.True(t, out.Results[0].Found)
	assert.Equal(t, 0.0, out.Results[0].Root.X)

	assert.True(t, out.Results[1].Found)
	assert.InDelta(t, 2.658967, out.Results[1].Root.X, 1e-6)

	assert.False(t, out.Results[2].Found)
	assert.Empty(t, out.Results[2].Err)

	assert.False(t, out.Results[3].Found)
	assert.Contains(t, out.Results[3].Err, "ошибка в выражении функции")

	assert.False(t, out.Results[4].Found)
	assert.Contains(t, out.Results[4].Err, "brent: f(")
}

func TestBatch_Limits(t *testing.T) {
	srv, ts := newTestServer(t)

	t.Run("empty", func(t *testing.T) {
		resp := postJSON(t, ts, "/batch", BatchRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("too many", func(t *testing.T) {
		problems := make([]RunParams, srv.cfg.Runs.MaxBatch+1)
		resp := postJSON(t, ts, "/batch", BatchRequest{Problems: problems})
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}
