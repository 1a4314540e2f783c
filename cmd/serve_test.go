package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/classify"
	"github.com/sells-group/leadflow/internal/ingest"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/predict"
	"github.com/sells-group/leadflow/internal/store"
)

type stubPredictor struct {
	results map[string]predict.Prediction
}

func (s stubPredictor) Predict(_ context.Context, name string) (*predict.Prediction, error) {
	p := s.results[name]
	return &p, nil
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	p := stubPredictor{results: map[string]predict.Prediction{
		"Aditi": {Country: "IN", Probability: 0.92},
		"Peter": {Country: "GB", Probability: 0.61},
	}}
	return &Env{
		Store:  st,
		Ingest: ingest.New(st, p, classify.New(0.5), 2),
	}
}

type apiResponse struct {
	Success bool         `json:"success"`
	Error   string       `json:"error"`
	Data    []model.Lead `json:"data"`
}

func doProcess(t *testing.T, env *Env, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/leads/process", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handleProcess(env)(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandleProcess_ArrayBody(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := doProcess(t, env, `{"names": ["Aditi", "Peter", "aditi"]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "Aditi", resp.Data[0].DisplayName)
	assert.Equal(t, model.StatusVerified, resp.Data[0].Status)
}

func TestHandleProcess_CommaSeparatedString(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := doProcess(t, env, `{"names": "Aditi, Peter"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "Peter", resp.Data[1].DisplayName)
}

func TestHandleProcess_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := doProcess(t, env, `not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestHandleProcess_WrongNamesType(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := doProcess(t, env, `{"names": 42}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "names must be")
}

func TestHandleProcess_EmptyBatch(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := doProcess(t, env, `{"names": [" ", ""]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "at least one name")
}

func TestHandleListLeads(t *testing.T) {
	env := newTestEnv(t)

	_, resp := doProcess(t, env, `{"names": ["Aditi", "Peter"]}`)
	require.Len(t, resp.Data, 2)

	req := httptest.NewRequest(http.MethodGet, "/api/leads?status=verified&limit=1", nil)
	rec := httptest.NewRecorder()
	handleListLeads(env.Store)(rec, req)

	var listResp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, listResp.Success)
	assert.Len(t, listResp.Data, 1)
}

func TestHandleListLeads_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/leads", nil)
	rec := httptest.NewRecorder()
	handleListLeads(env.Store)(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true, "data": []}`, rec.Body.String())
}

func TestShutdownOnCancel_DrainsInFlightRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handlerDone := make(chan struct{})
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			close(handlerDone)
		}),
	}

	serveDone := make(chan struct{})
	go func() {
		srv.Serve(ln) //nolint:errcheck
		close(serveDone)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	shutdownDone := make(chan struct{})
	go func() {
		shutdownOnCancel(ctx, srv)
		close(shutdownDone)
	}()

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
			respCh <- resp
		}
	}()

	// Cancel while the request is still in the handler; the drain must let
	// it finish instead of cutting it off with the dead context.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case resp := <-respCh:
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request was dropped during shutdown")
	}

	<-handlerDone
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	<-serveDone
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handleHealth(env.Store)(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}
