package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfmsweep/internal/config"
	"sfmsweep/internal/pipeline"
	"sfmsweep/internal/storage"
	"sfmsweep/internal/sweep"
)

type fixedProber struct{}

func (fixedProber) Size(string) (int, int, error) { return 32, 24, nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "sfmsweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func imageDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "images")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{"f0.png", "f1.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	return dir
}

func newPipeline(t *testing.T, store *storage.Store) *pipeline.Pipeline {
	t.Helper()
	r := pipeline.NewRunner(nil, store, quietLogger(), config.Default(), pipeline.WithProber(fixedProber{}))
	p := pipeline.New(context.Background(), r, quietLogger(), 4)
	t.Cleanup(func() {
		p.Stop()
		r.Close()
	})
	return p
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", nil, nil, quietLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRunsAndCandidates(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.RecordRunStart("run-a", "/imgs", "/out"))
	require.NoError(t, store.RecordCandidate("run-a", sweep.Candidate{
		ID: 0, Stage: sweep.StageFeatures, Params: sweep.Params{"k": 1}, Artifact: "database_0.db", Status: sweep.StatusOK, Metric: 7,
	}))

	s := NewServer(":0", store, nil, quietLogger())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-a", runs[0].ID)
	assert.Equal(t, storage.RunRunning, runs[0].Status)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-a/candidates", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cands []storage.CandidateRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cands))
	require.Len(t, cands, 1)
	assert.Equal(t, 7.0, cands[0].Metric)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/unknown/candidates", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit(t *testing.T) {
	disabled := NewServer(":0", nil, nil, quietLogger())
	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store := openStore(t)
	p := newPipeline(t, store)
	results, unsub := p.Subscribe()
	defer unsub()
	s := NewServer(":0", store, p, quietLogger())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"kind":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"kind":"stacked","image_dir":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := `{"kind":"synthetic","image_dir":"` + imageDir(t) + `","output_dir":"` + filepath.Join(t.TempDir(), "out") + `"}`
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	select {
	case res := <-results:
		require.NoError(t, res.Error)
		assert.Equal(t, resp["id"], res.Job.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job")
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	p := newPipeline(t, nil)
	s := NewServer(":0", nil, p, quietLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = p.Runner().Synthetic(context.Background(), "run-sse", imageDir(t), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e pipeline.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		assert.Equal(t, "run-sse", e.RunID)
		assert.Equal(t, pipeline.EventRunStarted, e.Kind)
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestWebSocketDeliversEvents(t *testing.T) {
	p := newPipeline(t, nil)
	s := NewServer(":0", nil, p, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startStreams(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = p.Runner().Synthetic(context.Background(), "run-ws", imageDir(t), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var e pipeline.Event
	require.NoError(t, json.Unmarshal(msg, &e))
	assert.Equal(t, "run-ws", e.RunID)
	assert.Equal(t, pipeline.EventRunStarted, e.Kind)
}
