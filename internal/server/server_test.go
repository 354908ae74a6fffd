package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"platesolver/internal/pipeline"
	"platesolver/internal/solve"
	"platesolver/internal/storage"
	"platesolver/internal/wcs"
)

type fakeResults struct {
	ch         chan pipeline.Result
	subscribed chan struct{}
}

func (f *fakeResults) Subscribe() (<-chan pipeline.Result, func()) {
	close(f.subscribed)
	return f.ch, func() {}
}

func solvedHeader() wcs.Header {
	return wcs.Header{
		{Key: "CTYPE1", Value: "RA---TAN"},
		{Key: "CTYPE2", Value: "DEC--TAN"},
		{Key: "CRVAL1", Value: "83.82"},
		{Key: "CRVAL2", Value: "-5.39"},
		{Key: "CRPIX1", Value: "50.5"},
		{Key: "CRPIX2", Value: "40.5"},
		{Key: "CD1_1", Value: "-0.001"},
		{Key: "CD1_2", Value: "0"},
		{Key: "CD2_1", Value: "0"},
		{Key: "CD2_2", Value: "0.001"},
		{Key: "IMAGEW", Value: "100"},
		{Key: "IMAGEH", Value: "80"},
	}
}

func newTestServer(t *testing.T, results Subscriber) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	s := New("127.0.0.1:0", store, results, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %q", res.StatusCode, body)
	}
}

func TestSubmissionRoutes(t *testing.T) {
	srv, store := newTestServer(t, nil)

	var empty []storage.SubmissionRecord
	if code := getJSON(t, srv.URL+"/submissions", &empty); code != http.StatusOK || len(empty) != 0 {
		t.Fatalf("empty list: %d %v", code, empty)
	}

	_ = store.RecordQueued(storage.SubmissionRecord{ID: "s1", Source: "watch", ImagePath: "orion.fits"})
	_ = store.RecordResult("s1", storage.Result{Status: storage.StatusSolved, Handle: "12", Header: solvedHeader()})
	_ = store.RecordQueued(storage.SubmissionRecord{ID: "s2", Source: "interactive", ImagePath: "blank.png"})

	var list []storage.SubmissionRecord
	if code := getJSON(t, srv.URL+"/submissions?limit=1", &list); code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if len(list) != 1 || list[0].ID != "s2" {
		t.Fatalf("unexpected list %+v", list)
	}

	var detail SubmissionDetail
	if code := getJSON(t, srv.URL+"/submissions/s1", &detail); code != http.StatusOK {
		t.Fatalf("detail: %d", code)
	}
	if detail.Handle != "12" || len(detail.Header) != len(solvedHeader()) || detail.Center == nil {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Center.RA < 83.81 || detail.Center.RA > 83.83 {
		t.Fatalf("centre %+v", detail.Center)
	}

	if code := getJSON(t, srv.URL+"/submissions/nope", nil); code != http.StatusNotFound {
		t.Fatalf("missing submission: %d", code)
	}
	if code := getJSON(t, srv.URL+"/submissions?limit=0", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}
}

func TestStreamUnavailableWithoutPipeline(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if code := getJSON(t, srv.URL+"/stream", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("stream without pipeline: %d", code)
	}
}

func TestStreamDeliversResults(t *testing.T) {
	results := &fakeResults{ch: make(chan pipeline.Result, 1), subscribed: make(chan struct{})}
	srv, _ := newTestServer(t, results)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-results.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}
	results.ch <- pipeline.Result{
		Job:      pipeline.Job{ID: "w1", Type: pipeline.JobSolve, Source: "watch", InputPath: "m42.fits"},
		Outcome:  solve.Outcome{Status: solve.Solved, Handle: "77", Header: solvedHeader(), Timeouts: 1},
		Duration: 1500 * time.Millisecond,
	}
	results.ch <- pipeline.Result{
		Job:   pipeline.Job{ID: "w2", Type: pipeline.JobSolve, InputPath: "bad.png"},
		Error: errors.New("nova upload: HTTP 500"),
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second ResultMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.ID != "w1" || first.Status != storage.StatusSolved || first.Handle != "77" || first.DurationMS != 1500 || first.Center == nil {
		t.Fatalf("unexpected first message %+v", first)
	}
	if second.Status != storage.StatusError || second.Error == "" || second.Center != nil {
		t.Fatalf("unexpected second message %+v", second)
	}
}

func TestMetricsRoute(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	plain := httptest.NewServer(New("", store, nil, log).Handler())
	defer plain.Close()
	res, err := http.Get(plain.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics without handler: %d", res.StatusCode)
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "solves 3\n") })
	srv := httptest.NewServer(New("", store, nil, log, WithMetrics(h)).Handler())
	defer srv.Close()
	res, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "solves 3\n" {
		t.Fatalf("metrics: %d %q", res.StatusCode, body)
	}
}
