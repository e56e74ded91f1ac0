package uploader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ChunkSize:           1024,
		MaxParallel:         2,
		MaxRetries:          3,
		BaseDelay:           time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		SingleShotThreshold: 0,
		MaxFileSize:         1 << 30,
	}
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}

	p := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// chunkSink is a scripted chunk endpoint: it records arrivals, optionally
// injects failures, and reports completion once every index has landed.
type chunkSink struct {
	t *testing.T

	mu       sync.Mutex
	received map[int][]byte
	requests map[int]int
	total    int

	// failFor returns a status code to inject for this arrival, 0 to accept.
	failFor func(idx, attempt int) int
}

func newChunkSink(t *testing.T) *chunkSink {
	return &chunkSink{
		t:        t,
		received: make(map[int][]byte),
		requests: make(map[int]int),
	}
}

func (cs *chunkSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/upload-chunk/") {
		http.NotFound(w, r)
		return
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		cs.t.Errorf("parse multipart: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	idx, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		cs.t.Errorf("chunk_index: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	total, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		cs.t.Errorf("total_chunks: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		cs.t.Errorf("chunk part: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(file); err != nil {
		cs.t.Errorf("read chunk: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.total = total
	cs.requests[idx]++

	if cs.failFor != nil {
		if code := cs.failFor(idx, cs.requests[idx]); code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"detail":"injected failure"}`))
			return
		}
	}

	cs.received[idx] = buf.Bytes()

	status := "chunk_received"
	if len(cs.received) == total {
		status = "complete"
	}
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

func (cs *chunkSink) assembled() []byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var out []byte
	for i := 0; i < cs.total; i++ {
		out = append(out, cs.received[i]...)
	}
	return out
}

func (cs *chunkSink) requestCount(idx int) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests[idx]
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, 13, chunkCount(100<<20, 8<<20))
	require.Equal(t, 1, chunkCount(1, 8<<20))
	require.Equal(t, 4, chunkCount(1000, 256))
	require.Equal(t, 2, chunkCount(2048, 1024))
}

func TestChunkRange_TilesFile(t *testing.T) {
	const size, chunkSize = 100 << 20, 8 << 20

	total := chunkCount(size, chunkSize)
	var covered int64
	for i := 0; i < total; i++ {
		offset, length := chunkRange(size, chunkSize, i)
		require.EqualValues(t, int64(i)*chunkSize, offset)
		covered += length
	}
	require.EqualValues(t, size, covered)

	_, last := chunkRange(size, chunkSize, total-1)
	require.EqualValues(t, 4<<20, last)
}

func TestUpload_Chunked(t *testing.T) {
	sink := newChunkSink(t)
	srv := httptest.NewServer(sink)
	defer srv.Close()

	const size = 10*1024 + 200
	file := writeTestFile(t, size)

	var progress []Progress
	var mu sync.Mutex

	sched := NewScheduler(NewClient(srv.URL), testConfig())
	err := sched.Upload(context.Background(), file, "docs", func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	want, readErr := os.ReadFile(file)
	require.NoError(t, readErr)
	require.Equal(t, want, sink.assembled())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 11)
	last := progress[len(progress)-1]
	require.Equal(t, 11, last.CompletedChunks)
	require.Equal(t, 11, last.TotalChunks)
	require.EqualValues(t, size, last.BytesTransferred)
}

func TestUpload_RetriesThenSucceeds(t *testing.T) {
	sink := newChunkSink(t)
	sink.failFor = func(idx, attempt int) int {
		if idx == 3 && attempt <= 2 {
			return http.StatusInternalServerError
		}
		return 0
	}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	file := writeTestFile(t, 8*1024)

	sched := NewScheduler(NewClient(srv.URL), testConfig())
	require.NoError(t, sched.Upload(context.Background(), file, "", nil))

	require.Equal(t, 3, sink.requestCount(3))

	want, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, want, sink.assembled())
}

func TestUpload_RetriesExhausted(t *testing.T) {
	sink := newChunkSink(t)
	sink.failFor = func(idx, attempt int) int {
		if idx == 0 {
			return http.StatusInternalServerError
		}
		return 0
	}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	file := writeTestFile(t, 4*1024)

	sched := NewScheduler(NewClient(srv.URL), testConfig())
	err := sched.Upload(context.Background(), file, "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unrecoverable")

	require.Equal(t, testConfig().MaxRetries, sink.requestCount(0))
}

func TestUpload_FatalRejectionNotRetried(t *testing.T) {
	sink := newChunkSink(t)
	sink.failFor = func(idx, attempt int) int {
		if idx == 1 {
			return http.StatusForbidden
		}
		return 0
	}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	file := writeTestFile(t, 4*1024)

	sched := NewScheduler(NewClient(srv.URL), testConfig())
	err := sched.Upload(context.Background(), file, "", nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)
	require.True(t, se.Fatal())

	require.Equal(t, 1, sink.requestCount(1), "4xx must never be retried")
}

func TestUpload_Canceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"status":"chunk_received"}`))
	}))
	defer srv.Close()
	defer close(release)

	file := writeTestFile(t, 8*1024)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		sched := NewScheduler(NewClient(srv.URL), testConfig())
		errCh <- sched.Upload(ctx, file, "", nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after cancel")
	}
}

func TestUpload_NoServerCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"chunk_received"}`))
	}))
	defer srv.Close()

	file := writeTestFile(t, 4*1024)

	sched := NewScheduler(NewClient(srv.URL), testConfig())
	err := sched.Upload(context.Background(), file, "", nil)
	require.ErrorIs(t, err, ErrNoCompletion)
}

func TestUpload_SingleShot(t *testing.T) {
	var uploads, chunkUploads int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasPrefix(r.URL.Path, "/upload-chunk/"):
			chunkUploads++
			w.WriteHeader(http.StatusTeapot)
		case strings.HasPrefix(r.URL.Path, "/upload/"):
			uploads++
			http.Redirect(w, r, "/", http.StatusSeeOther)
		}
	}))
	defer srv.Close()

	file := writeTestFile(t, 512)

	cfg := testConfig()
	cfg.SingleShotThreshold = 1024

	var last Progress
	sched := NewScheduler(NewClient(srv.URL), cfg)
	require.NoError(t, sched.Upload(context.Background(), file, "", func(p Progress) { last = p }))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, uploads)
	require.Zero(t, chunkUploads)
	require.Equal(t, 1, last.TotalChunks)
	require.EqualValues(t, 512, last.BytesTransferred)
}

func TestUpload_FileTooLarge(t *testing.T) {
	file := writeTestFile(t, 2048)

	cfg := testConfig()
	cfg.MaxFileSize = 1024

	sched := NewScheduler(NewClient("http://unused"), cfg)
	err := sched.Upload(context.Background(), file, "", nil)
	require.ErrorIs(t, err, ErrFileTooLarge)
}

func TestBackoff_Capped(t *testing.T) {
	s := NewScheduler(nil, Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	for attempt := 1; attempt <= 20; attempt++ {
		d := s.backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Second+50*time.Millisecond, "attempt %d", attempt)
	}
}
