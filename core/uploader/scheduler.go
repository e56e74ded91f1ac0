package uploader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrFileTooLarge = errors.New("file exceeds configured upload limit")
	ErrNoCompletion = errors.New("all chunks acknowledged but server never reported completion")
)

type Config struct {
	ChunkSize   int64
	MaxParallel int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Files at or below SingleShotThreshold skip chunking and go up as one
	// request.
	SingleShotThreshold int64
	MaxFileSize         int64
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:           8 << 20,
		MaxParallel:         4,
		MaxRetries:          3,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		SingleShotThreshold: 32 << 20,
		MaxFileSize:         32 << 30,
	}
}

// Progress is a snapshot of one upload, safe to hand to a UI layer.
type Progress struct {
	CompletedChunks  int
	TotalChunks      int
	BytesTransferred int64
	TotalBytes       int64
}

// Per-chunk states, driven queued -> in-flight -> succeeded, with retrying
// and failed branches on errors.
const (
	chunkQueued int32 = iota
	chunkInFlight
	chunkRetrying
	chunkSucceeded
	chunkFailed
)

// Scheduler drives the upload of one file as fixed-size chunks with bounded
// parallelism and capped exponential backoff per chunk.
type Scheduler struct {
	cfg    Config
	client *Client
}

func NewScheduler(client *Client, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		client: client,
	}
}

// Upload sends filePath to destDir on the server. It returns nil once the
// server reports assembly complete, ctx's error when canceled, and a
// terminal error when any chunk exhausts its retries or fails validation.
func (s *Scheduler) Upload(ctx context.Context, filePath, destDir string, onProgress func(Progress)) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	size := info.Size()
	if size > s.cfg.MaxFileSize {
		return ErrFileTooLarge
	}

	filename := filepath.Base(filePath)

	if size <= s.cfg.SingleShotThreshold {
		if err := s.client.UploadFile(ctx, destDir, filename, f); err != nil {
			return err
		}

		report(onProgress, Progress{CompletedChunks: 1, TotalChunks: 1, BytesTransferred: size, TotalBytes: size})
		return nil
	}

	return s.uploadChunked(ctx, f, size, filename, destDir, onProgress)
}

type uploadRun struct {
	queue       chan int
	outstanding int64
	closeQueue  sync.Once

	states   []int32
	attempts []int32

	completed      int64
	bytes          int64
	failedChunks   int64
	serverComplete int32

	fatalMu  sync.Mutex
	fatalErr error

	progressMu sync.Mutex
	onProgress func(Progress)
}

func (s *Scheduler) uploadChunked(parent context.Context, f *os.File, size int64, filename, destDir string, onProgress func(Progress)) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	total := chunkCount(size, s.cfg.ChunkSize)

	run := &uploadRun{
		queue:      make(chan int, total),
		states:     make([]int32, total),
		attempts:   make([]int32, total),
		onProgress: onProgress,
	}
	run.outstanding = int64(total)

	for i := 0; i < total; i++ {
		run.queue <- i
	}

	log.Infow("upload started", "file", filename, "size", size, "chunks", total, "parallel", s.cfg.MaxParallel)

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.MaxParallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, cancel, run, f, size, total, filename, destDir)
		}()
	}

	wg.Wait()

	run.fatalMu.Lock()
	fatal := run.fatalErr
	run.fatalMu.Unlock()

	switch {
	case fatal != nil:
		return fatal
	case parent.Err() != nil:
		return parent.Err()
	case run.failedChunks > 0:
		return fmt.Errorf("upload failed: %d unrecoverable chunks", run.failedChunks)
	case atomic.LoadInt32(&run.serverComplete) == 1:
		return nil
	default:
		return ErrNoCompletion
	}
}

func (s *Scheduler) worker(ctx context.Context, cancel context.CancelFunc, run *uploadRun, f *os.File, size int64, total int, filename, destDir string) {
	for {
		select {
		case <-ctx.Done():
			return
		case idx, ok := <-run.queue:
			if !ok {
				return
			}
			s.sendChunk(ctx, cancel, run, f, size, total, filename, destDir, idx)
		}
	}
}

func (s *Scheduler) sendChunk(ctx context.Context, cancel context.CancelFunc, run *uploadRun, f *os.File, size int64, total int, filename, destDir string, idx int) {
	atomic.StoreInt32(&run.states[idx], chunkInFlight)

	offset, length := chunkRange(size, s.cfg.ChunkSize, idx)
	data := make([]byte, length)
	if _, err := f.ReadAt(data, offset); err != nil {
		s.fail(run, cancel, idx, err)
		return
	}

	complete, err := s.client.UploadChunk(ctx, destDir, ChunkUpload{
		Filename:    filename,
		Index:       idx,
		TotalChunks: total,
		TotalSize:   size,
		ChunkSize:   s.cfg.ChunkSize,
		Data:        data,
	})
	if err == nil {
		atomic.StoreInt32(&run.states[idx], chunkSucceeded)
		atomic.AddInt64(&run.completed, 1)
		atomic.AddInt64(&run.bytes, length)
		if complete {
			atomic.StoreInt32(&run.serverComplete, 1)
		}

		run.reportProgress(total, size)
		s.settle(run)
		return
	}

	if ctx.Err() != nil {
		return
	}

	var se *StatusError
	if errors.As(err, &se) && se.Fatal() {
		s.fail(run, cancel, idx, err)
		return
	}

	attempt := atomic.AddInt32(&run.attempts[idx], 1)
	if int(attempt) >= s.cfg.MaxRetries {
		log.Errorw("chunk failed permanently", "file", filename, "chunk", idx, "attempts", attempt, "error", err)
		atomic.StoreInt32(&run.states[idx], chunkFailed)
		atomic.AddInt64(&run.failedChunks, 1)
		s.settle(run)
		return
	}

	log.Infow("chunk retry scheduled", "file", filename, "chunk", idx, "attempt", attempt, "error", err)
	atomic.StoreInt32(&run.states[idx], chunkRetrying)

	delay := s.backoff(int(attempt))
	go func() {
		select {
		case <-time.After(delay):
			atomic.StoreInt32(&run.states[idx], chunkQueued)
			run.queue <- idx
		case <-ctx.Done():
		}
	}()
}

// fail records a terminal error for the whole upload and aborts every other
// chunk; validation and traversal rejections are never retried.
func (s *Scheduler) fail(run *uploadRun, cancel context.CancelFunc, idx int, err error) {
	atomic.StoreInt32(&run.states[idx], chunkFailed)

	run.fatalMu.Lock()
	if run.fatalErr == nil {
		run.fatalErr = err
	}
	run.fatalMu.Unlock()

	cancel()
}

// settle retires one chunk; the worker that retires the last one closes the
// queue so the pool can drain.
func (s *Scheduler) settle(run *uploadRun) {
	if atomic.AddInt64(&run.outstanding, -1) == 0 {
		run.closeQueue.Do(func() { close(run.queue) })
	}
}

// backoff returns min(maxDelay, 2^(attempt-1) * baseDelay) plus jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.cfg.BaseDelay << (attempt - 1)
	if delay > s.cfg.MaxDelay || delay <= 0 {
		delay = s.cfg.MaxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(s.cfg.BaseDelay)/2 + 1))
	return delay + jitter
}

func (r *uploadRun) reportProgress(total int, size int64) {
	if r.onProgress == nil {
		return
	}

	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	r.onProgress(Progress{
		CompletedChunks:  int(atomic.LoadInt64(&r.completed)),
		TotalChunks:      total,
		BytesTransferred: atomic.LoadInt64(&r.bytes),
		TotalBytes:       size,
	})
}

func report(onProgress func(Progress), p Progress) {
	if onProgress != nil {
		onProgress(p)
	}
}

// chunkCount is ceil(size / chunkSize).
func chunkCount(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// chunkRange returns the byte range of chunk idx; ranges tile [0, size).
func chunkRange(size, chunkSize int64, idx int) (offset, length int64) {
	offset = int64(idx) * chunkSize
	length = chunkSize
	if offset+length > size {
		length = size - offset
	}

	return offset, length
}
