package uploader

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/zacheryvaughn/network-volume-manager/core/volume"
)

// Result is the single terminal outcome of a session: a final path on
// success, an error on failure, or Canceled.
type Result struct {
	Path     string
	Err      error
	Canceled bool
}

// Session is one cancelable upload. Its completion callback fires exactly
// once, with either the final path or the failure reason.
type Session struct {
	ID uuid.UUID

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	result     *Result
	onProgress func(Progress)
	onComplete func(Result)
	fired      bool
}

// Uploader creates sessions bound to one server and scheduler config.
type Uploader struct {
	client *Client
	cfg    Config
}

func New(client *Client, cfg Config) *Uploader {
	return &Uploader{
		client: client,
		cfg:    cfg,
	}
}

// Start begins uploading filePath into destDir and returns immediately.
func (u *Uploader) Start(ctx context.Context, filePath, destDir string) *Session {
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:     uuid.New(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	scheduler := NewScheduler(u.client, u.cfg)

	go func() {
		defer cancel()

		err := scheduler.Upload(ctx, filePath, destDir, s.emitProgress)

		result := Result{Err: err}
		switch {
		case err == nil:
			result.Path = path.Join(volume.CleanRel(destDir), filepath.Base(filePath))
			// Re-query the listing so the metadata layer serves the fresh
			// directory to whoever renders it next.
			if _, lerr := u.client.List(context.Background(), destDir); lerr != nil {
				log.Errorw("post-upload refresh failed", "dir", destDir, "error", lerr)
			}
		case errors.Is(err, context.Canceled):
			result.Canceled = true
			result.Err = nil
			// Best effort: free the server's staging space now instead of
			// waiting for its idle sweep.
			if cerr := u.client.CancelUpload(context.Background(), destDir, filepath.Base(filePath)); cerr != nil {
				log.Infow("server-side cancel skipped", "file", filepath.Base(filePath), "reason", cerr)
			}
		}

		s.complete(result)
	}()

	return s
}

// Cancel aborts the session: in-flight chunk requests are interrupted and no
// further retries are scheduled. The terminal state is Canceled, not failed.
func (s *Session) Cancel() {
	s.cancel()
}

// Wait blocks until the session reaches its terminal state.
func (s *Session) Wait() Result {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.result
}

// OnProgress registers the progress callback. Later snapshots supersede
// earlier ones; the UI only ever needs the latest.
func (s *Session) OnProgress(fn func(Progress)) {
	s.mu.Lock()
	s.onProgress = fn
	s.mu.Unlock()
}

// OnComplete registers the completion callback. If the session already
// finished the callback fires immediately, preserving exactly-once.
func (s *Session) OnComplete(fn func(Result)) {
	s.mu.Lock()

	if s.result != nil && !s.fired {
		s.fired = true
		result := *s.result
		s.mu.Unlock()
		fn(result)
		return
	}

	s.onComplete = fn
	s.mu.Unlock()
}

func (s *Session) emitProgress(p Progress) {
	s.mu.Lock()
	fn := s.onProgress
	s.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (s *Session) complete(result Result) {
	s.mu.Lock()
	s.result = &result
	fn := s.onComplete
	if fn != nil {
		s.fired = true
	}
	s.mu.Unlock()

	close(s.done)

	if fn != nil {
		fn(result)
	}
}
