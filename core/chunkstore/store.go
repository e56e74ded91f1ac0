package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zacheryvaughn/network-volume-manager/core/model"
	"github.com/zacheryvaughn/network-volume-manager/core/volume"
	"github.com/zacheryvaughn/network-volume-manager/lib/checksum"
	"github.com/zacheryvaughn/network-volume-manager/lib/cmap"
	"github.com/zacheryvaughn/network-volume-manager/lib/logger"
)

var log, _ = logger.New("chunkstore")

var (
	ErrInvalidChunkIndex  = errors.New("chunk index out of range")
	ErrChunkSizeMismatch  = errors.New("chunk length does not match its byte range")
	ErrChunkCountMismatch = errors.New("total chunks does not match total size")
	ErrUploadTooLarge     = errors.New("file exceeds maximum upload size")
	ErrTooManyUploads     = errors.New("too many active uploads")
	ErrUploadNotFound     = errors.New("no active upload for this file")
	ErrUploadNotActive    = errors.New("upload is no longer receiving chunks")
	ErrChecksumMismatch   = errors.New("given checksum does not match calculated checksum")
)

type Config struct {
	StagingPath string
	MaxFileSize int64
	MaxActive   int
	IdleTimeout time.Duration
}

// ChunkRequest carries the form fields of one chunk upload.
type ChunkRequest struct {
	Dir         string
	Filename    string
	Index       int
	TotalChunks int
	TotalSize   int64
	ChunkSize   int64

	// Optional end-to-end integrity check; verified when HasChecksum is set.
	Checksum    int
	HasChecksum bool
}

// target is the server-side bookkeeping for one in-progress chunked upload.
// All mutable state is guarded by mu, one lock per target so unrelated
// uploads never contend.
type target struct {
	ID          uuid.UUID
	Dir         string
	Filename    string
	TotalSize   int64
	TotalChunks int
	ChunkSize   int64
	StagingPath string

	mu            sync.Mutex
	state         model.UploadState
	chunks        []model.ChunkRecord
	receivedCount int
	lastActivity  time.Time
}

// Store accepts individual chunk uploads and assembles each target exactly
// once, tolerating duplicate and out-of-order arrivals.
type Store struct {
	cfg     Config
	vol     *volume.Volume
	targets cmap.Map[string, *target]
	active  int64

	// OnAssembled, when set, runs after a target's final file becomes
	// visible at its destination directory.
	OnAssembled func(dir string)
}

func NewStore(cfg Config, vol *volume.Volume) (*Store, error) {
	if err := os.MkdirAll(cfg.StagingPath, 0750); err != nil {
		return nil, err
	}

	return &Store{
		cfg: cfg,
		vol: vol,
	}, nil
}

func targetKey(dir, filename string) string {
	return path.Join(volume.CleanRel(dir), filename)
}

func stagingFilename(id uuid.UUID) string {
	return fmt.Sprintf("%s.part", id)
}

// WriteChunk validates and stores one chunk. It reports complete=true to
// whichever request delivered the last missing chunk, after assembly has
// made the final file visible at its destination.
func (s *Store) WriteChunk(req ChunkRequest, data []byte) (bool, error) {
	// Destination must resolve inside the volume before any staging IO.
	destAbs, err := s.resolveDestination(req.Dir, req.Filename)
	if err != nil {
		return false, err
	}

	if req.HasChecksum {
		if checksum.CalculateCheckSum(data) != req.Checksum {
			return false, ErrChecksumMismatch
		}
	}

	t, err := s.getOrCreateTarget(req)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case model.UploadOpen, model.UploadReceiving:
	default:
		return false, ErrUploadNotActive
	}

	if req.Index < 0 || req.Index >= t.TotalChunks {
		return false, ErrInvalidChunkIndex
	}

	record := &t.chunks[req.Index]
	if int64(len(data)) != record.Length {
		return false, ErrChunkSizeMismatch
	}

	t.lastActivity = time.Now()

	// A retried chunk racing a late success response lands here; ack it
	// without rewriting.
	if record.Received {
		return false, nil
	}

	if err := s.writeAt(t, data, record.Offset); err != nil {
		s.failLocked(t)
		return false, err
	}

	record.Received = true
	t.receivedCount++
	t.state = model.UploadReceiving

	if t.receivedCount < t.TotalChunks {
		return false, nil
	}

	// Last missing chunk just landed; the lock serializes this transition,
	// so a duplicate "last chunk" can never start a second assembly.
	t.state = model.UploadAssembling
	if err := s.assembleLocked(t, destAbs); err != nil {
		s.failLocked(t)
		return false, err
	}

	t.state = model.UploadComplete
	s.release(t)

	log.Infow("upload assembled", "file", targetKey(t.Dir, t.Filename), "size", t.TotalSize, "chunks", t.TotalChunks)

	if s.OnAssembled != nil {
		s.OnAssembled(t.Dir)
	}

	return true, nil
}

// Cancel aborts an in-progress upload and releases its staging resources.
func (s *Store) Cancel(dir, filename string) error {
	key := targetKey(dir, filename)
	tp, exists := s.targets.Get(key)
	if !exists {
		return ErrUploadNotFound
	}

	t := *tp
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case model.UploadComplete, model.UploadFailed, model.UploadCanceled:
		return ErrUploadNotActive
	}

	t.state = model.UploadCanceled
	s.cleanupLocked(t)
	s.release(t)

	log.Infow("upload canceled", "file", key)
	return nil
}

// ActiveUploads reports the number of open upload targets.
func (s *Store) ActiveUploads() int {
	return int(atomic.LoadInt64(&s.active))
}

// WriteFile is the single-request whole-file path: the body streams into a
// staging file which is renamed into place so a partial file is never
// visible at the destination.
func (s *Store) WriteFile(dir, filename string, r io.Reader) (string, error) {
	destAbs, err := s.resolveDestination(dir, filename)
	if err != nil {
		return "", err
	}

	stagingPath := filepath.Join(s.cfg.StagingPath, stagingFilename(uuid.New()))
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}

	written, err := io.Copy(f, io.LimitReader(r, s.cfg.MaxFileSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(stagingPath)
		return "", err
	}

	if written > s.cfg.MaxFileSize {
		_ = os.Remove(stagingPath)
		return "", ErrUploadTooLarge
	}

	if err := moveIntoPlace(stagingPath, destAbs); err != nil {
		_ = os.Remove(stagingPath)
		return "", err
	}

	if s.OnAssembled != nil {
		s.OnAssembled(dir)
	}

	return destAbs, nil
}

func (s *Store) resolveDestination(dir, filename string) (string, error) {
	if _, err := s.vol.ResolveDir(dir); err != nil {
		return "", err
	}

	return s.vol.Resolve(path.Join(volume.CleanRel(dir), filename))
}

func (s *Store) getOrCreateTarget(req ChunkRequest) (*target, error) {
	key := targetKey(req.Dir, req.Filename)
	if tp, exists := s.targets.Get(key); exists {
		return *tp, nil
	}

	if err := validateGeometry(req); err != nil {
		return nil, err
	}

	if req.TotalSize > s.cfg.MaxFileSize {
		return nil, ErrUploadTooLarge
	}

	if s.cfg.MaxActive > 0 && s.ActiveUploads() >= s.cfg.MaxActive {
		return nil, ErrTooManyUploads
	}

	t := &target{
		ID:           uuid.New(),
		Dir:          volume.CleanRel(req.Dir),
		Filename:     req.Filename,
		TotalSize:    req.TotalSize,
		TotalChunks:  req.TotalChunks,
		ChunkSize:    req.ChunkSize,
		state:        model.UploadOpen,
		chunks:       chunkRecords(req.TotalSize, req.ChunkSize, req.TotalChunks),
		lastActivity: time.Now(),
	}
	t.StagingPath = filepath.Join(s.cfg.StagingPath, stagingFilename(t.ID))

	// Staging must exist before the target is visible in the map: a
	// concurrent chunk of the same upload may write the moment it can see
	// the target.
	if err := s.allocateStaging(t); err != nil {
		return nil, err
	}

	actual, stored := s.targets.SetIfAbsent(key, t)
	if !stored {
		// Lost the creation race to a concurrent chunk of the same upload.
		_ = os.Remove(t.StagingPath)
		return *actual, nil
	}

	atomic.AddInt64(&s.active, 1)
	log.Infow("upload opened", "file", key, "size", t.TotalSize, "chunks", t.TotalChunks)

	return t, nil
}

// allocateStaging pre-sizes the staging file to the full upload so chunks
// can land at their offsets in any order.
func (s *Store) allocateStaging(t *target) error {
	f, err := os.OpenFile(t.StagingPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	if err := f.Truncate(t.TotalSize); err != nil {
		f.Close()
		_ = os.Remove(t.StagingPath)
		return err
	}

	return f.Close()
}

func (s *Store) writeAt(t *target, data []byte, offset int64) error {
	f, err := os.OpenFile(t.StagingPath, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(data, offset)
	return err
}

// assembleLocked moves the fully-staged content onto its destination path.
// Rename is atomic on the same filesystem; a byte copy over a live path
// would expose a partial file.
func (s *Store) assembleLocked(t *target, destAbs string) error {
	for i := range t.chunks {
		if !t.chunks[i].Received {
			return fmt.Errorf("assembly gap at chunk %d", i)
		}
	}

	return moveIntoPlace(t.StagingPath, destAbs)
}

// moveIntoPlace renames staged content onto its destination. When staging
// sits on a different filesystem (change-directory moved the root), the
// content is copied to a hidden sibling of the destination first so the
// final rename still happens within one filesystem.
func moveIntoPlace(stagingPath, destAbs string) error {
	err := os.Rename(stagingPath, destAbs)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := filepath.Join(filepath.Dir(destAbs), fmt.Sprintf(".%s.part", uuid.New()))

	src, err := os.Open(stagingPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, destAbs); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	_ = os.Remove(stagingPath)
	return nil
}

func (s *Store) failLocked(t *target) {
	t.state = model.UploadFailed
	s.cleanupLocked(t)
	s.release(t)
}

func (s *Store) cleanupLocked(t *target) {
	if err := os.Remove(t.StagingPath); err != nil && !os.IsNotExist(err) {
		log.Errorw("staging cleanup failed", "path", t.StagingPath, "error", err)
	}
}

func (s *Store) release(t *target) {
	s.targets.Delete(targetKey(t.Dir, t.Filename))
	atomic.AddInt64(&s.active, -1)
}

func validateGeometry(req ChunkRequest) error {
	if req.TotalSize <= 0 || req.ChunkSize <= 0 || req.TotalChunks <= 0 {
		return ErrChunkCountMismatch
	}

	want := int((req.TotalSize + req.ChunkSize - 1) / req.ChunkSize)
	if want != req.TotalChunks {
		return ErrChunkCountMismatch
	}

	return nil
}

// chunkRecords tiles [0, totalSize) into totalChunks contiguous ranges.
func chunkRecords(totalSize, chunkSize int64, totalChunks int) []model.ChunkRecord {
	records := make([]model.ChunkRecord, totalChunks)
	for i := range records {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > totalSize {
			length = totalSize - offset
		}

		records[i] = model.ChunkRecord{
			Index:  i,
			Offset: offset,
			Length: length,
		}
	}

	return records
}
