package metadata

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/zacheryvaughn/network-volume-manager/core/model"
	"github.com/zacheryvaughn/network-volume-manager/core/volume"
	"github.com/zacheryvaughn/network-volume-manager/lib/cache"
	"github.com/zacheryvaughn/network-volume-manager/lib/logger"
)

var log, _ = logger.New("metadata")

const listingCacheSize = 128

// Service indexes the files under the volume root and answers listing and
// search queries for the browser. The index lives in a leveldb datastore
// keyed by root-relative path; assembled uploads and the filesystem watcher
// both feed refreshes into it.
type Service struct {
	vol   *volume.Volume
	files *dslvl.Datastore

	mu       sync.Mutex
	listings *cache.LRU
}

func NewService(vol *volume.Volume, dsPath string) (*Service, error) {
	store, err := dslvl.NewDatastore(filepath.Join(dsPath, "files"), nil)
	if err != nil {
		return nil, err
	}

	return &Service{
		vol:      vol,
		files:    store,
		listings: cache.NewLRU(listingCacheSize),
	}, nil
}

func (s *Service) Close() error {
	return s.files.Close()
}

func indexKey(rel string) ds.Key {
	return ds.NewKey("/" + rel)
}

// Reindex drops the whole index and rebuilds it from a full walk of the
// current volume root. Used at startup and after a change-directory.
func (s *Service) Reindex(ctx context.Context) error {
	res, err := s.files.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return err
	}

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if err := s.files.Delete(ctx, ds.RawKey(r.Key)); err != nil {
			return err
		}
	}

	root := s.vol.Root()
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}

		return s.putEntry(ctx, filepath.ToSlash(rel), d)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listings = cache.NewLRU(listingCacheSize)
	s.mu.Unlock()

	log.Infow("reindex", "root", root)
	return nil
}

// Refresh re-scans one directory: stale entries directly under it are
// dropped and current ones re-put. Descendant entries are left to their own
// refreshes.
func (s *Service) Refresh(ctx context.Context, dir string) error {
	rel := volume.CleanRel(dir)

	abs, err := s.vol.ResolveDir(rel)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		childRel := path.Join(rel, entry.Name())
		present[childRel] = struct{}{}

		if err := s.putEntry(ctx, childRel, entry); err != nil {
			return err
		}
	}

	res, err := s.files.Query(ctx, dsq.Query{Prefix: indexKey(rel).String(), KeysOnly: true})
	if err != nil {
		return err
	}

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		childRel := strings.TrimPrefix(r.Key, "/")
		if path.Dir(childRel) != relOrDot(rel) {
			continue
		}
		if _, ok := present[childRel]; ok {
			continue
		}

		if err := s.files.Delete(ctx, ds.RawKey(r.Key)); err != nil {
			return err
		}
	}

	s.Invalidate(rel)
	return nil
}

// List returns the browse view of dir through a small LRU of rendered
// listings; Invalidate drops an entry when the directory changes.
func (s *Service) List(dir string) (*volume.Listing, error) {
	rel := volume.CleanRel(dir)

	s.mu.Lock()
	cached, hit := s.listings.Get(rel)
	s.mu.Unlock()

	if hit {
		var listing volume.Listing
		if err := json.Unmarshal(cached, &listing); err == nil {
			return &listing, nil
		}
	}

	listing, err := s.vol.List(rel)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(listing); err == nil {
		s.mu.Lock()
		s.listings.Put(rel, b)
		s.mu.Unlock()
	}

	return listing, nil
}

func (s *Service) Invalidate(dir string) {
	s.mu.Lock()
	s.listings.Remove(volume.CleanRel(dir))
	s.mu.Unlock()
}

// Search walks the index for entries whose name contains query,
// case-insensitively, split into files and folders.
func (s *Service) Search(ctx context.Context, query string, foldersOnly bool) (files, folders []model.FileInfo, err error) {
	files = []model.FileInfo{}
	folders = []model.FileInfo{}

	needle := strings.ToLower(query)

	res, err := s.files.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, nil, err
	}

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		var info model.FileInfo
		if err := json.Unmarshal(r.Value, &info); err != nil {
			continue
		}

		if needle != "" && !strings.Contains(strings.ToLower(info.Name), needle) {
			continue
		}

		if info.IsDir {
			folders = append(folders, info)
		} else if !foldersOnly {
			files = append(files, info)
		}
	}

	return files, folders, nil
}

func (s *Service) putEntry(ctx context.Context, rel string, entry fs.DirEntry) error {
	stat, err := entry.Info()
	if err != nil {
		return nil
	}

	info := model.FileInfo{
		Name:     entry.Name(),
		Path:     rel,
		Modified: stat.ModTime().Unix(),
		IsDir:    entry.IsDir(),
	}
	if !info.IsDir {
		info.Size = stat.Size()
	}

	b, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return s.files.Put(ctx, indexKey(rel), b)
}

func relOrDot(rel string) string {
	if rel == "" {
		return "."
	}

	return rel
}
