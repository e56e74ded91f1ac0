package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zacheryvaughn/network-volume-manager/core/volume"
)

func newTestService(t *testing.T) (*Service, *volume.Volume) {
	t.Helper()

	vol, err := volume.New(t.TempDir())
	require.NoError(t, err)

	svc, err := NewService(vol, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return svc, vol
}

func seed(t *testing.T, root string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "reports"), 0o750))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".staging"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "notes.md"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "reports", "q1.pdf"), []byte("q1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644))
}

func TestReindex_WalksVolume(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())

	require.NoError(t, svc.Reindex(context.Background()))

	files, folders, err := svc.Search(context.Background(), "", false)
	require.NoError(t, err)

	var filePaths, folderPaths []string
	for _, f := range files {
		filePaths = append(filePaths, f.Path)
	}
	for _, f := range folders {
		folderPaths = append(folderPaths, f.Path)
	}

	require.ElementsMatch(t, []string{"readme.txt", "docs/notes.md", "docs/reports/q1.pdf"}, filePaths)
	require.ElementsMatch(t, []string{"docs", "docs/reports"}, folderPaths)
}

func TestReindex_DropsStaleEntries(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())
	require.NoError(t, svc.Reindex(context.Background()))

	require.NoError(t, os.RemoveAll(filepath.Join(vol.Root(), "docs")))
	require.NoError(t, svc.Reindex(context.Background()))

	files, folders, err := svc.Search(context.Background(), "", false)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Empty(t, folders)
	require.Equal(t, "readme.txt", files[0].Path)
}

func TestSearch_MatchesCaseInsensitively(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())
	require.NoError(t, svc.Reindex(context.Background()))

	files, folders, err := svc.Search(context.Background(), "NOTES", false)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "docs/notes.md", files[0].Path)
	require.Empty(t, folders)

	files, folders, err = svc.Search(context.Background(), "repo", true)
	require.NoError(t, err)
	require.Empty(t, files, "folders_only drops file matches")
	require.Len(t, folders, 1)
	require.Equal(t, "docs/reports", folders[0].Path)
}

func TestSearch_FileSizes(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())
	require.NoError(t, svc.Reindex(context.Background()))

	files, _, err := svc.Search(context.Background(), "readme", false)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.EqualValues(t, 5, files[0].Size)
	require.False(t, files[0].IsDir)
	require.Positive(t, files[0].Modified)
}

func TestRefresh_PicksUpDirectoryChanges(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())
	require.NoError(t, svc.Reindex(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(vol.Root(), "docs", "extra.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(vol.Root(), "docs", "notes.md")))

	require.NoError(t, svc.Refresh(context.Background(), "docs"))

	files, _, err := svc.Search(context.Background(), "", false)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	require.Contains(t, paths, "docs/extra.txt")
	require.NotContains(t, paths, "docs/notes.md")

	// Refresh of the parent leaves grandchildren alone.
	require.Contains(t, paths, "docs/reports/q1.pdf")
}

func TestRefresh_RootDirectory(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())
	require.NoError(t, svc.Reindex(context.Background()))

	require.NoError(t, os.Remove(filepath.Join(vol.Root(), "readme.txt")))
	require.NoError(t, svc.Refresh(context.Background(), ""))

	files, folders, err := svc.Search(context.Background(), "", false)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	require.NotContains(t, paths, "readme.txt")

	// Top-level folders survive a root refresh.
	var folderPaths []string
	for _, f := range folders {
		folderPaths = append(folderPaths, f.Path)
	}
	require.Contains(t, folderPaths, "docs")
}

func TestList_CachesUntilInvalidated(t *testing.T) {
	svc, vol := newTestService(t)
	seed(t, vol.Root())

	first, err := svc.List("docs")
	require.NoError(t, err)
	require.Equal(t, []string{"notes.md"}, first.Files)
	require.Equal(t, []string{"reports"}, first.Folders)

	// The cached listing masks direct filesystem changes.
	require.NoError(t, os.WriteFile(filepath.Join(vol.Root(), "docs", "later.txt"), []byte("x"), 0o644))

	cached, err := svc.List("docs")
	require.NoError(t, err)
	require.Equal(t, first.Files, cached.Files)

	svc.Invalidate("docs")

	fresh, err := svc.List("docs")
	require.NoError(t, err)
	require.Equal(t, []string{"later.txt", "notes.md"}, fresh.Files)
}

func TestList_MissingDirectory(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.List("nowhere")
	require.ErrorIs(t, err, volume.ErrNotFound)
}
