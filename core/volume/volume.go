package volume

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
)

var (
	ErrPathTraversal = errors.New("path escapes volume root")
	ErrNameTooLong   = errors.New("name exceeds maximum length")
	ErrNotMounted    = errors.New("volume not mounted")
	ErrNotDirectory  = errors.New("not a directory")
	ErrNotFound      = errors.New("item not found")
	ErrItemExists    = errors.New("an item with this name already exists")
)

// Longest name component accepted, matching common filesystem limits.
const MaxNameLength = 255

// Volume scopes every filesystem operation beneath a single root directory.
// The root is swappable at runtime; in-flight operations keep resolving
// against the root they snapshotted.
type Volume struct {
	root atomic.Pointer[string]
}

func New(rootPath string) (*Volume, error) {
	v := &Volume{}
	if err := v.ChangeRoot(rootPath); err != nil {
		return nil, err
	}

	return v, nil
}

// Root returns the current volume root as an absolute path.
func (v *Volume) Root() string {
	return *v.root.Load()
}

// ChangeRoot rebinds the volume root. The new root must exist and be a
// directory; the swap is atomic with respect to concurrent Resolve calls.
func (v *Volume) ChangeRoot(rootPath string) error {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotMounted
		}
		return err
	}

	if !info.IsDir() {
		return ErrNotDirectory
	}

	v.root.Store(&abs)
	return nil
}

// CleanRel normalizes a user path like "", ".", "/a/b" or "a//b" into a
// slash-separated relative path; "" means the root itself.
func CleanRel(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}

	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}

	return p
}

// Resolve maps an untrusted relative path onto an absolute path under the
// current root. It rejects null bytes, over-long name components and any
// path whose normalized form escapes the root. Pure check: no filesystem IO.
func (v *Volume) Resolve(rel string) (string, error) {
	root := v.Root()

	if strings.Contains(rel, "\x00") {
		return "", ErrPathTraversal
	}

	norm := strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	norm = strings.TrimPrefix(norm, "/")
	if norm == "" || norm == "." {
		return root, nil
	}

	cleaned := path.Clean(norm)
	if cleaned == "." {
		return root, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrPathTraversal
	}

	for _, part := range strings.Split(cleaned, "/") {
		if len(part) > MaxNameLength {
			return "", ErrNameTooLong
		}
	}

	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(cleaned)))
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if abs != root && !strings.HasPrefix(abs, prefix) {
		return "", ErrPathTraversal
	}

	return abs, nil
}

// ResolveDir resolves rel and verifies it exists as a directory.
func (v *Volume) ResolveDir(rel string) (string, error) {
	abs, err := v.Resolve(rel)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}

	if !info.IsDir() {
		return "", ErrNotDirectory
	}

	return abs, nil
}
