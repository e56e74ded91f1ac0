package volume

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
)

// Listing is the browse view of one directory: immediate children split into
// files and folders, plus the breadcrumb parts leading to it.
type Listing struct {
	Files     []string `json:"files"`
	Folders   []string `json:"folders"`
	PathParts []string `json:"path_parts"`
}

// List returns the immediate contents of dir, folders and files each sorted
// case-insensitively.
func (v *Volume) List(dir string) (*Listing, error) {
	abs, err := v.ResolveDir(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	listing := &Listing{
		Files:     []string{},
		Folders:   []string{},
		PathParts: []string{},
	}

	for _, entry := range entries {
		// Dotfiles hold server state (staging, index) and stay out of the
		// browse view.
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if entry.IsDir() {
			listing.Folders = append(listing.Folders, entry.Name())
		} else {
			listing.Files = append(listing.Files, entry.Name())
		}
	}

	lower := func(names []string) func(i, j int) bool {
		return func(i, j int) bool {
			return strings.ToLower(names[i]) < strings.ToLower(names[j])
		}
	}
	sort.Slice(listing.Folders, lower(listing.Folders))
	sort.Slice(listing.Files, lower(listing.Files))

	if rel := CleanRel(dir); rel != "" {
		listing.PathParts = strings.Split(rel, "/")
	}

	return listing, nil
}

// CreateFolder creates name under dir. An empty name auto-generates
// "Untitled Folder", "Untitled Folder 1", ... like the browser UI expects.
// Returns the name actually created.
func (v *Volume) CreateFolder(dir, name string) (string, error) {
	absDir, err := v.ResolveDir(dir)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = v.untitledName(absDir)
	}

	abs, err := v.Resolve(path.Join(CleanRel(dir), name))
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(abs); err == nil {
		return "", ErrItemExists
	}

	if err := os.Mkdir(abs, 0750); err != nil {
		return "", err
	}

	return name, nil
}

// Rename renames oldName to newName within dir.
func (v *Volume) Rename(dir, oldName, newName string) error {
	if _, err := v.ResolveDir(dir); err != nil {
		return err
	}

	oldAbs, err := v.Resolve(path.Join(CleanRel(dir), oldName))
	if err != nil {
		return err
	}

	newAbs, err := v.Resolve(path.Join(CleanRel(dir), newName))
	if err != nil {
		return err
	}

	if _, err := os.Stat(oldAbs); os.IsNotExist(err) {
		return ErrNotFound
	}

	if _, err := os.Stat(newAbs); err == nil {
		return ErrItemExists
	}

	return os.Rename(oldAbs, newAbs)
}

// Delete removes itemName from dir, recursively when it is a directory.
func (v *Volume) Delete(dir, itemName string) error {
	if _, err := v.ResolveDir(dir); err != nil {
		return err
	}

	abs, err := v.Resolve(path.Join(CleanRel(dir), itemName))
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}

	if info.IsDir() {
		return os.RemoveAll(abs)
	}

	return os.Remove(abs)
}

// Move relocates itemName from dir into destDir, both relative to the root.
func (v *Volume) Move(dir, itemName, destDir string) error {
	if _, err := v.ResolveDir(dir); err != nil {
		return err
	}

	srcAbs, err := v.Resolve(path.Join(CleanRel(dir), itemName))
	if err != nil {
		return err
	}

	if _, err := v.ResolveDir(destDir); err != nil {
		return err
	}

	if _, err := os.Stat(srcAbs); os.IsNotExist(err) {
		return ErrNotFound
	}

	targetAbs, err := v.Resolve(path.Join(CleanRel(destDir), path.Base(srcAbs)))
	if err != nil {
		return err
	}

	if _, err := os.Stat(targetAbs); err == nil {
		return ErrItemExists
	}

	return os.Rename(srcAbs, targetAbs)
}

func (v *Volume) untitledName(absDir string) string {
	const base = "Untitled Folder"

	name := base
	for counter := 1; ; counter++ {
		if _, err := os.Stat(path.Join(absDir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s %d", base, counter)
	}
}
