package model

// FileInfo describes one indexed item, file or folder, relative to the
// volume root.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size,omitempty"`
	Modified int64  `json:"modified,omitempty"`
	IsDir    bool   `json:"is_dir"`
}
