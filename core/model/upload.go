package model

// UploadState tracks the lifecycle of one in-progress chunked upload.
type UploadState int32

const (
	UploadOpen UploadState = iota
	UploadReceiving
	UploadAssembling
	UploadComplete
	UploadFailed
	UploadCanceled
)

func (s UploadState) String() string {
	switch s {
	case UploadOpen:
		return "open"
	case UploadReceiving:
		return "receiving"
	case UploadAssembling:
		return "assembling"
	case UploadComplete:
		return "complete"
	case UploadFailed:
		return "failed"
	case UploadCanceled:
		return "canceled"
	}

	return "unknown"
}

// ChunkRecord marks one byte range of an upload target. Indices run
// 0..TotalChunks-1 and ranges tile [0, TotalSize) with no overlap.
type ChunkRecord struct {
	Index    int
	Offset   int64
	Length   int64
	Received bool
}
