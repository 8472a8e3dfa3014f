package domain

import (
	"strings"
	"time"
)

// Protocol identifies the transport family a locator resolved to.
type Protocol string

const (
	ProtocolHTTP    Protocol = "http"
	ProtocolFTP     Protocol = "ftp"
	ProtocolTorrent Protocol = "torrent"
	ProtocolMagnet  Protocol = "magnet"
	ProtocolHLS     Protocol = "hls"
	ProtocolThunder Protocol = "thunder"
)

// IsBitTorrent reports whether the protocol is driven by the embedded torrent stack.
func (p Protocol) IsBitTorrent() bool {
	return p == ProtocolTorrent || p == ProtocolMagnet
}

// Task is the persisted task session record.
type Task struct {
	ID        int64
	Locator   string
	Protocol  Protocol
	Status    TaskStatus
	FilePath  string
	Name      string
	TotalSize int64 // 0 while unknown

	DownloadedBytes int64
	UploadedBytes   int64
	Progress        int
	Speed           int64

	TotalPeers       int
	ActivePeers      int
	ConnectedSeeders int

	// Description is a protocol specific blob. Torrent and HLS tasks store the
	// B-encoded list of selected file paths here.
	Description  string
	S3Location   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	Files        []TaskFile
}

// SizeKnown reports whether the prep phase has fixed the total size.
func (t *Task) SizeKnown() bool { return t.TotalSize > 0 }

// SelectedPaths returns the paths of the files marked for download.
func (t *Task) SelectedPaths() []string {
	var paths []string
	for _, f := range t.Files {
		if f.Selected {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// TaskFile captures an individual file within a multi-file task (torrent or HLS).
type TaskFile struct {
	ID       int64
	TaskID   int64
	Name     string
	Size     int64
	Path     string
	Selected bool
}

// DisplayName is the last path element.
func (f TaskFile) DisplayName() string {
	if i := strings.LastIndexAny(f.Path, `/\`); i >= 0 {
		return f.Path[i+1:]
	}
	return f.Path
}

// Progress is the periodically persisted transfer snapshot of a task.
type Progress struct {
	Progress         int
	Speed            int64
	Downloaded       int64
	Uploaded         int64
	TotalPeers       int
	ActivePeers      int
	ConnectedSeeders int
}
