package domain

import (
	"errors"
	"testing"
)

func TestTaskStatusNext(t *testing.T) {
	tests := []struct {
		from    TaskStatus
		event   Event
		want    TaskStatus
		wantErr bool
	}{
		{TaskStatusPending, EventStart, TaskStatusDownloading, false},
		{TaskStatusPaused, EventStart, TaskStatusDownloading, false},
		{TaskStatusFailed, EventStart, TaskStatusDownloading, false},
		{TaskStatusDownloading, EventStart, TaskStatusDownloading, true},
		{TaskStatusDownloading, EventPause, TaskStatusPaused, false},
		{TaskStatusPending, EventPause, TaskStatusPending, true},
		{TaskStatusDownloading, EventComplete, TaskStatusCompleted, false},
		{TaskStatusPaused, EventComplete, TaskStatusPaused, true},
		{TaskStatusPaused, EventFail, TaskStatusFailed, false},
		{TaskStatusCompleted, EventDelete, TaskStatusDeleted, false},
		{TaskStatusDeleted, EventDelete, TaskStatusDeleted, true},
		{TaskStatusDeleted, EventStart, TaskStatusDeleted, true},
	}

	for _, tt := range tests {
		got, err := tt.from.Next(tt.event)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s on %s: err = %v, wantErr %v", tt.event, tt.from, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on %s: error %v is not ErrInvalidTransition", tt.event, tt.from, err)
		}
		if got != tt.want {
			t.Errorf("%s on %s = %s, want %s", tt.event, tt.from, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	netErr := &NetError{Op: "dial", Addr: "127.0.0.1:1", Err: errors.New("refused")}
	if !IsTransient(netErr) {
		t.Fatal("NetError should be transient")
	}
	if IsTransient(Failf(nil, "disk full")) {
		t.Fatal("DownloadError should not be transient")
	}
	wrapped := Failf(netErr, "giving up")
	if !IsTransient(wrapped) {
		t.Fatal("wrapped NetError should still be detected")
	}
	if wrapped.Error() != "giving up: dial 127.0.0.1:1: refused" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestTaskSelectedPaths(t *testing.T) {
	task := Task{Files: []TaskFile{
		{Path: "a/b.mkv", Selected: true},
		{Path: "a/c.nfo"},
		{Path: "d.srt", Selected: true},
	}}
	got := task.SelectedPaths()
	if len(got) != 2 || got[0] != "a/b.mkv" || got[1] != "d.srt" {
		t.Fatalf("SelectedPaths = %v", got)
	}
	if task.Files[0].DisplayName() != "b.mkv" {
		t.Fatalf("DisplayName = %q", task.Files[0].DisplayName())
	}
}
