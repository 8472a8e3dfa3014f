package domain

import "fmt"

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusDeleted     TaskStatus = "deleted"
)

// Event names a state machine transition.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventFail     Event = "fail"
	EventComplete Event = "complete"
	EventDelete   Event = "delete"
)

var transitions = map[Event]map[TaskStatus]TaskStatus{
	EventStart: {
		TaskStatusPending: TaskStatusDownloading,
		TaskStatusPaused:  TaskStatusDownloading,
		TaskStatusFailed:  TaskStatusDownloading,
	},
	EventPause: {
		TaskStatusDownloading: TaskStatusPaused,
	},
	EventFail: {
		TaskStatusPending:     TaskStatusFailed,
		TaskStatusDownloading: TaskStatusFailed,
		TaskStatusPaused:      TaskStatusFailed,
		TaskStatusCompleted:   TaskStatusFailed,
		TaskStatusFailed:      TaskStatusFailed,
	},
	EventComplete: {
		TaskStatusDownloading: TaskStatusCompleted,
	},
	EventDelete: {
		TaskStatusPending:     TaskStatusDeleted,
		TaskStatusDownloading: TaskStatusDeleted,
		TaskStatusPaused:      TaskStatusDeleted,
		TaskStatusCompleted:   TaskStatusDeleted,
		TaskStatusFailed:      TaskStatusDeleted,
	},
}

// Next returns the state reached from s on event e.
func (s TaskStatus) Next(e Event) (TaskStatus, error) {
	if next, ok := transitions[e][s]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}

// IsTerminal reports whether the task needs an explicit start to move again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusDeleted:
		return true
	}
	return false
}

// IsResumable reports whether a task found in this state at boot should be restarted.
func (s TaskStatus) IsResumable() bool {
	return s == TaskStatusPending || s == TaskStatusDownloading
}
