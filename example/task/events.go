package task

import "github.com/romshark/plow"

func init() {
	plow.MustRegisterEventType[*TaskCreated]("task-created")
	plow.MustRegisterEventType[*TaskDescriptionChanged]("task-description-changed")
	plow.MustRegisterEventType[*TaskCompleted]("task-completed")
	plow.MustRegisterEventType[*TaskReopened]("task-reopened")
}

// TaskCreated is raised when a new task is created.
type TaskCreated struct {
	plow.EventMetadata

	Description string `json:"description"`
}

// TaskDescriptionChanged is raised when the description of a task is changed.
type TaskDescriptionChanged struct {
	plow.EventMetadata

	Description string `json:"description"`
}

type TaskCompleted struct{ plow.EventMetadata }

type TaskReopened struct{ plow.EventMetadata }
