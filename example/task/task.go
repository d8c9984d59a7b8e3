// Package task is a small task tracking domain built on plow.
package task

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/romshark/plow"
)

var (
	ErrEmptyDescription = errors.New("task description cannot be empty")
	ErrAlreadyCompleted = errors.New("task is already completed")
	ErrNotCompleted     = errors.New("task is not completed")
	ErrUnchanged        = errors.New("task description unchanged")
	ErrNotCreated       = errors.New("task not created")
)

// MaxDescriptionLen is the maximum length of a description in bytes.
const MaxDescriptionLen = 1024

var ErrDescriptionTooLong = fmt.Errorf(
	"task description exceeds %d bytes", MaxDescriptionLen,
)

// Task is the task aggregate.
type Task struct {
	plow.AggregateRoot

	description string
	completed   bool
}

var _ plow.Aggregate = new(Task)

func validateDescription(d string) error {
	switch {
	case strings.TrimSpace(d) == "":
		return ErrEmptyDescription
	case len(d) > MaxDescriptionLen:
		return ErrDescriptionTooLong
	}
	return nil
}

// Create creates a new task with a random id.
func Create(description string) (*Task, error) {
	return CreateWithID(plow.NewID(), description)
}

// CreateWithID creates a new task identified by id.
func CreateWithID(id, description string) (*Task, error) {
	description = strings.TrimSpace(description)
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	t := new(Task)
	if err := plow.Init(t, id); err != nil {
		return nil, err
	}
	if err := plow.Raise(t, &TaskCreated{Description: description}); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Task) Description() string { return t.description }
func (t *Task) Completed() bool     { return t.completed }

// ChangeDescription replaces the description of the task.
func (t *Task) ChangeDescription(description string) error {
	description = strings.TrimSpace(description)
	if err := validateDescription(description); err != nil {
		return err
	}
	if description == t.description {
		return ErrUnchanged
	}
	return plow.Raise(t, &TaskDescriptionChanged{Description: description})
}

// Complete marks the task as completed.
func (t *Task) Complete() error {
	if t.completed {
		return ErrAlreadyCompleted
	}
	return plow.Raise(t, &TaskCompleted{})
}

// Reopen marks a completed task as not completed.
func (t *Task) Reopen() error {
	if !t.completed {
		return ErrNotCompleted
	}
	return plow.Raise(t, &TaskReopened{})
}

func (t *Task) Apply(e plow.Event) error {
	if _, ok := e.(*TaskCreated); !ok && t.Version() == 0 {
		return fmt.Errorf("%w: applying %T", ErrNotCreated, e)
	}
	switch e := e.(type) {
	case *TaskCreated:
		if t.Version() > 0 {
			return fmt.Errorf("task %q created twice", t.ID())
		}
		if err := validateDescription(e.Description); err != nil {
			return err
		}
		t.description = e.Description
	case *TaskDescriptionChanged:
		if err := validateDescription(e.Description); err != nil {
			return err
		}
		t.description = e.Description
	case *TaskCompleted:
		t.completed = true
	case *TaskReopened:
		t.completed = false
	default:
		return fmt.Errorf("unexpected event type %T", e)
	}
	return nil
}

// NewRepository creates a task repository.
func NewRepository(engine *plow.Engine, log *slog.Logger) *plow.Repository[*Task] {
	return plow.NewRepository(engine, log, func() *Task { return new(Task) })
}
