package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/romshark/plow"
)

// View is the read model of a task.
type View struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// Version is the stream version of the task.
	Version int64 `json:"version"`
}

// Board is an in-memory plow.StatefulProjection listing all tasks.
type Board struct {
	log *slog.Logger

	lock    sync.RWMutex
	version int64
	tasks   map[string]View
	order   []string // Task ids in order of creation.
}

var _ plow.StatefulProjection = new(Board)

func NewBoard(log *slog.Logger) *Board {
	return &Board{log: log, tasks: map[string]View{}}
}

func (b *Board) Backoff() (min, max time.Duration, factor, jitter float64) {
	return 10 * time.Millisecond, time.Second, 2, 0.1
}

func (b *Board) Version(context.Context) (int64, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.version, nil
}

// Apply stages events and returns a commit function making them visible.
func (b *Board) Apply(
	ctx context.Context, assumedVersion int64, events []plow.Event,
) (commit func(context.Context) error, err error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if assumedVersion != b.version {
		return nil, plow.ErrOutOfSync
	}

	staged := map[string]View{}
	var created []string
	get := func(id string) (View, bool) {
		if v, ok := staged[id]; ok {
			return v, true
		}
		v, ok := b.tasks[id]
		return v, ok
	}
	for _, e := range events {
		id := e.StreamID()
		if _, ok := e.(*TaskCreated); !ok {
			if _, exists := get(id); !exists {
				// Not a task or the stream is unknown.
				continue
			}
		}
		v, _ := get(id)
		switch e := e.(type) {
		case *TaskCreated:
			v = View{ID: id, Description: e.Description, CreatedAt: e.Time()}
			created = append(created, id)
		case *TaskDescriptionChanged:
			v.Description = e.Description
		case *TaskCompleted:
			v.Completed = true
		case *TaskReopened:
			v.Completed = false
		default:
			continue
		}
		v.UpdatedAt, v.Version = e.Time(), e.StreamVersion()
		staged[id] = v
	}

	newVersion := assumedVersion + int64(len(events))
	return func(context.Context) error {
		b.lock.Lock()
		defer b.lock.Unlock()
		if b.version != assumedVersion {
			return plow.ErrOutOfSync
		}
		for id, v := range staged {
			b.tasks[id] = v
		}
		b.order = append(b.order, created...)
		b.version = newVersion
		b.log.Debug("board updated",
			slog.Int64("version", newVersion),
			slog.Int("tasks", len(b.tasks)))
		return nil
	}, nil
}

// Get returns the task identified by id.
func (b *Board) Get(id string) (View, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	v, ok := b.tasks[id]
	return v, ok
}

// Filter selects tasks by completion state.
type Filter int8

const (
	FilterAll Filter = iota
	FilterOpen
	FilterCompleted
)

// List returns the tasks matching filter in order of creation.
func (b *Board) List(filter Filter) []View {
	b.lock.RLock()
	defer b.lock.RUnlock()
	l := make([]View, 0, len(b.order))
	for _, id := range b.order {
		v := b.tasks[id]
		switch {
		case filter == FilterOpen && v.Completed,
			filter == FilterCompleted && !v.Completed:
			continue
		}
		l = append(l, v)
	}
	return l
}

// Counts returns the number of open and completed tasks.
func (b *Board) Counts() (open, completed int) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for _, v := range b.tasks {
		if v.Completed {
			completed++
		} else {
			open++
		}
	}
	return open, completed
}
