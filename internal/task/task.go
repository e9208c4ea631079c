package task

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of work categories. Retry policies, circuit
// breakers and budget sub-accounts are all keyed by it.
type Category string

const (
	CategoryNetwork  Category = "network"
	CategoryProvider Category = "provider"
	CategoryBrowser  Category = "browser"
	CategoryStore    Category = "store"
	CategoryExec     Category = "exec"
	CategoryInternal Category = "internal"
)

// Categories lists every valid category.
func Categories() []Category {
	return []Category{
		CategoryNetwork,
		CategoryProvider,
		CategoryBrowser,
		CategoryStore,
		CategoryExec,
		CategoryInternal,
	}
}

// ParseCategory validates a category string
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	switch c {
	case CategoryNetwork, CategoryProvider, CategoryBrowser, CategoryStore, CategoryExec, CategoryInternal:
		return c, nil
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// Priority represents task priority levels; lower values are claimed first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status represents the status of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is a durable unit of queued work. The queue store owns every field;
// a worker holds only a transient lease while the task is InProgress.
type Task struct {
	ID           string          `db:"id" json:"id"`
	Description  string          `db:"description" json:"description"`
	Category     Category        `db:"category" json:"category"`
	Priority     Priority        `db:"priority" json:"priority"`
	Status       Status          `db:"status" json:"status"`
	Args         json.RawMessage `db:"args" json:"args,omitempty"`
	Dependencies StringSet       `db:"dependencies" json:"dependencies,omitempty"`
	Deadline     *time.Time      `db:"deadline" json:"deadline,omitempty"`
	Attempts     int             `db:"attempts" json:"attempts"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	Progress     float64         `db:"progress" json:"progress"`
	Checkpoint   json.RawMessage `db:"checkpoint" json:"checkpoint,omitempty"`
	Result       json.RawMessage `db:"result" json:"result,omitempty"`
	LeaseWorker  string          `db:"lease_worker" json:"lease_worker,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// New creates a pending task with defaults
func New(description string, category Category, priority Priority) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Description: description,
		Category:    category,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithID overrides the generated id, for idempotent resubmission
func (t *Task) WithID(id string) *Task {
	t.ID = id
	return t
}

// WithArgs attaches handler arguments
func (t *Task) WithArgs(args interface{}) *Task {
	data, err := json.Marshal(args)
	if err == nil {
		t.Args = data
	}
	return t
}

// WithDeadline sets the task deadline
func (t *Task) WithDeadline(deadline time.Time) *Task {
	d := deadline.UTC()
	t.Deadline = &d
	return t
}

// WithDependencies declares tasks that must complete first
func (t *Task) WithDependencies(ids ...string) *Task {
	t.Dependencies = append(t.Dependencies, ids...)
	return t
}

// Overdue reports whether the deadline has passed.
func (t *Task) Overdue(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// StringSet is a JSON-encoded string slice stored in a single column.
type StringSet []string

// Value implements driver.Valuer
func (s StringSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (s *StringSet) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(s))
	}
	return fmt.Errorf("cannot scan %T into StringSet", src)
}

// Result is the outcome a handler reports for a task.
type Result struct {
	TaskID    string          `json:"task_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler executes tasks of one category.
type Handler interface {
	Execute(ctx context.Context, t *Task) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, t *Task) (*Result, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, t *Task) (*Result, error) {
	return f(ctx, t)
}

// HandlerMap is the statically checked category-to-handler dispatch table.
type HandlerMap map[Category]Handler

// Validate rejects maps with unknown categories or nil handlers.
func (m HandlerMap) Validate() error {
	for c, h := range m {
		if _, err := ParseCategory(string(c)); err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("nil handler for category %q", c)
		}
	}
	return nil
}

// For returns the handler for a category.
func (m HandlerMap) For(c Category) (Handler, bool) {
	h, ok := m[c]
	return h, ok
}
