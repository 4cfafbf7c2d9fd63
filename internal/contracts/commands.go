package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownKind    = errors.New("unknown command kind")
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Command is a decoded payload for exactly one Kind. The concrete types below
// are the only implementations.
type Command interface {
	Kind() Kind
	validate() error
}

type ListLists struct{}

type ListTasks struct {
	ListID string `json:"list_id,omitempty"`
	Status string `json:"status,omitempty"`
}

type CreateTask struct {
	Title  string `json:"title"`
	Notes  string `json:"notes,omitempty"`
	ListID string `json:"list_id,omitempty"`
	DueISO string `json:"due_iso,omitempty"`
}

// UpdateTask leaves a field untouched when its pointer is nil. An empty
// DueISO clears the due date.
type UpdateTask struct {
	TaskID string  `json:"task_id"`
	Title  *string `json:"title,omitempty"`
	Notes  *string `json:"notes,omitempty"`
	DueISO *string `json:"due_iso,omitempty"`
}

type CompleteTask struct {
	TaskID string `json:"task_id"`
}

type DeleteTask struct {
	TaskID string `json:"task_id"`
}

func (*ListLists) Kind() Kind    { return KindListLists }
func (*ListTasks) Kind() Kind    { return KindListTasks }
func (*CreateTask) Kind() Kind   { return KindCreateTask }
func (*UpdateTask) Kind() Kind   { return KindUpdateTask }
func (*CompleteTask) Kind() Kind { return KindCompleteTask }
func (*DeleteTask) Kind() Kind   { return KindDeleteTask }

func (*ListLists) validate() error { return nil }

func (c *ListTasks) validate() error {
	switch c.Status {
	case "", StatusNeedsAction, StatusCompleted:
		return nil
	default:
		return fmt.Errorf("%w: status must be %q or %q", ErrInvalidPayload, StatusNeedsAction, StatusCompleted)
	}
}

func (c *CreateTask) validate() error {
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	return validateDue(c.DueISO)
}

func (c *UpdateTask) validate() error {
	if err := requireTaskID(c.TaskID); err != nil {
		return err
	}
	if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
		return fmt.Errorf("%w: title must not be empty", ErrInvalidPayload)
	}
	if c.DueISO != nil {
		return validateDue(*c.DueISO)
	}
	return nil
}

func (c *CompleteTask) validate() error { return requireTaskID(c.TaskID) }
func (c *DeleteTask) validate() error   { return requireTaskID(c.TaskID) }

func requireTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidPayload)
	}
	return nil
}

func validateDue(due string) error {
	if due == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, due); err != nil {
		return fmt.Errorf("%w: due_iso must be RFC3339", ErrInvalidPayload)
	}
	return nil
}

// DecodeCommand selects the payload type from kind first and only then
// decodes raw into it. An empty or null raw payload decodes as zero value.
func DecodeCommand(kind Kind, raw json.RawMessage) (Command, error) {
	var cmd Command
	switch kind {
	case KindListLists:
		cmd = &ListLists{}
	case KindListTasks:
		cmd = &ListTasks{}
	case KindCreateTask:
		cmd = &CreateTask{}
	case KindUpdateTask:
		cmd = &UpdateTask{}
	case KindCompleteTask:
		cmd = &CompleteTask{}
	case KindDeleteTask:
		cmd = &DeleteTask{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}
