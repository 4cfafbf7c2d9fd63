package contracts

import (
	"encoding/json"
	"time"
)

// Kind names one operation of the closed command enumeration.
type Kind string

const (
	KindListLists    Kind = "list_lists"
	KindListTasks    Kind = "list_tasks"
	KindCreateTask   Kind = "create_task"
	KindUpdateTask   Kind = "update_task"
	KindCompleteTask Kind = "complete_task"
	KindDeleteTask   Kind = "delete_task"
)

// Kinds lists every valid kind in schema order.
var Kinds = []Kind{
	KindListLists,
	KindListTasks,
	KindCreateTask,
	KindUpdateTask,
	KindCompleteTask,
	KindDeleteTask,
}

func (k Kind) Valid() bool {
	switch k {
	case KindListLists, KindListTasks, KindCreateTask, KindUpdateTask, KindCompleteTask, KindDeleteTask:
		return true
	default:
		return false
	}
}

// Task status values shared by the server schema and the device store.
const (
	StatusNeedsAction = "needsAction"
	StatusCompleted   = "completed"
)

// Device binds an opaque user/device id to a push address.
type Device struct {
	UserID       string    `json:"userId"`
	PushAddress  string    `json:"pushAddress"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// PendingCommand is an issued envelope waiting for its device to poll it.
type PendingCommand struct {
	CommandID string    `json:"commandId"`
	UserID    string    `json:"userId"`
	Envelope  string    `json:"envelope"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CommandResult is the outcome a device reports for a command id.
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PushPayload is the body delivered through the push channel.
type PushPayload struct {
	Envelope string `json:"envelope"`
}

// DeliveryMethod is the hint returned by dispatch about which path was attempted.
type DeliveryMethod string

const (
	DeliveryPush    DeliveryMethod = "push"
	DeliveryPolling DeliveryMethod = "polling"
)

type RegisterRequest struct {
	UserID      string `json:"userId"`
	PushAddress string `json:"pushAddress"`
	APNSToken   string `json:"apnsToken,omitempty"`
}

type DispatchRequest struct {
	UserID string          `json:"userId"`
	Op     Kind            `json:"op"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type DispatchResponse struct {
	OK             bool           `json:"ok"`
	CommandID      string         `json:"commandId"`
	Message        string         `json:"message"`
	DeliveryMethod DeliveryMethod `json:"deliveryMethod"`
}

type PolledCommand struct {
	ID       string `json:"id"`
	Envelope string `json:"envelope"`
}

type PollResponse struct {
	Commands []PolledCommand `json:"commands"`
}

type ReportRequest struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TaskList is a list (calendar) on the device.
type TaskList struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Task is the normalized task shape returned by the device executor.
type Task struct {
	ID           string `json:"id"`
	ListID       string `json:"listId"`
	Title        string `json:"title"`
	Notes        string `json:"notes"`
	Status       string `json:"status"`
	DueISO       string `json:"dueISO,omitempty"`
	CompletedISO string `json:"completedISO,omitempty"`
	URL          string `json:"url"`
}

type EmptyResult struct {
	OK bool `json:"ok"`
}
