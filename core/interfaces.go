package core

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Operation represents a modifying storage operation, one of Create, Update, Delete
type Operation string

// all announced operations
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Notification describes a committed mutation of a model
type Notification struct {
	Module    string          `json:"module"`
	Class     string          `json:"class"`
	Model     string          `json:"model"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notifier is an interface to receive mutation notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
