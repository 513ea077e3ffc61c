package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationType enumerates the mutations a client can queue.
type OperationType string

const (
	// OperationCreate inserts a new record into an entity collection.
	OperationCreate OperationType = "CREATE"
	// OperationUpdate merges fields into an existing record.
	OperationUpdate OperationType = "UPDATE"
	// OperationDelete removes an existing record.
	OperationDelete OperationType = "DELETE"
)

var (
	// ErrInvalidOperationType indicates an operation type outside CREATE, UPDATE, DELETE.
	ErrInvalidOperationType = errors.New("queue: invalid operation type")
	// ErrInvalidEntity indicates an empty entity name.
	ErrInvalidEntity = errors.New("queue: invalid entity")
	// ErrMissingTargetKey indicates an UPDATE or DELETE without a target key.
	ErrMissingTargetKey = errors.New("queue: target key required")
)

// ParseOperationType normalizes raw input into an OperationType.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, rawInput)
	}
}

// Origin identifies the device that produced an operation. It is carried for audit only.
type Origin struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

// Draft is the caller-supplied part of an operation; the store assigns the rest.
type Draft struct {
	Type      OperationType
	Entity    string
	Payload   map[string]any
	TargetKey string
}

// Validate reports whether the draft can be appended.
func (d Draft) Validate() error {
	if _, err := ParseOperationType(string(d.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Entity) == "" {
		return ErrInvalidEntity
	}
	if d.Type != OperationCreate && strings.TrimSpace(d.TargetKey) == "" {
		return fmt.Errorf("%w: %s on %s", ErrMissingTargetKey, d.Type, d.Entity)
	}
	return nil
}

// PendingOperation is a queued mutation awaiting confirmation by the remote API.
type PendingOperation struct {
	ID         string         `json:"id"`
	Type       OperationType  `json:"type"`
	Entity     string         `json:"entity"`
	Payload    map[string]any `json:"payload"`
	TargetKey  string         `json:"targetKey,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Origin     Origin         `json:"originDevice"`
	RetryCount int            `json:"retryCount"`
}

// Clone returns a copy that shares no mutable state with the receiver.
func (op PendingOperation) Clone() PendingOperation {
	clone := op
	clone.Payload = ClonePayload(op.Payload)
	return clone
}

// ClonePayload copies the top level of an opaque payload.
func ClonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	copied := make(map[string]any, len(payload))
	for key, value := range payload {
		copied[key] = value
	}
	return copied
}
